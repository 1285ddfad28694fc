// Copyright 2025 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBindMount(t *testing.T) {
	spec, err := ParseMountSpec("type=bind,src=/tmp,dst=/data")
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks("/tmp")
	require.NoError(t, err)

	assert.Equal(t, MountTypeBind, spec.Type)
	assert.Equal(t, resolved, spec.Src)
	assert.Equal(t, "/data", spec.Dst)
}

func TestParseBindMountWithAliases(t *testing.T) {
	spec, err := ParseMountSpec("type=bind,source=/tmp,target=/data")
	require.NoError(t, err)
	assert.Equal(t, MountTypeBind, spec.Type)
	assert.Equal(t, "/data", spec.Dst)
}

func TestParseSqliteMount(t *testing.T) {
	// The backing store need not exist yet; the path is kept as given.
	spec, err := ParseMountSpec("type=sqlite,src=agent.db,dst=/agent")
	require.NoError(t, err)
	assert.Equal(t, MountTypeSqlite, spec.Type)
	assert.Equal(t, "agent.db", spec.Src)
	assert.Equal(t, "/agent", spec.Dst)
}

func TestParseMountErrors(t *testing.T) {
	cases := []struct {
		name string
		spec string
		want string
	}{
		{name: "missing type", spec: "src=/tmp,dst=/data", want: "missing required field 'type'"},
		{name: "missing dst", spec: "type=bind,src=/tmp", want: "requires 'dst' field"},
		{name: "missing src", spec: "type=bind,dst=/data", want: "requires 'src' field"},
		{name: "unsupported type", spec: "type=foobar,src=/tmp,dst=/data", want: "unsupported mount type"},
		{name: "malformed option", spec: "type=bind,invalid,dst=/data", want: "invalid mount option"},
		{name: "duplicate key", spec: "type=bind,src=/tmp,src=/var,dst=/data", want: "duplicate key"},
		{name: "relative dst", spec: "type=bind,src=/tmp,dst=relative/path", want: "must be absolute"},
		{name: "nonexistent bind src", spec: "type=bind,src=/nonexistent-path-12345,dst=/data", want: "canonicalizing source path"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMountSpec(tc.spec)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
