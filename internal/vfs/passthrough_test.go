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

package vfs_test

import (
	"testing"

	"github.com/googlecloudplatform/agentfs/internal/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassthroughTranslatePath(t *testing.T) {
	v := vfs.NewPassthroughVfs("/tmp/agent", "/agent")

	cases := []struct {
		name string
		path string
		want string
		ok   bool
	}{
		{name: "exact match", path: "/agent", want: "/tmp/agent", ok: true},
		{name: "subpath", path: "/agent/subdir/file.txt", want: "/tmp/agent/subdir/file.txt", ok: true},
		{name: "trailing separator", path: "/agent/", want: "/tmp/agent", ok: true},
		{name: "no match", path: "/other/path", ok: false},
		{name: "prefix of a longer component", path: "/agentfoo", ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.TranslatePath(tc.path)
			if !tc.ok {
				require.ErrorIs(t, err, vfs.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPassthroughIsNotVirtual(t *testing.T) {
	v := vfs.NewPassthroughVfs("/tmp/agent", "/agent")
	assert.False(t, v.IsVirtual())
}
