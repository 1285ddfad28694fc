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

func TestMountTableLongestPrefix(t *testing.T) {
	table := vfs.NewMountTable()
	table.AddMount("/agent", vfs.NewPassthroughVfs("/tmp/agent", "/agent"))
	table.AddMount("/agent/special", vfs.NewPassthroughVfs("/tmp/special", "/agent/special"))

	// The deeper mount wins for paths under it.
	_, translated, ok := table.Resolve("/agent/special/x")
	require.True(t, ok)
	assert.Equal(t, "/tmp/special/x", translated)

	// Siblings fall back to the shallower mount.
	_, translated, ok = table.Resolve("/agent/y")
	require.True(t, ok)
	assert.Equal(t, "/tmp/agent/y", translated)
}

func TestMountTableInsertionOrderIrrelevant(t *testing.T) {
	table := vfs.NewMountTable()
	// Deepest registered first; sorting must still prefer it.
	table.AddMount("/agent/special", vfs.NewPassthroughVfs("/tmp/special", "/agent/special"))
	table.AddMount("/agent", vfs.NewPassthroughVfs("/tmp/agent", "/agent"))

	_, translated, ok := table.Resolve("/agent/special/file")
	require.True(t, ok)
	assert.Equal(t, "/tmp/special/file", translated)
}

func TestMountTableNoMatch(t *testing.T) {
	table := vfs.NewMountTable()
	table.AddMount("/agent", vfs.NewPassthroughVfs("/tmp/agent", "/agent"))

	_, _, ok := table.Resolve("/other/path")
	assert.False(t, ok)
}

func TestMountTableEmpty(t *testing.T) {
	table := vfs.NewMountTable()
	_, _, ok := table.Resolve("/anything")
	assert.False(t, ok)
}
