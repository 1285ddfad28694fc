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

package vfs

import (
	"sort"
	"strings"
)

// MountPoint binds a sandbox path prefix to a backing VFS.
type MountPoint struct {
	// SandboxPath is the absolute prefix as the guest sees it.
	SandboxPath string

	VFS VFS
}

// MountTable is the ordered set of mount points. It is populated at
// startup and immutable thereafter, so concurrent readers need no
// locking.
//
// The list is kept sorted deepest prefix first; resolution takes the
// first mount whose VFS accepts the path, which together implement
// longest-prefix match.
type MountTable struct {
	mounts []MountPoint
}

func NewMountTable() *MountTable {
	return &MountTable{}
}

// AddMount registers a mount point, re-sorting the list by path depth.
func (t *MountTable) AddMount(sandboxPath string, v VFS) {
	t.mounts = append(t.mounts, MountPoint{SandboxPath: sandboxPath, VFS: v})
	sort.SliceStable(t.mounts, func(i, j int) bool {
		return pathDepth(t.mounts[i].SandboxPath) > pathDepth(t.mounts[j].SandboxPath)
	})
}

// Resolve finds the VFS serving path and the translated backing path.
// ok is false when path lies outside every mount, in which case the
// caller should pass the syscall through to the kernel unchanged.
func (t *MountTable) Resolve(path string) (v VFS, translated string, ok bool) {
	for _, m := range t.mounts {
		if p, err := m.VFS.TranslatePath(path); err == nil {
			return m.VFS, p, true
		}
	}
	return nil, "", false
}

// Mounts returns the mount points in resolution order.
func (t *MountTable) Mounts() []MountPoint {
	return t.mounts
}

func pathDepth(path string) int {
	n := 0
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			n++
		}
	}
	return n
}
