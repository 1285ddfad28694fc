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
	"context"
	"strings"

	"golang.org/x/sys/unix"
)

// PassthroughVfs is a bind mount: paths under the sandbox prefix are
// rewritten to a host directory and the rewritten syscalls go to the
// kernel. There is no file object; syscall handlers work directly with
// the kernel FDs recorded in passthrough FD entries.
type PassthroughVfs struct {
	hostRoot    string
	sandboxRoot string
}

var _ VFS = &PassthroughVfs{}

// NewPassthroughVfs maps sandboxRoot (as the guest sees it) onto
// hostRoot.
func NewPassthroughVfs(hostRoot, sandboxRoot string) *PassthroughVfs {
	return &PassthroughVfs{
		hostRoot:    hostRoot,
		sandboxRoot: sandboxRoot,
	}
}

// HostRoot returns the backing host directory.
func (v *PassthroughVfs) HostRoot() string { return v.hostRoot }

// SandboxRoot returns the guest-visible prefix.
func (v *PassthroughVfs) SandboxRoot() string { return v.sandboxRoot }

func (v *PassthroughVfs) TranslatePath(path string) (string, error) {
	// Exact match or a proper prefix followed by a separator; /agent
	// must not capture /agentfoo.
	if path == v.sandboxRoot {
		return v.hostRoot, nil
	}
	rel, found := strings.CutPrefix(path, v.sandboxRoot+"/")
	if !found {
		return "", ErrNotFound
	}
	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return v.hostRoot, nil
	}
	return v.hostRoot + "/" + rel, nil
}

func (v *PassthroughVfs) IsVirtual() bool { return false }

func (v *PassthroughVfs) Open(ctx context.Context, path string, flags int, mode uint32) (*Handle, error) {
	return nil, ErrNotSupported
}

func (v *PassthroughVfs) Stat(ctx context.Context, path string) (*unix.Stat_t, error) {
	return nil, ErrNotSupported
}
