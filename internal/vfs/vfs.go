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

// Package vfs implements the sandbox-side view of the filesystem: the
// per-process virtual FD table, the mount table, and the two backing
// VFS kinds (passthrough and SQLite-virtual).
package vfs

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Sentinel errors forming the VFS error taxonomy. Handlers map these
// to guest errnos at the syscall boundary: ErrNotFound becomes ENOENT,
// ErrPermissionDenied becomes EACCES, and everything else EIO.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotSupported     = errors.New("operation not supported by this VFS")
)

// InvalidInputf wraps ErrInvalidInput with detail.
func InvalidInputf(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, v...))
}

// VFS is the capability set shared by the backing kinds.
//
// Passthrough backings implement only TranslatePath; Open and Stat are
// meaningful for virtual backings, whose files never touch the kernel.
type VFS interface {
	// TranslatePath maps a sandbox path to the backing path: a host
	// path for passthrough backings, the path itself (validated) for
	// virtual ones. ErrNotFound means the path is outside this mount.
	TranslatePath(path string) (string, error)

	// IsVirtual reports whether all I/O is served in-process. When
	// false, handlers inject rewritten kernel syscalls instead.
	IsVirtual() bool

	// Open opens path within a virtual backing and returns the handle
	// serving its I/O.
	Open(ctx context.Context, path string, flags int, mode uint32) (*Handle, error)

	// Stat resolves path within a virtual backing, following symlinks.
	Stat(ctx context.Context, path string) (*unix.Stat_t, error)
}
