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
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Dirent is one directory entry as reported by a virtual directory.
type Dirent struct {
	Ino  uint64
	Name string

	// Type is a DT_* constant.
	Type uint8
}

// FileOps is the in-process file object behind a virtual FD: current
// offset, status flags, and a reference into the backing store.
type FileOps interface {
	// Read reads from the current offset, advancing it.
	Read(ctx context.Context, p []byte) (int, error)

	// Write writes at the current offset, advancing it.
	Write(ctx context.Context, p []byte) (int, error)

	// Seek repositions the offset per lseek semantics.
	Seek(offset int64, whence int) (int64, error)

	// Fstat returns the kernel stat layout for the open file.
	Fstat(ctx context.Context) (*unix.Stat_t, error)

	// Fsync flushes pending data to the backing store.
	Fsync(ctx context.Context) error

	// ReadDirents returns the directory's entries, or ErrNotSupported
	// for non-directories. Iteration is single shot: a second call
	// returns an empty slice unless the file object was rewound.
	ReadDirents(ctx context.Context) ([]Dirent, error)

	// Close releases the file object.
	Close(ctx context.Context) error

	// Flags returns the file status flags.
	Flags() int

	// SetFlags replaces the file status flags.
	SetFlags(flags int) error
}

// Handle is a refcounted reference to a FileOps. FD entries own
// references, not the object: dup-family syscalls share one file
// object (and therefore one offset) across several virtual FDs, and
// the object is released when the last reference closes.
type Handle struct {
	ops  FileOps
	refs atomic.Int32
}

// NewHandle wraps ops with a single reference.
func NewHandle(ops FileOps) *Handle {
	h := &Handle{ops: ops}
	h.refs.Store(1)
	return h
}

// Dup adds a reference and returns the same handle.
func (h *Handle) Dup() *Handle {
	h.refs.Add(1)
	return h
}

// Close drops one reference, closing the file object when the last
// reference is gone.
func (h *Handle) Close(ctx context.Context) error {
	if h.refs.Add(-1) == 0 {
		return h.ops.Close(ctx)
	}
	return nil
}

func (h *Handle) Read(ctx context.Context, p []byte) (int, error)  { return h.ops.Read(ctx, p) }
func (h *Handle) Write(ctx context.Context, p []byte) (int, error) { return h.ops.Write(ctx, p) }
func (h *Handle) Seek(offset int64, whence int) (int64, error)     { return h.ops.Seek(offset, whence) }
func (h *Handle) Fstat(ctx context.Context) (*unix.Stat_t, error)  { return h.ops.Fstat(ctx) }
func (h *Handle) Fsync(ctx context.Context) error                  { return h.ops.Fsync(ctx) }
func (h *Handle) ReadDirents(ctx context.Context) ([]Dirent, error) {
	return h.ops.ReadDirents(ctx)
}
func (h *Handle) Flags() int           { return h.ops.Flags() }
func (h *Handle) SetFlags(f int) error { return h.ops.SetFlags(f) }
