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
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/googlecloudplatform/agentfs/internal/posixfs"
	"golang.org/x/sys/unix"
)

// SqliteVfs serves a mount subtree entirely in-process from a
// POSIX-on-SQLite backing store. No kernel FD ever exists for files
// under this mount; every open produces a file object.
type SqliteVfs struct {
	fs         *posixfs.Filesystem
	mountPoint string
}

var _ VFS = &SqliteVfs{}

// NewSqliteVfs mounts the given backing store at mountPoint.
func NewSqliteVfs(fs *posixfs.Filesystem, mountPoint string) *SqliteVfs {
	return &SqliteVfs{fs: fs, mountPoint: mountPoint}
}

// MountPoint returns the guest-visible prefix.
func (v *SqliteVfs) MountPoint() string { return v.mountPoint }

// Filesystem exposes the backing store, for offline tooling.
func (v *SqliteVfs) Filesystem() *posixfs.Filesystem { return v.fs }

func (v *SqliteVfs) TranslatePath(path string) (string, error) {
	if _, err := v.relative(path); err != nil {
		return "", err
	}
	// Virtual mounts keep the guest path; handlers must serve the call
	// rather than inject it.
	return path, nil
}

func (v *SqliteVfs) IsVirtual() bool { return true }

// relative strips the mount prefix, yielding the backing-store path.
func (v *SqliteVfs) relative(path string) (string, error) {
	if path == v.mountPoint {
		return "/", nil
	}
	rel, found := strings.CutPrefix(path, v.mountPoint+"/")
	if !found {
		return "", ErrNotFound
	}
	return "/" + rel, nil
}

func (v *SqliteVfs) Open(ctx context.Context, path string, flags int, mode uint32) (*Handle, error) {
	rel, err := v.relative(path)
	if err != nil {
		return nil, err
	}

	attr, err := v.fs.Stat(ctx, rel)
	switch {
	case err == nil:

	case errors.Is(err, posixfs.ErrNotExist) && flags&unix.O_CREAT != 0:
		ino, cerr := v.fs.CreateFile(ctx, rel, mode)
		if cerr != nil {
			return nil, mapBackendError(cerr)
		}
		if attr, err = v.fs.StatIno(ctx, ino); err != nil {
			return nil, mapBackendError(err)
		}

	default:
		return nil, mapBackendError(err)
	}

	if attr.IsDir() {
		return NewHandle(&sqliteDir{fs: v.fs, ino: attr.Ino, flags: flags}), nil
	}

	if flags&unix.O_TRUNC != 0 && flags&unix.O_ACCMODE != unix.O_RDONLY {
		if err := v.fs.Truncate(ctx, attr.Ino); err != nil {
			return nil, mapBackendError(err)
		}
	}

	f := &sqliteFile{fs: v.fs, ino: attr.Ino, flags: flags}
	if flags&unix.O_APPEND != 0 {
		f.offset = attr.Size
	}
	return NewHandle(f), nil
}

func (v *SqliteVfs) Stat(ctx context.Context, path string) (*unix.Stat_t, error) {
	rel, err := v.relative(path)
	if err != nil {
		return nil, err
	}
	attr, err := v.fs.Stat(ctx, rel)
	if err != nil {
		return nil, mapBackendError(err)
	}
	return statFromAttr(attr), nil
}

// mapBackendError folds posixfs errors into the VFS taxonomy.
func mapBackendError(err error) error {
	switch {
	case errors.Is(err, posixfs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, posixfs.ErrInvalid):
		return fmt.Errorf("%w: %s", ErrInvalidInput, err)
	default:
		return err
	}
}

// statFromAttr builds the kernel stat layout from an inode row.
func statFromAttr(a *posixfs.Attr) *unix.Stat_t {
	return &unix.Stat_t{
		Ino:     uint64(a.Ino),
		Nlink:   uint64(a.Nlink),
		Mode:    a.Mode,
		Uid:     a.Uid,
		Gid:     a.Gid,
		Size:    a.Size,
		Blksize: 4096,
		Blocks:  (a.Size + 511) / 512,
		Atim:    unix.Timespec{Sec: a.Atime},
		Mtim:    unix.Timespec{Sec: a.Mtime},
		Ctim:    unix.Timespec{Sec: a.Ctime},
	}
}

////////////////////////////////////////////////////////////////////////
// Regular files
////////////////////////////////////////////////////////////////////////

// sqliteFile is the file object for a regular file on a virtual
// mount: the inode reference, the shared offset, and the status flags.
type sqliteFile struct {
	fs  *posixfs.Filesystem
	ino int64

	mu     sync.Mutex
	offset int64
	flags  int
}

var _ FileOps = &sqliteFile{}

func (f *sqliteFile) Read(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.fs.ReadAt(ctx, f.ino, f.offset, p)
	if err != nil {
		return 0, mapBackendError(err)
	}
	f.offset += int64(n)
	return n, nil
}

func (f *sqliteFile) Write(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.fs.WriteAt(ctx, f.ino, f.offset, p)
	if err != nil {
		return 0, mapBackendError(err)
	}
	f.offset += int64(n)
	return n, nil
}

func (f *sqliteFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case unix.SEEK_SET:
		base = 0
	case unix.SEEK_CUR:
		base = f.offset
	case unix.SEEK_END:
		attr, err := f.fs.StatIno(context.Background(), f.ino)
		if err != nil {
			return 0, mapBackendError(err)
		}
		base = attr.Size
	default:
		return 0, InvalidInputf("bad whence %d", whence)
	}

	if base+offset < 0 {
		return 0, InvalidInputf("negative offset")
	}
	f.offset = base + offset
	return f.offset, nil
}

func (f *sqliteFile) Fstat(ctx context.Context) (*unix.Stat_t, error) {
	attr, err := f.fs.StatIno(ctx, f.ino)
	if err != nil {
		return nil, mapBackendError(err)
	}
	return statFromAttr(attr), nil
}

// Fsync is a no-op: writes land in the backing store as they happen.
func (f *sqliteFile) Fsync(ctx context.Context) error { return nil }

func (f *sqliteFile) ReadDirents(ctx context.Context) ([]Dirent, error) {
	return nil, ErrNotSupported
}

func (f *sqliteFile) Close(ctx context.Context) error { return nil }

func (f *sqliteFile) Flags() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags
}

func (f *sqliteFile) SetFlags(flags int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = flags
	return nil
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

// sqliteDir is the file object for a directory on a virtual mount.
// The stream is single shot: the first ReadDirents returns everything,
// later calls report an exhausted directory until a seek to offset
// zero rewinds it.
type sqliteDir struct {
	fs  *posixfs.Filesystem
	ino int64

	mu       sync.Mutex
	flags    int
	consumed bool
}

var _ FileOps = &sqliteDir{}

func (d *sqliteDir) Read(ctx context.Context, p []byte) (int, error) {
	return 0, InvalidInputf("read on directory")
}

func (d *sqliteDir) Write(ctx context.Context, p []byte) (int, error) {
	return 0, InvalidInputf("write on directory")
}

func (d *sqliteDir) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && whence == unix.SEEK_SET {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.consumed = false
		return 0, nil
	}
	return 0, ErrNotSupported
}

func (d *sqliteDir) Fstat(ctx context.Context) (*unix.Stat_t, error) {
	attr, err := d.fs.StatIno(ctx, d.ino)
	if err != nil {
		return nil, mapBackendError(err)
	}
	return statFromAttr(attr), nil
}

func (d *sqliteDir) Fsync(ctx context.Context) error { return nil }

func (d *sqliteDir) ReadDirents(ctx context.Context) ([]Dirent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.consumed {
		return nil, nil
	}
	d.consumed = true

	entries, err := d.fs.ReadDirents(ctx, d.ino)
	if err != nil {
		return nil, mapBackendError(err)
	}

	out := make([]Dirent, 0, len(entries))
	for _, e := range entries {
		out = append(out, Dirent{
			Ino:  uint64(e.Ino),
			Name: e.Name,
			Type: direntType(e.Mode),
		})
	}
	return out, nil
}

func (d *sqliteDir) Close(ctx context.Context) error { return nil }

func (d *sqliteDir) Flags() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags
}

func (d *sqliteDir) SetFlags(flags int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags = flags
	return nil
}

func direntType(mode uint32) uint8 {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return unix.DT_DIR
	case unix.S_IFLNK:
		return unix.DT_LNK
	case unix.S_IFREG:
		return unix.DT_REG
	default:
		return unix.DT_UNKNOWN
	}
}
