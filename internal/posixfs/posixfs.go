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

// Package posixfs implements a POSIX-like filesystem on a relational
// store: an inode table, a dentry table keyed by (parent_ino, name), a
// chunked data table, and a symlink side table, all in one SQLite
// database file.
package posixfs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jacobsa/timeutil"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sys/unix"
)

const (
	// RootIno is the inode number of the root directory. It exists in
	// every initialized store.
	RootIno = 1

	// ChunkSize is the fixed size of data chunks. Writes are split on
	// this grid and merged into existing chunks read-modify-write.
	ChunkSize = 64 * 1024

	// maxSymlinkFollows bounds symlink resolution in Stat.
	maxSymlinkFollows = 40

	defaultFileMode = unix.S_IFREG | 0o644
	defaultDirMode  = unix.S_IFDIR | 0o755
)

// Errors reported by the backend. The VFS layer maps ErrNotExist to
// the guest's ENOENT; everything else surfaces as an I/O failure.
var (
	ErrNotExist = errors.New("no such file or directory")
	ErrExist    = errors.New("file exists")
	ErrNotDir   = errors.New("not a directory")
	ErrIsDir    = errors.New("is a directory")
	ErrNotEmpty = errors.New("directory not empty")
	ErrLoop     = errors.New("too many levels of symbolic links")
	ErrInvalid  = errors.New("invalid argument")
)

// Attr is the metadata row of an inode.
type Attr struct {
	Ino   int64
	Mode  uint32
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Size  int64
	Atime int64
	Mtime int64
	Ctime int64
}

// IsDir reports whether the inode is a directory.
func (a *Attr) IsDir() bool { return a.Mode&unix.S_IFMT == unix.S_IFDIR }

// IsRegular reports whether the inode is a regular file.
func (a *Attr) IsRegular() bool { return a.Mode&unix.S_IFMT == unix.S_IFREG }

// IsSymlink reports whether the inode is a symbolic link.
func (a *Attr) IsSymlink() bool { return a.Mode&unix.S_IFMT == unix.S_IFLNK }

// DirEntry is one name within a directory.
type DirEntry struct {
	Ino  int64
	Name string
	Mode uint32
}

// Filesystem is a handle on one backing store. All methods are safe
// for concurrent use; the store serialises on a single database
// connection.
type Filesystem struct {
	db    *sql.DB
	clock timeutil.Clock
}

// New opens (creating if necessary) the backing store at dbPath and
// ensures the schema and the root inode exist.
func New(ctx context.Context, dbPath string, clock timeutil.Clock) (*Filesystem, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening backing store %q: %w", dbPath, err)
	}

	// The design calls for one serialised connection rather than
	// multi-connection isolation.
	db.SetMaxOpenConns(1)

	fs := &Filesystem{db: db, clock: clock}
	if err := fs.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return fs, nil
}

// Close releases the backing store connection.
func (fs *Filesystem) Close() error {
	return fs.db.Close()
}

////////////////////////////////////////////////////////////////////////
// Schema
////////////////////////////////////////////////////////////////////////

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS fs_inode (
		ino INTEGER PRIMARY KEY AUTOINCREMENT,
		mode INTEGER NOT NULL,
		uid INTEGER NOT NULL DEFAULT 0,
		gid INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		atime INTEGER NOT NULL,
		mtime INTEGER NOT NULL,
		ctime INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fs_dentry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		parent_ino INTEGER NOT NULL,
		ino INTEGER NOT NULL,
		UNIQUE(parent_ino, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fs_dentry_parent
		ON fs_dentry(parent_ino, name)`,
	`CREATE TABLE IF NOT EXISTS fs_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ino INTEGER NOT NULL,
		offset INTEGER NOT NULL,
		size INTEGER NOT NULL,
		data BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fs_data_ino_offset
		ON fs_data(ino, offset)`,
	`CREATE TABLE IF NOT EXISTS fs_symlink (
		ino INTEGER PRIMARY KEY,
		target TEXT NOT NULL
	)`,
}

func (fs *Filesystem) initialize(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := fs.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return fs.ensureRoot(ctx)
}

func (fs *Filesystem) ensureRoot(ctx context.Context) error {
	var ino int64
	err := fs.db.QueryRowContext(ctx,
		"SELECT ino FROM fs_inode WHERE ino = ?", RootIno).Scan(&ino)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking root inode: %w", err)
	}

	now := fs.now()
	_, err = fs.db.ExecContext(ctx,
		`INSERT INTO fs_inode (ino, mode, uid, gid, size, atime, mtime, ctime)
		 VALUES (?, ?, 0, 0, 0, ?, ?, ?)`,
		RootIno, defaultDirMode, now, now, now)
	if err != nil {
		return fmt.Errorf("creating root inode: %w", err)
	}
	return nil
}

func (fs *Filesystem) now() int64 {
	return fs.clock.Now().Unix()
}

////////////////////////////////////////////////////////////////////////
// Paths
////////////////////////////////////////////////////////////////////////

// normalizePath turns path into a clean absolute path: exactly one
// leading slash, no trailing slash, no "." components, and ".."
// resolved without escaping the root.
func normalizePath(path string) string {
	var out []string
	for _, c := range strings.Split(path, "/") {
		switch c {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "/"
	}
	return "/" + strings.Join(out, "/")
}

func splitPath(path string) []string {
	norm := normalizePath(path)
	if norm == "/" {
		return nil
	}
	return strings.Split(norm[1:], "/")
}

func parentPath(path string) string {
	comps := splitPath(path)
	if len(comps) <= 1 {
		return "/"
	}
	return "/" + strings.Join(comps[:len(comps)-1], "/")
}

// resolvePath descends from the root one component at a time.
// Symlinks along the way are not followed; see Stat.
func (fs *Filesystem) resolvePath(ctx context.Context, path string) (int64, error) {
	ino := int64(RootIno)
	for _, name := range splitPath(path) {
		err := fs.db.QueryRowContext(ctx,
			"SELECT ino FROM fs_dentry WHERE parent_ino = ? AND name = ?",
			ino, name).Scan(&ino)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotExist
		}
		if err != nil {
			return 0, fmt.Errorf("resolving %q: %w", path, err)
		}
	}
	return ino, nil
}

////////////////////////////////////////////////////////////////////////
// Metadata
////////////////////////////////////////////////////////////////////////

// StatIno fetches the inode row and its live link count.
func (fs *Filesystem) StatIno(ctx context.Context, ino int64) (*Attr, error) {
	a := &Attr{}
	err := fs.db.QueryRowContext(ctx,
		`SELECT ino, mode, uid, gid, size, atime, mtime, ctime
		 FROM fs_inode WHERE ino = ?`, ino).
		Scan(&a.Ino, &a.Mode, &a.Uid, &a.Gid, &a.Size, &a.Atime, &a.Mtime, &a.Ctime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", ino, err)
	}

	nlink, err := fs.linkCount(ctx, ino)
	if err != nil {
		return nil, err
	}
	if ino == RootIno && nlink == 0 {
		nlink = 1
	}
	a.Nlink = nlink
	return a, nil
}

// Lstat resolves path without following a trailing symlink.
func (fs *Filesystem) Lstat(ctx context.Context, path string) (*Attr, error) {
	ino, err := fs.resolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	return fs.StatIno(ctx, ino)
}

// Stat resolves path, following symlinks up to the follow limit.
func (fs *Filesystem) Stat(ctx context.Context, path string) (*Attr, error) {
	p := path
	for depth := 0; depth <= maxSymlinkFollows; depth++ {
		a, err := fs.Lstat(ctx, p)
		if err != nil {
			return nil, err
		}
		if !a.IsSymlink() {
			return a, nil
		}

		target, err := fs.readlinkIno(ctx, a.Ino)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(target, "/") {
			p = target
		} else {
			p = normalizePath(parentPath(p) + "/" + target)
		}
	}
	return nil, ErrLoop
}

func (fs *Filesystem) linkCount(ctx context.Context, ino int64) (uint32, error) {
	var n uint32
	err := fs.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fs_dentry WHERE ino = ?", ino).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting links of inode %d: %w", ino, err)
	}
	return n, nil
}

////////////////////////////////////////////////////////////////////////
// Creation
////////////////////////////////////////////////////////////////////////

// CreateFile creates a regular file and returns its inode number.
// mode may be bare permission bits; the regular-file type bits are
// forced in when absent.
func (fs *Filesystem) CreateFile(ctx context.Context, path string, mode uint32) (int64, error) {
	if mode&unix.S_IFMT == 0 {
		mode |= unix.S_IFREG
	}
	return fs.createNode(ctx, path, mode)
}

// Mkdir creates a directory. perm carries permission bits only.
func (fs *Filesystem) Mkdir(ctx context.Context, path string, perm uint32) error {
	_, err := fs.createNode(ctx, path, unix.S_IFDIR|(perm&^uint32(unix.S_IFMT)))
	return err
}

func (fs *Filesystem) createNode(ctx context.Context, path string, mode uint32) (int64, error) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return 0, fmt.Errorf("%w: cannot create root", ErrInvalid)
	}
	name := comps[len(comps)-1]

	parentIno, err := fs.resolvePath(ctx, parentPath(path))
	if err != nil {
		return 0, err
	}
	parent, err := fs.StatIno(ctx, parentIno)
	if err != nil {
		return 0, err
	}
	if !parent.IsDir() {
		return 0, ErrNotDir
	}

	if _, err := fs.resolvePath(ctx, path); err == nil {
		return 0, ErrExist
	} else if !errors.Is(err, ErrNotExist) {
		return 0, err
	}

	now := fs.now()
	res, err := fs.db.ExecContext(ctx,
		`INSERT INTO fs_inode (mode, uid, gid, size, atime, mtime, ctime)
		 VALUES (?, 0, 0, 0, ?, ?, ?)`, mode, now, now, now)
	if err != nil {
		return 0, fmt.Errorf("creating inode for %q: %w", path, err)
	}
	ino, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading new inode id: %w", err)
	}

	_, err = fs.db.ExecContext(ctx,
		"INSERT INTO fs_dentry (name, parent_ino, ino) VALUES (?, ?, ?)",
		name, parentIno, ino)
	if err != nil {
		return 0, fmt.Errorf("creating dentry for %q: %w", path, err)
	}
	return ino, nil
}

////////////////////////////////////////////////////////////////////////
// Data
////////////////////////////////////////////////////////////////////////

// ReadAt copies into p the chunk bytes intersecting
// [off, off+len(p)), returning how many bytes of p were covered.
// Zero means end of file: no chunk overlaps the requested range.
func (fs *Filesystem) ReadAt(ctx context.Context, ino, off int64, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	end := off + int64(len(p))

	rows, err := fs.db.QueryContext(ctx,
		`SELECT offset, data FROM fs_data
		 WHERE ino = ? AND offset < ? AND offset + size > ?
		 ORDER BY offset`, ino, end, off)
	if err != nil {
		return 0, fmt.Errorf("reading inode %d: %w", ino, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var chunkOff int64
		var data []byte
		if err := rows.Scan(&chunkOff, &data); err != nil {
			return 0, fmt.Errorf("scanning chunk: %w", err)
		}

		lo := max64(off, chunkOff)
		hi := min64(end, chunkOff+int64(len(data)))
		if hi <= lo {
			continue
		}
		copy(p[lo-off:hi-off], data[lo-chunkOff:hi-chunkOff])
		if int(hi-off) > n {
			n = int(hi - off)
		}
	}
	return n, rows.Err()
}

// WriteAt writes p at off, splitting on the chunk grid. Each affected
// chunk is merged read-modify-write with whatever was stored there, so
// partially overlapping writes keep the untouched bytes. The inode
// size is extended to cover the write and mtime is updated.
func (fs *Filesystem) WriteAt(ctx context.Context, ino, off int64, p []byte) (int, error) {
	if off < 0 {
		return 0, ErrInvalid
	}
	if len(p) == 0 {
		return 0, nil
	}
	end := off + int64(len(p))

	for chunkOff := off - off%ChunkSize; chunkOff < end; chunkOff += ChunkSize {
		lo := max64(off, chunkOff)
		hi := min64(end, chunkOff+ChunkSize)

		var old []byte
		err := fs.db.QueryRowContext(ctx,
			"SELECT data FROM fs_data WHERE ino = ? AND offset = ?",
			ino, chunkOff).Scan(&old)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("reading chunk %d@%d: %w", ino, chunkOff, err)
		}

		size := hi - chunkOff
		if int64(len(old)) > size {
			size = int64(len(old))
		}
		chunk := make([]byte, size)
		copy(chunk, old)
		copy(chunk[lo-chunkOff:], p[lo-off:hi-off])

		if _, err := fs.db.ExecContext(ctx,
			"DELETE FROM fs_data WHERE ino = ? AND offset = ?", ino, chunkOff); err != nil {
			return 0, fmt.Errorf("replacing chunk %d@%d: %w", ino, chunkOff, err)
		}
		if _, err := fs.db.ExecContext(ctx,
			"INSERT INTO fs_data (ino, offset, size, data) VALUES (?, ?, ?, ?)",
			ino, chunkOff, len(chunk), chunk); err != nil {
			return 0, fmt.Errorf("inserting chunk %d@%d: %w", ino, chunkOff, err)
		}
	}

	_, err := fs.db.ExecContext(ctx,
		"UPDATE fs_inode SET size = MAX(size, ?), mtime = ? WHERE ino = ?",
		end, fs.now(), ino)
	if err != nil {
		return 0, fmt.Errorf("updating inode %d: %w", ino, err)
	}
	return len(p), nil
}

// Truncate discards all data of the inode and zeroes its size.
func (fs *Filesystem) Truncate(ctx context.Context, ino int64) error {
	if _, err := fs.db.ExecContext(ctx,
		"DELETE FROM fs_data WHERE ino = ?", ino); err != nil {
		return fmt.Errorf("truncating inode %d: %w", ino, err)
	}
	_, err := fs.db.ExecContext(ctx,
		"UPDATE fs_inode SET size = 0, mtime = ? WHERE ino = ?", fs.now(), ino)
	if err != nil {
		return fmt.Errorf("updating inode %d: %w", ino, err)
	}
	return nil
}

// ReadFile returns the whole contents of the regular file at path,
// following symlinks.
func (fs *Filesystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	a, err := fs.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if a.IsDir() {
		return nil, ErrIsDir
	}
	if !a.IsRegular() {
		return nil, ErrInvalid
	}

	p := make([]byte, a.Size)
	n, err := fs.ReadAt(ctx, a.Ino, 0, p)
	if err != nil {
		return nil, err
	}
	return p[:n], nil
}

// WriteFile replaces the contents of the file at path, creating it
// with default permissions when absent.
func (fs *Filesystem) WriteFile(ctx context.Context, path string, data []byte) error {
	var ino int64
	a, err := fs.Stat(ctx, path)
	switch {
	case err == nil:
		if !a.IsRegular() {
			return ErrInvalid
		}
		ino = a.Ino
		if err := fs.Truncate(ctx, ino); err != nil {
			return err
		}
	case errors.Is(err, ErrNotExist):
		if ino, err = fs.CreateFile(ctx, path, defaultFileMode); err != nil {
			return err
		}
	default:
		return err
	}

	_, err = fs.WriteAt(ctx, ino, 0, data)
	return err
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

// Readdir lists the children of the directory at path, sorted by
// name. The synthetic dot entries are not included; see ReadDirents.
func (fs *Filesystem) Readdir(ctx context.Context, path string) ([]DirEntry, error) {
	ino, err := fs.resolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	a, err := fs.StatIno(ctx, ino)
	if err != nil {
		return nil, err
	}
	if !a.IsDir() {
		return nil, ErrNotDir
	}
	return fs.childEntries(ctx, ino)
}

// ReadDirents returns the directory stream for ino: synthetic "." and
// ".." first, then the children sorted by name.
func (fs *Filesystem) ReadDirents(ctx context.Context, ino int64) ([]DirEntry, error) {
	a, err := fs.StatIno(ctx, ino)
	if err != nil {
		return nil, err
	}
	if !a.IsDir() {
		return nil, ErrNotDir
	}

	parent, err := fs.parentIno(ctx, ino)
	if err != nil {
		return nil, err
	}

	entries := []DirEntry{
		{Ino: ino, Name: ".", Mode: unix.S_IFDIR},
		{Ino: parent, Name: "..", Mode: unix.S_IFDIR},
	}
	children, err := fs.childEntries(ctx, ino)
	if err != nil {
		return nil, err
	}
	return append(entries, children...), nil
}

func (fs *Filesystem) childEntries(ctx context.Context, ino int64) ([]DirEntry, error) {
	rows, err := fs.db.QueryContext(ctx,
		`SELECT d.ino, d.name, i.mode
		 FROM fs_dentry d JOIN fs_inode i ON d.ino = i.ino
		 WHERE d.parent_ino = ?
		 ORDER BY d.name`, ino)
	if err != nil {
		return nil, fmt.Errorf("listing inode %d: %w", ino, err)
	}
	defer rows.Close()

	var entries []DirEntry
	for rows.Next() {
		var e DirEntry
		if err := rows.Scan(&e.Ino, &e.Name, &e.Mode); err != nil {
			return nil, fmt.Errorf("scanning dentry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// parentIno finds the directory containing ino. The root is its own
// parent.
func (fs *Filesystem) parentIno(ctx context.Context, ino int64) (int64, error) {
	if ino == RootIno {
		return RootIno, nil
	}
	var parent int64
	err := fs.db.QueryRowContext(ctx,
		"SELECT parent_ino FROM fs_dentry WHERE ino = ? LIMIT 1", ino).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		// Orphaned directory inode; report it as its own parent.
		return ino, nil
	}
	if err != nil {
		return 0, fmt.Errorf("finding parent of inode %d: %w", ino, err)
	}
	return parent, nil
}

////////////////////////////////////////////////////////////////////////
// Symlinks
////////////////////////////////////////////////////////////////////////

// Symlink creates a symbolic link at linkpath pointing at target.
func (fs *Filesystem) Symlink(ctx context.Context, target, linkpath string) error {
	ino, err := fs.createNode(ctx, linkpath, unix.S_IFLNK|0o777)
	if err != nil {
		return err
	}
	_, err = fs.db.ExecContext(ctx,
		"INSERT INTO fs_symlink (ino, target) VALUES (?, ?)", ino, target)
	if err != nil {
		return fmt.Errorf("recording symlink target for %q: %w", linkpath, err)
	}
	return nil
}

// Readlink returns the target of the symlink at path.
func (fs *Filesystem) Readlink(ctx context.Context, path string) (string, error) {
	a, err := fs.Lstat(ctx, path)
	if err != nil {
		return "", err
	}
	if !a.IsSymlink() {
		return "", ErrInvalid
	}
	return fs.readlinkIno(ctx, a.Ino)
}

func (fs *Filesystem) readlinkIno(ctx context.Context, ino int64) (string, error) {
	var target string
	err := fs.db.QueryRowContext(ctx,
		"SELECT target FROM fs_symlink WHERE ino = ?", ino).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotExist
	}
	if err != nil {
		return "", fmt.Errorf("reading symlink inode %d: %w", ino, err)
	}
	return target, nil
}

////////////////////////////////////////////////////////////////////////
// Removal
////////////////////////////////////////////////////////////////////////

// Remove unlinks the file or empty directory at path. When the last
// dentry referencing the inode disappears, its data chunks, symlink
// row, and inode row are reclaimed together.
func (fs *Filesystem) Remove(ctx context.Context, path string) error {
	comps := splitPath(path)
	if len(comps) == 0 {
		return fmt.Errorf("%w: cannot remove root", ErrInvalid)
	}
	name := comps[len(comps)-1]

	ino, err := fs.resolvePath(ctx, path)
	if err != nil {
		return err
	}
	if ino == RootIno {
		return fmt.Errorf("%w: cannot remove root", ErrInvalid)
	}

	var children int
	err = fs.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fs_dentry WHERE parent_ino = ?", ino).Scan(&children)
	if err != nil {
		return fmt.Errorf("checking children of inode %d: %w", ino, err)
	}
	if children > 0 {
		return ErrNotEmpty
	}

	parentIno, err := fs.resolvePath(ctx, parentPath(path))
	if err != nil {
		return err
	}

	// Delete the one dentry, not every link to the inode.
	_, err = fs.db.ExecContext(ctx,
		"DELETE FROM fs_dentry WHERE parent_ino = ? AND name = ?", parentIno, name)
	if err != nil {
		return fmt.Errorf("removing dentry %q: %w", path, err)
	}

	nlink, err := fs.linkCount(ctx, ino)
	if err != nil {
		return err
	}
	if nlink > 0 {
		return nil
	}

	// Last link gone; reclaim the inode and everything hanging off it.
	for _, q := range []string{
		"DELETE FROM fs_data WHERE ino = ?",
		"DELETE FROM fs_symlink WHERE ino = ?",
		"DELETE FROM fs_inode WHERE ino = ?",
	} {
		if _, err := fs.db.ExecContext(ctx, q, ino); err != nil {
			return fmt.Errorf("reclaiming inode %d: %w", ino, err)
		}
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
