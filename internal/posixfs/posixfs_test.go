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

package posixfs_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/googlecloudplatform/agentfs/internal/posixfs"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

type PosixFsTest struct {
	suite.Suite

	ctx   context.Context
	clock timeutil.SimulatedClock
	fs    *posixfs.Filesystem
}

func TestPosixFsSuite(t *testing.T) {
	suite.Run(t, new(PosixFsTest))
}

func (t *PosixFsTest) SetupTest() {
	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	fs, err := posixfs.New(t.ctx, filepath.Join(t.T().TempDir(), "fs.db"), &t.clock)
	require.NoError(t.T(), err)
	t.fs = fs
}

func (t *PosixFsTest) TearDownTest() {
	t.fs.Close()
}

////////////////////////////////////////////////////////////////////////
// Root
////////////////////////////////////////////////////////////////////////

func (t *PosixFsTest) TestRootExists() {
	a, err := t.fs.Stat(t.ctx, "/")
	t.Require().NoError(err)

	t.Equal(int64(posixfs.RootIno), a.Ino)
	t.True(a.IsDir())
	t.EqualValues(unix.S_IFDIR|0o755, a.Mode)
}

func (t *PosixFsTest) TestReopeningKeepsRoot() {
	// A second open of the same store must not create a second root.
	path := filepath.Join(t.T().TempDir(), "again.db")
	fs1, err := posixfs.New(t.ctx, path, &t.clock)
	t.Require().NoError(err)
	fs1.Close()

	fs2, err := posixfs.New(t.ctx, path, &t.clock)
	t.Require().NoError(err)
	defer fs2.Close()

	a, err := fs2.Stat(t.ctx, "/")
	t.Require().NoError(err)
	t.Equal(int64(posixfs.RootIno), a.Ino)
}

////////////////////////////////////////////////////////////////////////
// Create / stat / remove
////////////////////////////////////////////////////////////////////////

func (t *PosixFsTest) TestCreateForcesRegularTypeBits() {
	ino, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)
	t.Greater(ino, int64(posixfs.RootIno))

	a, err := t.fs.Stat(t.ctx, "/f")
	t.Require().NoError(err)
	t.True(a.IsRegular())
	t.EqualValues(unix.S_IFREG|0o644, a.Mode)
	t.EqualValues(1, a.Nlink)
	t.EqualValues(0, a.Size)
}

func (t *PosixFsTest) TestCreateDuplicateFails() {
	_, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)

	_, err = t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.ErrorIs(err, posixfs.ErrExist)
}

func (t *PosixFsTest) TestCreateInMissingParent() {
	_, err := t.fs.CreateFile(t.ctx, "/no/such/dir/f", 0o644)
	t.ErrorIs(err, posixfs.ErrNotExist)
}

func (t *PosixFsTest) TestCreateUnderFileFails() {
	_, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)

	_, err = t.fs.CreateFile(t.ctx, "/f/child", 0o644)
	t.ErrorIs(err, posixfs.ErrNotDir)
}

func (t *PosixFsTest) TestCreateStatRemoveIdempotence() {
	_, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)

	_, err = t.fs.Stat(t.ctx, "/f")
	t.Require().NoError(err)

	t.Require().NoError(t.fs.Remove(t.ctx, "/f"))

	_, err = t.fs.Stat(t.ctx, "/f")
	t.ErrorIs(err, posixfs.ErrNotExist)

	// A second remove fails.
	t.ErrorIs(t.fs.Remove(t.ctx, "/f"), posixfs.ErrNotExist)
}

func (t *PosixFsTest) TestRemoveRootForbidden() {
	t.Error(t.fs.Remove(t.ctx, "/"))
}

func (t *PosixFsTest) TestRemoveNonEmptyDirForbidden() {
	t.Require().NoError(t.fs.Mkdir(t.ctx, "/d", 0o755))
	_, err := t.fs.CreateFile(t.ctx, "/d/f", 0o644)
	t.Require().NoError(err)

	t.ErrorIs(t.fs.Remove(t.ctx, "/d"), posixfs.ErrNotEmpty)

	// Emptied, it goes away.
	t.Require().NoError(t.fs.Remove(t.ctx, "/d/f"))
	t.Require().NoError(t.fs.Remove(t.ctx, "/d"))
}

func (t *PosixFsTest) TestRemoveReclaimsData() {
	ino, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)
	_, err = t.fs.WriteAt(t.ctx, ino, 0, []byte("payload"))
	t.Require().NoError(err)

	t.Require().NoError(t.fs.Remove(t.ctx, "/f"))

	_, err = t.fs.StatIno(t.ctx, ino)
	t.ErrorIs(err, posixfs.ErrNotExist)
}

////////////////////////////////////////////////////////////////////////
// Data
////////////////////////////////////////////////////////////////////////

func (t *PosixFsTest) TestWriteThenReadRoundTrip() {
	ino, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)

	payload := []byte("hello, chunked world")
	n, err := t.fs.WriteAt(t.ctx, ino, 0, payload)
	t.Require().NoError(err)
	t.Equal(len(payload), n)

	buf := make([]byte, len(payload))
	n, err = t.fs.ReadAt(t.ctx, ino, 0, buf)
	t.Require().NoError(err)
	t.Equal(len(payload), n)
	t.Equal(payload, buf)

	a, err := t.fs.Stat(t.ctx, "/f")
	t.Require().NoError(err)
	t.EqualValues(len(payload), a.Size)
}

func (t *PosixFsTest) TestReadPastEndIsEOF() {
	ino, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)
	_, err = t.fs.WriteAt(t.ctx, ino, 0, []byte("abcd"))
	t.Require().NoError(err)

	buf := make([]byte, 8)
	n, err := t.fs.ReadAt(t.ctx, ino, 4, buf)
	t.Require().NoError(err)
	t.Zero(n)
}

func (t *PosixFsTest) TestShortReadAtTail() {
	ino, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)
	_, err = t.fs.WriteAt(t.ctx, ino, 0, []byte("abcd"))
	t.Require().NoError(err)

	buf := make([]byte, 8)
	n, err := t.fs.ReadAt(t.ctx, ino, 0, buf)
	t.Require().NoError(err)
	t.Equal(4, n)
	t.Equal([]byte("abcd"), buf[:n])
}

func (t *PosixFsTest) TestMultiChunkWrite() {
	ino, err := t.fs.CreateFile(t.ctx, "/big", 0o644)
	t.Require().NoError(err)

	payload := bytes.Repeat([]byte{0xA5}, posixfs.ChunkSize+posixfs.ChunkSize/2)
	_, err = t.fs.WriteAt(t.ctx, ino, 0, payload)
	t.Require().NoError(err)

	buf := make([]byte, len(payload))
	n, err := t.fs.ReadAt(t.ctx, ino, 0, buf)
	t.Require().NoError(err)
	t.Equal(len(payload), n)
	t.Equal(payload, buf)

	// A read starting inside the second chunk works too.
	tail := make([]byte, 16)
	n, err = t.fs.ReadAt(t.ctx, ino, posixfs.ChunkSize+10, tail)
	t.Require().NoError(err)
	t.Equal(16, n)
	t.Equal(payload[posixfs.ChunkSize+10:posixfs.ChunkSize+26], tail)
}

func (t *PosixFsTest) TestOverlappingWriteMergesChunk() {
	ino, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)

	_, err = t.fs.WriteAt(t.ctx, ino, 0, []byte("abcdef"))
	t.Require().NoError(err)
	_, err = t.fs.WriteAt(t.ctx, ino, 2, []byte("XX"))
	t.Require().NoError(err)

	buf := make([]byte, 6)
	n, err := t.fs.ReadAt(t.ctx, ino, 0, buf)
	t.Require().NoError(err)
	t.Equal(6, n)
	t.Equal([]byte("abXXef"), buf)

	a, err := t.fs.Stat(t.ctx, "/f")
	t.Require().NoError(err)
	t.EqualValues(6, a.Size)
}

func (t *PosixFsTest) TestAppendExtendsSize() {
	ino, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)

	_, err = t.fs.WriteAt(t.ctx, ino, 0, []byte("abcd"))
	t.Require().NoError(err)
	_, err = t.fs.WriteAt(t.ctx, ino, 4, []byte("efgh"))
	t.Require().NoError(err)

	data, err := t.fs.ReadFile(t.ctx, "/f")
	t.Require().NoError(err)
	t.Equal([]byte("abcdefgh"), data)
}

func (t *PosixFsTest) TestWriteUpdatesMtime() {
	ino, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)

	before, err := t.fs.Stat(t.ctx, "/f")
	t.Require().NoError(err)

	t.clock.AdvanceTime(3 * time.Second)
	_, err = t.fs.WriteAt(t.ctx, ino, 0, []byte("x"))
	t.Require().NoError(err)

	after, err := t.fs.Stat(t.ctx, "/f")
	t.Require().NoError(err)
	t.Equal(before.Mtime+3, after.Mtime)
}

func (t *PosixFsTest) TestTruncate() {
	ino, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)
	_, err = t.fs.WriteAt(t.ctx, ino, 0, []byte("abcd"))
	t.Require().NoError(err)

	t.Require().NoError(t.fs.Truncate(t.ctx, ino))

	a, err := t.fs.Stat(t.ctx, "/f")
	t.Require().NoError(err)
	t.Zero(a.Size)

	buf := make([]byte, 4)
	n, err := t.fs.ReadAt(t.ctx, ino, 0, buf)
	t.Require().NoError(err)
	t.Zero(n)
}

func (t *PosixFsTest) TestWriteFileReplacesContents() {
	t.Require().NoError(t.fs.WriteFile(t.ctx, "/f", []byte("first version")))
	t.Require().NoError(t.fs.WriteFile(t.ctx, "/f", []byte("second")))

	data, err := t.fs.ReadFile(t.ctx, "/f")
	t.Require().NoError(err)
	t.Equal([]byte("second"), data)
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

func (t *PosixFsTest) TestReaddirSortedByName() {
	t.Require().NoError(t.fs.Mkdir(t.ctx, "/d", 0o755))
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := t.fs.CreateFile(t.ctx, "/d/"+name, 0o644)
		t.Require().NoError(err)
	}

	entries, err := t.fs.Readdir(t.ctx, "/d")
	t.Require().NoError(err)
	t.Require().Len(entries, 3)
	t.Equal("alpha", entries[0].Name)
	t.Equal("mid", entries[1].Name)
	t.Equal("zeta", entries[2].Name)
}

func (t *PosixFsTest) TestReaddirOnFileFails() {
	_, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)

	_, err = t.fs.Readdir(t.ctx, "/f")
	t.ErrorIs(err, posixfs.ErrNotDir)
}

func (t *PosixFsTest) TestReadDirentsSynthesizesDotEntries() {
	t.Require().NoError(t.fs.Mkdir(t.ctx, "/d", 0o755))
	a, err := t.fs.Stat(t.ctx, "/d")
	t.Require().NoError(err)

	_, err = t.fs.CreateFile(t.ctx, "/d/x", 0o644)
	t.Require().NoError(err)

	entries, err := t.fs.ReadDirents(t.ctx, a.Ino)
	t.Require().NoError(err)
	t.Require().Len(entries, 3)

	t.Equal(".", entries[0].Name)
	t.Equal(a.Ino, entries[0].Ino)
	t.Equal("..", entries[1].Name)
	t.Equal(int64(posixfs.RootIno), entries[1].Ino)
	t.Equal("x", entries[2].Name)
}

func (t *PosixFsTest) TestReadDirentsRootParentIsItself() {
	entries, err := t.fs.ReadDirents(t.ctx, posixfs.RootIno)
	t.Require().NoError(err)
	t.Require().GreaterOrEqual(len(entries), 2)
	t.Equal(int64(posixfs.RootIno), entries[0].Ino)
	t.Equal(int64(posixfs.RootIno), entries[1].Ino)
}

////////////////////////////////////////////////////////////////////////
// Symlinks
////////////////////////////////////////////////////////////////////////

func (t *PosixFsTest) TestSymlinkRoundTrip() {
	_, err := t.fs.CreateFile(t.ctx, "/target", 0o644)
	t.Require().NoError(err)
	t.Require().NoError(t.fs.Symlink(t.ctx, "/target", "/link"))

	got, err := t.fs.Readlink(t.ctx, "/link")
	t.Require().NoError(err)
	t.Equal("/target", got)

	// Lstat sees the link, Stat follows it.
	la, err := t.fs.Lstat(t.ctx, "/link")
	t.Require().NoError(err)
	t.True(la.IsSymlink())
	t.EqualValues(unix.S_IFLNK|0o777, la.Mode)

	sa, err := t.fs.Stat(t.ctx, "/link")
	t.Require().NoError(err)
	t.True(sa.IsRegular())

	ta, err := t.fs.Stat(t.ctx, "/target")
	t.Require().NoError(err)
	t.Equal(ta.Ino, sa.Ino)
}

func (t *PosixFsTest) TestRelativeSymlinkTarget() {
	t.Require().NoError(t.fs.Mkdir(t.ctx, "/d", 0o755))
	_, err := t.fs.CreateFile(t.ctx, "/d/target", 0o644)
	t.Require().NoError(err)
	t.Require().NoError(t.fs.Symlink(t.ctx, "target", "/d/link"))

	a, err := t.fs.Stat(t.ctx, "/d/link")
	t.Require().NoError(err)
	t.True(a.IsRegular())
}

func (t *PosixFsTest) TestReadlinkOnNonSymlinkFails() {
	_, err := t.fs.CreateFile(t.ctx, "/f", 0o644)
	t.Require().NoError(err)

	_, err = t.fs.Readlink(t.ctx, "/f")
	t.ErrorIs(err, posixfs.ErrInvalid)
}

func (t *PosixFsTest) TestSymlinkCycleHitsFollowLimit() {
	t.Require().NoError(t.fs.Symlink(t.ctx, "/b", "/a"))
	t.Require().NoError(t.fs.Symlink(t.ctx, "/a", "/b"))

	_, err := t.fs.Stat(t.ctx, "/a")
	t.ErrorIs(err, posixfs.ErrLoop)
}

func (t *PosixFsTest) TestSymlinkRemovalReclaimsTargetRow() {
	t.Require().NoError(t.fs.Symlink(t.ctx, "/elsewhere", "/l"))
	a, err := t.fs.Lstat(t.ctx, "/l")
	t.Require().NoError(err)

	t.Require().NoError(t.fs.Remove(t.ctx, "/l"))

	_, err = t.fs.StatIno(t.ctx, a.Ino)
	t.ErrorIs(err, posixfs.ErrNotExist)
}
