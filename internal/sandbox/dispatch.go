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

package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/googlecloudplatform/agentfs/internal/tracer"
	"github.com/googlecloudplatform/agentfs/internal/vfs"
	"golang.org/x/sys/unix"
)

// dispatch routes one intercepted syscall to its handler. Unknown
// numbers pass through to the kernel unchanged.
func (s *Sandbox) dispatch(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	switch sc.Num {
	// File I/O.
	case unix.SYS_OPEN:
		return s.handleOpen(ctx, g, sc, ft)
	case unix.SYS_OPENAT:
		return s.handleOpenat(ctx, g, sc, ft)
	case unix.SYS_READ:
		return s.handleRead(ctx, g, sc, ft)
	case unix.SYS_WRITE:
		return s.handleWrite(ctx, g, sc, ft)
	case unix.SYS_CLOSE:
		return s.handleClose(ctx, g, sc, ft)
	case unix.SYS_LSEEK:
		return s.handleLseek(ctx, g, sc, ft)
	case unix.SYS_PREAD64:
		return s.translateFdAndInject(ctx, g, sc, ft)
	case unix.SYS_PWRITE64:
		return s.translateFdAndInject(ctx, g, sc, ft)
	case unix.SYS_READV:
		return s.translateFdAndInject(ctx, g, sc, ft)
	case unix.SYS_WRITEV:
		return s.translateFdAndInject(ctx, g, sc, ft)
	case unix.SYS_FSTAT:
		return s.handleFstat(ctx, g, sc, ft)
	case unix.SYS_GETDENTS64:
		return s.handleGetdents64(ctx, g, sc, ft)
	case unix.SYS_FSYNC, unix.SYS_FDATASYNC:
		return s.handleFsync(ctx, g, sc, ft)

	// FD management.
	case unix.SYS_DUP:
		return s.handleDup(ctx, g, sc, ft)
	case unix.SYS_DUP2:
		return s.handleDup2(ctx, g, sc, ft)
	case unix.SYS_DUP3:
		return s.handleDup3(ctx, g, sc, ft)
	case unix.SYS_FCNTL:
		return s.handleFcntl(ctx, g, sc, ft)
	case unix.SYS_IOCTL:
		return s.handleIoctl(ctx, g, sc, ft)

	// FD creation outside open.
	case unix.SYS_PIPE2:
		return s.handlePipe2(ctx, g, sc, ft)
	case unix.SYS_SOCKET:
		return s.handleSocket(ctx, g, sc, ft)
	case unix.SYS_SENDTO, unix.SYS_CONNECT, unix.SYS_GETPEERNAME:
		return s.translateFdAndInject(ctx, g, sc, ft)

	// Multiplexing.
	case unix.SYS_POLL:
		return s.handlePoll(ctx, g, sc, ft)
	case unix.SYS_PSELECT6:
		return s.handlePselect6(ctx, g, sc, ft)

	// Memory mapping.
	case unix.SYS_MMAP:
		return s.handleMmap(ctx, g, sc, ft)

	// Stat family and path-only calls.
	case unix.SYS_STAT:
		return s.handleStat(ctx, g, sc, ft)
	case unix.SYS_LSTAT:
		return s.translatePathAndRewrite(ctx, g, sc, 0)
	case unix.SYS_NEWFSTATAT:
		return s.handleNewfstatat(ctx, g, sc, ft)
	case unix.SYS_STATX:
		return s.handleStatx(ctx, g, sc, ft)
	case unix.SYS_STATFS:
		return s.translatePathAndRewrite(ctx, g, sc, 0)
	case unix.SYS_ACCESS:
		return s.translatePathAndRewrite(ctx, g, sc, 0)
	case unix.SYS_FACCESSAT, unix.SYS_FACCESSAT2:
		return s.translateDirfdPathAndRewrite(ctx, g, sc, ft)
	case unix.SYS_READLINK:
		return s.translatePathAndRewrite(ctx, g, sc, 0)
	case unix.SYS_READLINKAT:
		return s.translateDirfdPathAndRewrite(ctx, g, sc, ft)
	case unix.SYS_UNLINK:
		return s.translatePathAndRewrite(ctx, g, sc, 0)
	case unix.SYS_UNLINKAT:
		return s.translateDirfdPathAndRewrite(ctx, g, sc, ft)
	case unix.SYS_RENAME:
		return s.handleRename(ctx, g, sc)
	case unix.SYS_LLISTXATTR, unix.SYS_LGETXATTR:
		return s.translatePathAndRewrite(ctx, g, sc, 0)

	// Process creation.
	case unix.SYS_FORK:
		return s.handleFork(ctx, g, sc, ft)
	case unix.SYS_VFORK:
		return s.handleFork(ctx, g, sc, ft)
	case unix.SYS_CLONE:
		return s.handleClone(ctx, g, sc, ft)
	case unix.SYS_CLONE3:
		return s.handleClone3(ctx, g, sc, ft)
	}

	return tracer.Passthrough(), nil
}

// errnoResult maps a VFS-layer error to the negated errno delivered to
// the guest: ErrNotFound becomes ENOENT, ErrPermissionDenied EACCES,
// and anything else EIO.
func errnoResult(err error) int64 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, vfs.ErrNotFound):
		return -int64(unix.ENOENT)
	case errors.Is(err, vfs.ErrPermissionDenied):
		return -int64(unix.EACCES)
	default:
		return -int64(unix.EIO)
	}
}

////////////////////////////////////////////////////////////////////////
// Strace formatting
////////////////////////////////////////////////////////////////////////

var syscallNames = map[uint64]string{
	unix.SYS_OPEN:        "open",
	unix.SYS_OPENAT:      "openat",
	unix.SYS_READ:        "read",
	unix.SYS_WRITE:       "write",
	unix.SYS_CLOSE:       "close",
	unix.SYS_LSEEK:       "lseek",
	unix.SYS_PREAD64:     "pread64",
	unix.SYS_PWRITE64:    "pwrite64",
	unix.SYS_READV:       "readv",
	unix.SYS_WRITEV:      "writev",
	unix.SYS_FSTAT:       "fstat",
	unix.SYS_GETDENTS64:  "getdents64",
	unix.SYS_FSYNC:       "fsync",
	unix.SYS_FDATASYNC:   "fdatasync",
	unix.SYS_DUP:         "dup",
	unix.SYS_DUP2:        "dup2",
	unix.SYS_DUP3:        "dup3",
	unix.SYS_FCNTL:       "fcntl",
	unix.SYS_IOCTL:       "ioctl",
	unix.SYS_PIPE2:       "pipe2",
	unix.SYS_SOCKET:      "socket",
	unix.SYS_SENDTO:      "sendto",
	unix.SYS_CONNECT:     "connect",
	unix.SYS_GETPEERNAME: "getpeername",
	unix.SYS_POLL:        "poll",
	unix.SYS_PSELECT6:    "pselect6",
	unix.SYS_MMAP:        "mmap",
	unix.SYS_STAT:        "stat",
	unix.SYS_LSTAT:       "lstat",
	unix.SYS_NEWFSTATAT:  "newfstatat",
	unix.SYS_STATX:       "statx",
	unix.SYS_STATFS:      "statfs",
	unix.SYS_ACCESS:      "access",
	unix.SYS_FACCESSAT:   "faccessat",
	unix.SYS_FACCESSAT2:  "faccessat2",
	unix.SYS_READLINK:    "readlink",
	unix.SYS_READLINKAT:  "readlinkat",
	unix.SYS_UNLINK:      "unlink",
	unix.SYS_UNLINKAT:    "unlinkat",
	unix.SYS_RENAME:      "rename",
	unix.SYS_LLISTXATTR:  "llistxattr",
	unix.SYS_LGETXATTR:   "lgetxattr",
	unix.SYS_FORK:        "fork",
	unix.SYS_VFORK:       "vfork",
	unix.SYS_CLONE:       "clone",
	unix.SYS_CLONE3:      "clone3",
}

func syscallName(num uint64) string {
	if name, ok := syscallNames[num]; ok {
		return name
	}
	return fmt.Sprintf("syscall_%d", num)
}

func formatSyscall(sc tracer.Syscall) string {
	return fmt.Sprintf("%s(%#x, %#x, %#x, %#x, %#x, %#x)", syscallName(sc.Num),
		sc.Args[0], sc.Args[1], sc.Args[2], sc.Args[3], sc.Args[4], sc.Args[5])
}
