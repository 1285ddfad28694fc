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
	"encoding/binary"

	"github.com/googlecloudplatform/agentfs/internal/tracer"
	"github.com/googlecloudplatform/agentfs/internal/vfs"
	"golang.org/x/sys/unix"
)

////////////////////////////////////////////////////////////////////////
// open / openat
////////////////////////////////////////////////////////////////////////

func (s *Sandbox) handleOpen(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	// open(path, flags, mode) is openat(AT_FDCWD, …) without the dirfd.
	return s.openCommon(ctx, g, sc, ft, unix.AT_FDCWD, -1, 0)
}

func (s *Sandbox) handleOpenat(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	return s.openCommon(ctx, g, sc, ft, int(int32(sc.Args[0])), 0, 1)
}

// openCommon implements both open flavors. dirfdArg is -1 when the
// call has no dirfd; pathArg indexes the path pointer, with flags and
// mode following it.
func (s *Sandbox) openCommon(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable, dirfd, dirfdArg, pathArg int) (tracer.Disposition, error) {
	kdirfd := kernelDirfd(ft, dirfd)
	flags := int(int32(sc.Args[pathArg+1]))
	mode := uint32(sc.Args[pathArg+2])

	path, err := g.Memory().ReadCString(sc.Args[pathArg])
	if err != nil {
		return tracer.Passthrough(), err
	}

	inject := func(pathAddr uint64) (int64, error) {
		n := sc
		if dirfdArg >= 0 {
			n.Args[dirfdArg] = uint64(uint32(int32(kdirfd)))
		}
		n.Args[pathArg] = pathAddr
		return g.Inject(ctx, n)
	}

	v, _, found := s.mounts.Resolve(path)
	if found && v.IsVirtual() {
		// Serve the open entirely from the virtual backing store.
		h, err := v.Open(ctx, path, flags, mode)
		if err != nil {
			return tracer.Handled(errnoResult(err)), nil
		}
		vfd := ft.Allocate(vfs.NewVirtualEntry(h, flags))
		return tracer.Handled(int64(vfd)), nil
	}

	pathAddr := sc.Args[pathArg]
	if found {
		// Passthrough mount: rewrite the path onto the guest stack.
		newAddr, ok, err := s.translatePath(ctx, g, pathAddr)
		if err != nil {
			return tracer.Passthrough(), err
		}
		if ok {
			pathAddr = newAddr
		}
	}

	res, err := inject(pathAddr)
	if err != nil {
		return tracer.Passthrough(), err
	}
	if res < 0 {
		return tracer.Handled(res), nil
	}

	// Every kernel FD the guest obtains gets a virtual FD in front of
	// it, whether or not a mount was involved.
	vfd := ft.Allocate(vfs.NewPassthroughEntry(int(res), flags))
	return tracer.Handled(int64(vfd)), nil
}

////////////////////////////////////////////////////////////////////////
// read / write
////////////////////////////////////////////////////////////////////////

func (s *Sandbox) handleRead(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	entry, ok := ft.Get(int(int32(sc.Args[0])))
	if !ok {
		return tracer.Passthrough(), nil
	}

	if kfd, pass := entry.KernelFD(); pass {
		n := sc
		n.Args[0] = uint64(kfd)
		res, err := g.Inject(ctx, n)
		if err != nil {
			return tracer.Passthrough(), err
		}
		return tracer.Handled(res), nil
	}

	bufAddr := sc.Args[1]
	if bufAddr == 0 {
		return tracer.Handled(-int64(unix.EFAULT)), nil
	}

	buf := make([]byte, int(sc.Args[2]))
	n, err := entry.Handle().Read(ctx, buf)
	if err != nil {
		return tracer.Handled(errnoResult(err)), nil
	}
	if n > 0 {
		if err := g.Memory().WriteAt(buf[:n], bufAddr); err != nil {
			return tracer.Passthrough(), err
		}
	}
	return tracer.Handled(int64(n)), nil
}

func (s *Sandbox) handleWrite(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	entry, ok := ft.Get(int(int32(sc.Args[0])))
	if !ok {
		return tracer.Passthrough(), nil
	}

	if kfd, pass := entry.KernelFD(); pass {
		n := sc
		n.Args[0] = uint64(kfd)
		res, err := g.Inject(ctx, n)
		if err != nil {
			return tracer.Passthrough(), err
		}
		return tracer.Handled(res), nil
	}

	bufAddr := sc.Args[1]
	if bufAddr == 0 {
		return tracer.Handled(-int64(unix.EFAULT)), nil
	}

	buf := make([]byte, int(sc.Args[2]))
	if err := g.Memory().ReadAt(buf, bufAddr); err != nil {
		return tracer.Passthrough(), err
	}

	n, err := entry.Handle().Write(ctx, buf)
	if err != nil {
		return tracer.Handled(errnoResult(err)), nil
	}
	return tracer.Handled(int64(n)), nil
}

////////////////////////////////////////////////////////////////////////
// close
////////////////////////////////////////////////////////////////////////

func (s *Sandbox) handleClose(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	entry, ok := ft.Deallocate(int(int32(sc.Args[0])))
	if !ok {
		return tracer.Passthrough(), nil
	}

	if kfd, pass := entry.KernelFD(); pass {
		n := sc
		n.Args[0] = uint64(kfd)
		res, err := g.Inject(ctx, n)
		if err != nil {
			return tracer.Passthrough(), err
		}
		return tracer.Handled(res), nil
	}

	// Virtual close always succeeds from the guest's point of view.
	_ = entry.Close(ctx)
	return tracer.Handled(0), nil
}

////////////////////////////////////////////////////////////////////////
// lseek and FD-translating injections
////////////////////////////////////////////////////////////////////////

func (s *Sandbox) handleLseek(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	entry, ok := ft.Get(int(int32(sc.Args[0])))
	if !ok {
		return tracer.Passthrough(), nil
	}

	if kfd, pass := entry.KernelFD(); pass {
		n := sc
		n.Args[0] = uint64(kfd)
		res, err := g.Inject(ctx, n)
		if err != nil {
			return tracer.Passthrough(), err
		}
		return tracer.Handled(res), nil
	}

	off, err := entry.Handle().Seek(int64(sc.Args[1]), int(int32(sc.Args[2])))
	if err != nil {
		return tracer.Handled(errnoResult(err)), nil
	}
	return tracer.Handled(off), nil
}

// translateFdAndInject serves calls whose only rewrite is the FD in
// argument zero: pread64, pwrite64, readv, writev, sendto, connect,
// getpeername. Virtual FDs have no kernel FD and fall through.
func (s *Sandbox) translateFdAndInject(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	kfd, ok := ft.Translate(int(int32(sc.Args[0])))
	if !ok {
		return tracer.Passthrough(), nil
	}

	n := sc
	n.Args[0] = uint64(kfd)
	res, err := g.Inject(ctx, n)
	if err != nil {
		return tracer.Passthrough(), err
	}
	return tracer.Handled(res), nil
}

////////////////////////////////////////////////////////////////////////
// fstat / fsync
////////////////////////////////////////////////////////////////////////

func (s *Sandbox) handleFstat(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	entry, ok := ft.Get(int(int32(sc.Args[0])))
	if !ok {
		return tracer.Passthrough(), nil
	}

	if kfd, pass := entry.KernelFD(); pass {
		n := sc
		n.Args[0] = uint64(kfd)
		res, err := g.Inject(ctx, n)
		if err != nil {
			return tracer.Passthrough(), err
		}
		return tracer.Handled(res), nil
	}

	st, err := entry.Handle().Fstat(ctx)
	if err != nil {
		return tracer.Handled(errnoResult(err)), nil
	}
	if err := writeStat(g, sc.Args[1], st); err != nil {
		return tracer.Passthrough(), err
	}
	return tracer.Handled(0), nil
}

func (s *Sandbox) handleFsync(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	entry, ok := ft.Get(int(int32(sc.Args[0])))
	if !ok {
		return tracer.Passthrough(), nil
	}

	if kfd, pass := entry.KernelFD(); pass {
		n := sc
		n.Args[0] = uint64(kfd)
		res, err := g.Inject(ctx, n)
		if err != nil {
			return tracer.Passthrough(), err
		}
		return tracer.Handled(res), nil
	}

	if err := entry.Handle().Fsync(ctx); err != nil {
		return tracer.Handled(errnoResult(err)), nil
	}
	return tracer.Handled(0), nil
}

////////////////////////////////////////////////////////////////////////
// dup family
////////////////////////////////////////////////////////////////////////

func (s *Sandbox) handleDup(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	oldVfd := int(int32(sc.Args[0]))
	entry, ok := ft.Get(oldVfd)
	if !ok {
		return tracer.Passthrough(), nil
	}

	if kfd, pass := entry.KernelFD(); pass {
		res, err := g.Inject(ctx, tracer.Syscall{Num: unix.SYS_DUP, Args: [6]uint64{uint64(kfd)}})
		if err != nil {
			return tracer.Passthrough(), err
		}
		if res < 0 {
			return tracer.Handled(res), nil
		}
		vfd := ft.Allocate(vfs.NewPassthroughEntry(int(res), entry.Flags()))
		return tracer.Handled(int64(vfd)), nil
	}

	vfd, _ := ft.Duplicate(oldVfd)
	return tracer.Handled(int64(vfd)), nil
}

func (s *Sandbox) handleDup2(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	oldVfd := int(int32(sc.Args[0]))
	newVfd := int(int32(sc.Args[1]))

	if oldVfd == newVfd {
		// dup2 of an FD onto itself succeeds without side effects.
		if _, ok := ft.Get(oldVfd); ok {
			return tracer.Handled(int64(newVfd)), nil
		}
		return tracer.Passthrough(), nil
	}
	return s.dupTo(ctx, g, ft, oldVfd, newVfd, 0)
}

func (s *Sandbox) handleDup3(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	oldVfd := int(int32(sc.Args[0]))
	newVfd := int(int32(sc.Args[1]))
	flags := int(int32(sc.Args[2]))

	if oldVfd == newVfd {
		return tracer.Handled(-int64(unix.EINVAL)), nil
	}
	return s.dupTo(ctx, g, ft, oldVfd, newVfd, flags)
}

// dupTo implements dup2/dup3: duplicate the kernel FD to a fresh slot
// first, install it at the target, then close whatever the target held.
// Duplicating before closing avoids losing the FD in the old==new call
// forms.
func (s *Sandbox) dupTo(ctx context.Context, g tracer.Guest, ft *vfs.FdTable, oldVfd, newVfd, fdFlags int) (tracer.Disposition, error) {
	oldEntry, ok := ft.Get(oldVfd)
	if !ok {
		return tracer.Passthrough(), nil
	}

	var displaced vfs.FdEntry
	var existed bool

	if kfd, pass := oldEntry.KernelFD(); pass {
		res, err := g.Inject(ctx, tracer.Syscall{Num: unix.SYS_DUP, Args: [6]uint64{uint64(kfd)}})
		if err != nil {
			return tracer.Passthrough(), err
		}
		if res < 0 {
			return tracer.Handled(res), nil
		}
		displaced, existed = ft.AllocateAt(newVfd, vfs.NewPassthroughEntry(int(res), fdFlags))
	} else {
		displaced, existed, _ = ft.DuplicateAt(oldVfd, newVfd, fdFlags)
	}

	if existed {
		if dkfd, pass := displaced.KernelFD(); pass {
			if _, err := g.Inject(ctx, tracer.Syscall{Num: unix.SYS_CLOSE, Args: [6]uint64{uint64(dkfd)}}); err != nil {
				return tracer.Passthrough(), err
			}
		} else {
			_ = displaced.Close(ctx)
		}
	}
	return tracer.Handled(int64(newVfd)), nil
}

////////////////////////////////////////////////////////////////////////
// fcntl / ioctl
////////////////////////////////////////////////////////////////////////

func (s *Sandbox) handleFcntl(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	kfd, ok := ft.Translate(int(int32(sc.Args[0])))
	if !ok {
		return tracer.Passthrough(), nil
	}
	cmd := int(int32(sc.Args[1]))

	switch cmd {
	case unix.F_DUPFD, unix.F_DUPFD_CLOEXEC:
		// Let the kernel pick any FD; the minimum applies to the
		// virtual number we hand out, not the kernel's.
		n := sc
		n.Args[0] = uint64(kfd)
		n.Args[2] = 0
		res, err := g.Inject(ctx, n)
		if err != nil {
			return tracer.Passthrough(), err
		}
		if res < 0 {
			return tracer.Handled(res), nil
		}

		flags := 0
		if cmd == unix.F_DUPFD_CLOEXEC {
			flags = unix.O_CLOEXEC
		}
		minVfd := int(int32(sc.Args[2]))
		vfd := ft.AllocateMin(minVfd, vfs.NewPassthroughEntry(int(res), flags))
		return tracer.Handled(int64(vfd)), nil

	default:
		n := sc
		n.Args[0] = uint64(kfd)
		res, err := g.Inject(ctx, n)
		if err != nil {
			return tracer.Passthrough(), err
		}
		return tracer.Handled(res), nil
	}
}

func (s *Sandbox) handleIoctl(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	vfd := int(int32(sc.Args[0]))
	kfd, ok := ft.Translate(vfd)
	if !ok {
		return tracer.Passthrough(), nil
	}
	// Identical numbers (the stdio case) need no rewriting.
	if kfd == vfd {
		return tracer.Passthrough(), nil
	}

	n := sc
	n.Args[0] = uint64(kfd)
	res, err := g.Inject(ctx, n)
	if err != nil {
		return tracer.Passthrough(), err
	}
	return tracer.Handled(res), nil
}

////////////////////////////////////////////////////////////////////////
// pipe2 / socket
////////////////////////////////////////////////////////////////////////

func (s *Sandbox) handlePipe2(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	res, err := g.Inject(ctx, sc)
	if err != nil {
		return tracer.Passthrough(), err
	}
	if res != 0 {
		return tracer.Handled(res), nil
	}

	pipeAddr := sc.Args[0]
	flags := int(int32(sc.Args[1]))

	var raw [8]byte
	if err := g.Memory().ReadAt(raw[:], pipeAddr); err != nil {
		return tracer.Passthrough(), err
	}
	readKfd := int(int32(binary.NativeEndian.Uint32(raw[0:4])))
	writeKfd := int(int32(binary.NativeEndian.Uint32(raw[4:8])))

	readVfd := ft.Allocate(vfs.NewPassthroughEntry(readKfd, flags))
	writeVfd := ft.Allocate(vfs.NewPassthroughEntry(writeKfd, flags))

	binary.NativeEndian.PutUint32(raw[0:4], uint32(int32(readVfd)))
	binary.NativeEndian.PutUint32(raw[4:8], uint32(int32(writeVfd)))
	if err := g.Memory().WriteAt(raw[:], pipeAddr); err != nil {
		return tracer.Passthrough(), err
	}
	return tracer.Handled(0), nil
}

func (s *Sandbox) handleSocket(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	res, err := g.Inject(ctx, sc)
	if err != nil {
		return tracer.Passthrough(), err
	}
	if res < 0 {
		return tracer.Handled(res), nil
	}
	vfd := ft.Allocate(vfs.NewPassthroughEntry(int(res), 0))
	return tracer.Handled(int64(vfd)), nil
}

////////////////////////////////////////////////////////////////////////
// mmap
////////////////////////////////////////////////////////////////////////

func (s *Sandbox) handleMmap(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	vfd := int(int32(sc.Args[4]))
	if vfd == -1 {
		// Anonymous mapping; nothing to rewrite.
		return tracer.Passthrough(), nil
	}

	kfd, ok := ft.Translate(vfd)
	if !ok {
		// File-backed mmap over a virtual mount is not served.
		return tracer.Passthrough(), nil
	}

	n := sc
	n.Args[4] = uint64(kfd)
	res, err := g.Inject(ctx, n)
	if err != nil {
		return tracer.Passthrough(), err
	}
	return tracer.Handled(res), nil
}

////////////////////////////////////////////////////////////////////////
// getdents64
////////////////////////////////////////////////////////////////////////

// direntHeaderSize is sizeof(d_ino) + sizeof(d_off) + sizeof(d_reclen)
// + sizeof(d_type) in the linux_dirent64 layout.
const direntHeaderSize = 19

func (s *Sandbox) handleGetdents64(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	entry, ok := ft.Get(int(int32(sc.Args[0])))
	if !ok {
		return tracer.Passthrough(), nil
	}

	if kfd, pass := entry.KernelFD(); pass {
		n := sc
		n.Args[0] = uint64(kfd)
		res, err := g.Inject(ctx, n)
		if err != nil {
			return tracer.Passthrough(), err
		}
		return tracer.Handled(res), nil
	}

	ents, err := entry.Handle().ReadDirents(ctx)
	if err != nil {
		return tracer.Handled(-int64(unix.ENOTDIR)), nil
	}

	buf := encodeDirents(ents, int(sc.Args[2]))
	if len(buf) > 0 {
		if err := g.Memory().WriteAt(buf, sc.Args[1]); err != nil {
			return tracer.Passthrough(), err
		}
	}
	return tracer.Handled(int64(len(buf))), nil
}

// encodeDirents lays entries out as linux_dirent64 records: native
// integer widths, 8-byte-aligned record lengths, NUL-terminated names,
// d_off counting up from one. Entries that would overflow max are
// dropped.
func encodeDirents(ents []vfs.Dirent, max int) []byte {
	var buf []byte
	off := int64(1)
	for _, e := range ents {
		reclen := (direntHeaderSize + len(e.Name) + 1 + 7) &^ 7
		if len(buf)+reclen > max {
			break
		}

		var hdr [direntHeaderSize]byte
		binary.NativeEndian.PutUint64(hdr[0:8], e.Ino)
		binary.NativeEndian.PutUint64(hdr[8:16], uint64(off))
		binary.NativeEndian.PutUint16(hdr[16:18], uint16(reclen))
		hdr[18] = e.Type

		buf = append(buf, hdr[:]...)
		buf = append(buf, e.Name...)
		buf = append(buf, 0)
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
		off++
	}
	return buf
}
