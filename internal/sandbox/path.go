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
	"unsafe"

	"github.com/googlecloudplatform/agentfs/internal/tracer"
	"github.com/googlecloudplatform/agentfs/internal/vfs"
	"golang.org/x/sys/unix"
)

// translatePath reads the NUL-terminated path at pathAddr, resolves it
// in the mount table, and, on a match, writes the translated bytes
// into fresh scratch space on the guest stack. ok is false when the
// path lies outside every mount, in which case the original pointer
// should be used unchanged.
//
// For virtual mounts translation is the identity, so the rewritten
// call carries the same bytes; callers that must serve virtual paths
// in-process check the mount kind before coming here.
func (s *Sandbox) translatePath(ctx context.Context, g tracer.Guest, pathAddr uint64) (newAddr uint64, ok bool, err error) {
	path, err := g.Memory().ReadCString(pathAddr)
	if err != nil {
		return 0, false, err
	}

	_, translated, found := s.mounts.Resolve(path)
	if !found {
		return 0, false, nil
	}

	newAddr, err = writeScratchString(ctx, g, translated)
	if err != nil {
		return 0, false, err
	}
	return newAddr, true, nil
}

// writeScratchString places s plus a NUL terminator in scratch space
// on the guest stack and returns its address.
func writeScratchString(ctx context.Context, g tracer.Guest, s string) (uint64, error) {
	stack, err := g.Stack(ctx)
	if err != nil {
		return 0, err
	}
	addr := stack.Reserve(uint64(len(s)) + 1)
	if err := stack.Commit(); err != nil {
		return 0, err
	}
	if err := g.Memory().WriteAt(append([]byte(s), 0), addr); err != nil {
		return 0, err
	}
	return addr, nil
}

// kernelDirfd virtualizes the dirfd of an *at call: the cwd sentinel
// passes through, anything else is translated to its kernel FD when
// the table knows it.
func kernelDirfd(ft *vfs.FdTable, dirfd int) int {
	if dirfd == unix.AT_FDCWD {
		return dirfd
	}
	if kfd, ok := ft.Translate(dirfd); ok {
		return kfd
	}
	return dirfd
}

// translatePathAndRewrite serves syscalls that take a single path
// argument and nothing else of interest: the path is translated and
// the call re-emitted, or passed through untouched when no mount
// matches.
func (s *Sandbox) translatePathAndRewrite(ctx context.Context, g tracer.Guest, sc tracer.Syscall, pathArg int) (tracer.Disposition, error) {
	newAddr, ok, err := s.translatePath(ctx, g, sc.Args[pathArg])
	if err != nil {
		return tracer.Passthrough(), err
	}
	if !ok {
		return tracer.Passthrough(), nil
	}
	sc.Args[pathArg] = newAddr
	return tracer.Rewritten(sc), nil
}

// translateDirfdPathAndRewrite serves *at syscalls whose dirfd is
// argument zero and path argument one.
func (s *Sandbox) translateDirfdPathAndRewrite(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	dirfd := int(int32(sc.Args[0]))
	kdirfd := kernelDirfd(ft, dirfd)

	newAddr, pathTranslated, err := s.translatePath(ctx, g, sc.Args[1])
	if err != nil {
		return tracer.Passthrough(), err
	}

	if kdirfd == dirfd && !pathTranslated {
		return tracer.Passthrough(), nil
	}

	sc.Args[0] = uint64(uint32(int32(kdirfd)))
	if pathTranslated {
		sc.Args[1] = newAddr
	}
	return tracer.Rewritten(sc), nil
}

// handleRename translates both path arguments.
func (s *Sandbox) handleRename(ctx context.Context, g tracer.Guest, sc tracer.Syscall) (tracer.Disposition, error) {
	oldAddr, oldOk, err := s.translatePath(ctx, g, sc.Args[0])
	if err != nil {
		return tracer.Passthrough(), err
	}
	newAddr, newOk, err := s.translatePath(ctx, g, sc.Args[1])
	if err != nil {
		return tracer.Passthrough(), err
	}
	if !oldOk && !newOk {
		return tracer.Passthrough(), nil
	}

	if oldOk {
		sc.Args[0] = oldAddr
	}
	if newOk {
		sc.Args[1] = newAddr
	}
	return tracer.Rewritten(sc), nil
}

// writeStat copies the kernel stat layout into guest memory at addr,
// bit for bit.
func writeStat(g tracer.Guest, addr uint64, st *unix.Stat_t) error {
	p := unsafe.Slice((*byte)(unsafe.Pointer(st)), unsafe.Sizeof(*st))
	return g.Memory().WriteAt(p, addr)
}
