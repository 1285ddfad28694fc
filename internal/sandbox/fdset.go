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
	"unsafe"

	"github.com/googlecloudplatform/agentfs/internal/tracer"
	"github.com/googlecloudplatform/agentfs/internal/vfs"
	"golang.org/x/sys/unix"
)

// The guest names FDs we invented; before a poll or select reaches
// the kernel every descriptor of interest must be translated to its
// kernel FD, and the wake-up results translated back. Guest FDs that
// were never observed by the tracer are skipped.

////////////////////////////////////////////////////////////////////////
// fd_set translation
////////////////////////////////////////////////////////////////////////

// translateSetToKernel builds the kernel-FD shadow of a guest fd_set.
// The returned nfds is the largest translated kernel FD plus one.
func translateSetToKernel(vset *unix.FdSet, virtNfds int, ft *vfs.FdTable) (kset unix.FdSet, nfds int) {
	maxKfd := 0
	for vfd := 0; vfd < virtNfds; vfd++ {
		if !vset.IsSet(vfd) {
			continue
		}
		if kfd, ok := ft.Translate(vfd); ok {
			kset.Set(kfd)
			if kfd > maxKfd {
				maxKfd = kfd
			}
		}
	}
	return kset, maxKfd + 1
}

// translateSetToVirtual maps ready kernel FDs back onto the guest's
// virtual FD positions.
func translateSetToVirtual(kset *unix.FdSet, kernelNfds, virtNfds int, ft *vfs.FdTable) (vset unix.FdSet) {
	for vfd := 0; vfd < virtNfds; vfd++ {
		if kfd, ok := ft.Translate(vfd); ok {
			if kfd < kernelNfds && kset.IsSet(kfd) {
				vset.Set(vfd)
			}
		}
	}
	return vset
}

func readFdSet(g tracer.Guest, addr uint64) (*unix.FdSet, error) {
	set := &unix.FdSet{}
	p := unsafe.Slice((*byte)(unsafe.Pointer(set)), unsafe.Sizeof(*set))
	if err := g.Memory().ReadAt(p, addr); err != nil {
		return nil, err
	}
	return set, nil
}

func writeFdSet(g tracer.Guest, addr uint64, set *unix.FdSet) error {
	p := unsafe.Slice((*byte)(unsafe.Pointer(set)), unsafe.Sizeof(*set))
	return g.Memory().WriteAt(p, addr)
}

////////////////////////////////////////////////////////////////////////
// pselect6
////////////////////////////////////////////////////////////////////////

func (s *Sandbox) handlePselect6(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	virtNfds := int(int32(sc.Args[0]))
	setAddrs := [3]uint64{sc.Args[1], sc.Args[2], sc.Args[3]}

	var virtSets [3]*unix.FdSet
	var kernelSets [3]unix.FdSet
	kernelNfds := 0

	for i, addr := range setAddrs {
		if addr == 0 {
			continue
		}
		vset, err := readFdSet(g, addr)
		if err != nil {
			return tracer.Passthrough(), err
		}
		virtSets[i] = vset

		kset, nfds := translateSetToKernel(vset, virtNfds, ft)
		kernelSets[i] = kset
		if nfds > kernelNfds {
			kernelNfds = nfds
		}
	}

	// Nothing to translate: every set pointer was NULL.
	if kernelNfds == 0 {
		return tracer.Passthrough(), nil
	}

	// Shadow sets live on the guest stack for the injected call.
	stack, err := g.Stack(ctx)
	if err != nil {
		return tracer.Passthrough(), err
	}
	var shadowAddrs [3]uint64
	for i := range setAddrs {
		if virtSets[i] != nil {
			shadowAddrs[i] = stack.Reserve(uint64(unsafe.Sizeof(unix.FdSet{})))
		}
	}
	if err := stack.Commit(); err != nil {
		return tracer.Passthrough(), err
	}
	for i := range setAddrs {
		if virtSets[i] == nil {
			continue
		}
		if err := writeFdSet(g, shadowAddrs[i], &kernelSets[i]); err != nil {
			return tracer.Passthrough(), err
		}
	}

	n := sc
	n.Args[0] = uint64(uint32(int32(kernelNfds)))
	n.Args[1] = shadowAddrs[0]
	n.Args[2] = shadowAddrs[1]
	n.Args[3] = shadowAddrs[2]

	res, err := g.Inject(ctx, n)
	if err != nil {
		return tracer.Passthrough(), err
	}
	if res <= 0 {
		return tracer.Handled(res), nil
	}

	// Fold the kernel's answer back into the guest's sets.
	for i := range setAddrs {
		if virtSets[i] == nil {
			continue
		}
		kset, err := readFdSet(g, shadowAddrs[i])
		if err != nil {
			return tracer.Passthrough(), err
		}
		vset := translateSetToVirtual(kset, kernelNfds, virtNfds, ft)
		if err := writeFdSet(g, setAddrs[i], &vset); err != nil {
			return tracer.Passthrough(), err
		}
	}
	return tracer.Handled(res), nil
}

////////////////////////////////////////////////////////////////////////
// poll
////////////////////////////////////////////////////////////////////////

// pollFdSize is the byte size of one struct pollfd.
const pollFdSize = 8

func (s *Sandbox) handlePoll(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	fdsAddr := sc.Args[0]
	nfds := int(sc.Args[1])
	if fdsAddr == 0 || nfds == 0 {
		return tracer.Passthrough(), nil
	}

	orig := make([]byte, nfds*pollFdSize)
	if err := g.Memory().ReadAt(orig, fdsAddr); err != nil {
		return tracer.Passthrough(), err
	}

	// Build the shadow array: translated FDs, same events, clear
	// revents.
	shadow := make([]byte, len(orig))
	copy(shadow, orig)
	for i := 0; i < nfds; i++ {
		rec := shadow[i*pollFdSize:]
		vfd := int(int32(binary.NativeEndian.Uint32(rec[0:4])))
		if kfd, ok := ft.Translate(vfd); ok {
			binary.NativeEndian.PutUint32(rec[0:4], uint32(int32(kfd)))
		}
		rec[6], rec[7] = 0, 0
	}

	stack, err := g.Stack(ctx)
	if err != nil {
		return tracer.Passthrough(), err
	}
	shadowAddr := stack.Reserve(uint64(len(shadow)))
	if err := stack.Commit(); err != nil {
		return tracer.Passthrough(), err
	}
	if err := g.Memory().WriteAt(shadow, shadowAddr); err != nil {
		return tracer.Passthrough(), err
	}

	n := sc
	n.Args[0] = shadowAddr
	res, err := g.Inject(ctx, n)
	if err != nil {
		return tracer.Passthrough(), err
	}
	if res <= 0 {
		return tracer.Handled(res), nil
	}

	// Copy the revents back beside the guest's own FD numbers.
	if err := g.Memory().ReadAt(shadow, shadowAddr); err != nil {
		return tracer.Passthrough(), err
	}
	for i := 0; i < nfds; i++ {
		orig[i*pollFdSize+6] = shadow[i*pollFdSize+6]
		orig[i*pollFdSize+7] = shadow[i*pollFdSize+7]
	}
	if err := g.Memory().WriteAt(orig, fdsAddr); err != nil {
		return tracer.Passthrough(), err
	}
	return tracer.Handled(res), nil
}
