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
	"container/heap"
	"context"
	"math"

	"github.com/jacobsa/syncutil"
)

const (
	stdinFD  = 0
	stdoutFD = 1
	stderrFD = 2

	// FirstUserFD is the lowest virtual FD handed out by allocation;
	// 0–2 are reserved for the standard streams.
	FirstUserFD = 3
)

////////////////////////////////////////////////////////////////////////
// FdEntry
////////////////////////////////////////////////////////////////////////

type entryKind int

const (
	entryPassthrough entryKind = iota
	entryVirtual
)

// FdEntry is what a virtual FD points at: either a kernel FD the guest
// must never see directly (passthrough), or an in-process file object
// (virtual). The distinction is load-bearing; nearly every handler
// branches on it, so it is kept explicit rather than hidden behind a
// "has a raw FD" accessor.
type FdEntry struct {
	kind     entryKind
	kernelFD int
	handle   *Handle
	flags    int
}

// NewPassthroughEntry wraps a kernel FD. The entry owns the integer
// and the right to close it; the kernel owns the file.
func NewPassthroughEntry(kernelFD int, flags int) FdEntry {
	return FdEntry{kind: entryPassthrough, kernelFD: kernelFD, flags: flags}
}

// NewVirtualEntry takes ownership of one reference to h.
func NewVirtualEntry(h *Handle, flags int) FdEntry {
	return FdEntry{kind: entryVirtual, handle: h, flags: flags}
}

// IsVirtual reports whether the entry is served in-process.
func (e FdEntry) IsVirtual() bool { return e.kind == entryVirtual }

// KernelFD returns the backing kernel FD. ok is false for virtual
// entries, which have none.
func (e FdEntry) KernelFD() (fd int, ok bool) {
	if e.kind != entryPassthrough {
		return 0, false
	}
	return e.kernelFD, true
}

// Handle returns the file object reference, or nil for passthrough
// entries.
func (e FdEntry) Handle() *Handle {
	return e.handle
}

// Flags returns the FD flags recorded at allocation (O_CLOEXEC etc.).
func (e FdEntry) Flags() int { return e.flags }

// Close releases whatever the entry owns: the file-object reference
// for virtual entries, nothing in-process for passthrough ones (the
// caller decides whether to close the kernel FD).
func (e FdEntry) Close(ctx context.Context) error {
	if e.kind == entryVirtual {
		return e.handle.Close(ctx)
	}
	return nil
}

// dup clones the entry for installation under another virtual FD,
// sharing the file object.
func (e FdEntry) dup() FdEntry {
	if e.kind == entryVirtual {
		e.handle = e.handle.Dup()
	}
	return e
}

// withFlags returns a copy of the entry carrying different FD flags,
// sharing the file object.
func (e FdEntry) withFlags(flags int) FdEntry {
	d := e.dup()
	d.flags = flags
	return d
}

////////////////////////////////////////////////////////////////////////
// FdTable
////////////////////////////////////////////////////////////////////////

// FdTable maps a process's guest-visible virtual FDs to entries. It is
// safe for concurrent use; thread-style clones share one table while
// process-style clones get an independent deep copy.
//
// Allocate returns the lowest freed FD at or above FirstUserFD, or else
// the next never-used one. FDs that AllocateMin or AllocateAt skip over
// when they install past the counter are not recorded as free, so
// Allocate does not hand them out until the counter is exhausted.
type FdTable struct {
	mu syncutil.InvariantMutex

	// INVARIANT: No key of entries appears in freeFds.
	//
	// GUARDED_BY(mu)
	entries map[int]FdEntry

	// The next never-used virtual FD.
	//
	// INVARIANT: nextVfd >= FirstUserFD
	// INVARIANT: For all k in entries with k >= FirstUserFD, k < nextVfd
	//
	// GUARDED_BY(mu)
	nextVfd int

	// Min-heap of freed FDs available for reuse.
	//
	// INVARIANT: All elements are >= FirstUserFD and < nextVfd
	//
	// GUARDED_BY(mu)
	freeFds intHeap
}

// NewFdTable creates a table preloaded with passthrough entries for
// the standard streams.
func NewFdTable() *FdTable {
	t := &FdTable{
		entries: map[int]FdEntry{
			stdinFD:  NewPassthroughEntry(stdinFD, 0),
			stdoutFD: NewPassthroughEntry(stdoutFD, 0),
			stderrFD: NewPassthroughEntry(stderrFD, 0),
		},
		nextVfd: FirstUserFD,
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *FdTable) checkInvariants() {
	if t.nextVfd < FirstUserFD {
		panic("nextVfd below FirstUserFD")
	}
	for _, fd := range t.freeFds {
		if _, ok := t.entries[fd]; ok {
			panic("free list contains a live FD")
		}
		if fd < FirstUserFD || fd >= t.nextVfd {
			panic("free list element out of range")
		}
	}
}

// DeepClone returns an entirely independent table. Entries are copied;
// file objects stay shared with the parent, matching the semantics of
// fork (open file descriptions survive across the copy).
func (t *FdTable) DeepClone() *FdTable {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := &FdTable{
		entries: make(map[int]FdEntry, len(t.entries)),
		nextVfd: t.nextVfd,
		freeFds: append(intHeap(nil), t.freeFds...),
	}
	for vfd, e := range t.entries {
		c.entries[vfd] = e.dup()
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

// Allocate installs entry under the smallest freed FD, or else the next
// never-used FD, and returns it.
func (t *FdTable) Allocate(entry FdEntry) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var vfd int
	switch {
	case len(t.freeFds) > 0:
		vfd = heap.Pop(&t.freeFds).(int)

	case t.nextVfd == math.MaxInt32:
		// Exhausted the counter; fall back to a linear search for a
		// gap. Running out entirely is fatal by design.
		vfd = t.findGapLocked(FirstUserFD)

	default:
		vfd = t.nextVfd
		t.nextVfd++
	}

	t.entries[vfd] = entry
	return vfd
}

// AllocateMin installs entry under the smallest unused FD >= min,
// as fcntl's F_DUPFD family requires.
func (t *FdTable) AllocateMin(min int, entry FdEntry) int {
	if min < 0 {
		min = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	vfd := t.findGapLocked(min)

	if vfd >= t.nextVfd {
		t.nextVfd = vfd + 1
	}
	t.freeFds.remove(vfd)

	t.entries[vfd] = entry
	return vfd
}

// AllocateAt installs entry at exactly vfd, returning the entry it
// displaced, if any. The caller decides what to close. Used by dup2
// and dup3.
func (t *FdTable) AllocateAt(vfd int, entry FdEntry) (old FdEntry, existed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.freeFds.remove(vfd)
	if vfd >= t.nextVfd {
		t.nextVfd = vfd + 1
	}

	old, existed = t.entries[vfd]
	t.entries[vfd] = entry
	return
}

// Translate yields the kernel FD behind vfd. ok is false when vfd is
// unknown or the entry is virtual and has no kernel FD.
func (t *FdTable) Translate(vfd int) (kernelFD int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.entries[vfd]
	if !found {
		return 0, false
	}
	return e.KernelFD()
}

// Get returns the entry for vfd.
func (t *FdTable) Get(vfd int) (FdEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[vfd]
	return e, ok
}

// Deallocate removes vfd and marks it reusable. The removed entry is
// returned so the caller can close what it owns.
func (t *FdTable) Deallocate(vfd int) (FdEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[vfd]
	if !ok {
		return FdEntry{}, false
	}
	delete(t.entries, vfd)

	if vfd >= FirstUserFD && vfd < t.nextVfd {
		heap.Push(&t.freeFds, vfd)
	}
	return e, true
}

// Duplicate installs a copy of oldVfd's entry (shared file object)
// under a fresh virtual FD.
func (t *FdTable) Duplicate(oldVfd int) (int, bool) {
	e, ok := t.Get(oldVfd)
	if !ok {
		return 0, false
	}
	return t.Allocate(e.dup()), true
}

// DuplicateAt installs a copy of oldVfd's entry at exactly newVfd with
// the given FD flags, returning the displaced entry if any.
func (t *FdTable) DuplicateAt(oldVfd, newVfd, flags int) (old FdEntry, existed, ok bool) {
	e, ok := t.Get(oldVfd)
	if !ok {
		return FdEntry{}, false, false
	}
	old, existed = t.AllocateAt(newVfd, e.withFlags(flags))
	return old, existed, true
}

// findGapLocked returns the smallest unused FD >= min.
//
// LOCKS_REQUIRED(t.mu)
func (t *FdTable) findGapLocked(min int) int {
	for fd := min; fd < math.MaxInt32; fd++ {
		if _, used := t.entries[fd]; !used {
			return fd
		}
	}
	panic("file descriptor table exhausted")
}

////////////////////////////////////////////////////////////////////////
// Free-list heap
////////////////////////////////////////////////////////////////////////

type intHeap []int

func (h intHeap) Len() int            { return len(h) }
func (h intHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x interface{}) { *h = append(*h, x.(int)) }

func (h *intHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// remove drops fd from the heap if present. Linear, but dup2 onto a
// freed FD is rare.
func (h *intHeap) remove(fd int) {
	for i, v := range *h {
		if v == fd {
			heap.Remove(h, i)
			return
		}
	}
}
