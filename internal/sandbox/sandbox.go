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

// Package sandbox routes intercepted syscalls through the mount table
// and the per-process virtual FD tables, rewriting paths and FDs so
// the guest sees a POSIX filesystem while designated subtrees are
// served from alternate backing stores.
package sandbox

import (
	"context"
	"sync"

	"github.com/googlecloudplatform/agentfs/common"
	"github.com/googlecloudplatform/agentfs/internal/logger"
	"github.com/googlecloudplatform/agentfs/internal/tracer"
	"github.com/googlecloudplatform/agentfs/internal/vfs"
)

// Sandbox is the tracer-side state for one traced process tree: the
// mount table, the per-pid FD table registry, and diagnostics. It is
// the EventHandler given to the tracing substrate.
//
// The mount table is fixed before the guest is spawned. FD tables are
// created when a pid is first seen and registered explicitly on
// fork/clone; nothing removes them during the traced run.
type Sandbox struct {
	mounts  *vfs.MountTable
	metrics common.MetricHandle
	strace  bool

	mu     sync.Mutex
	tables map[int]*vfs.FdTable
}

var _ tracer.EventHandler = &Sandbox{}

// New creates a sandbox serving the given mount table.
func New(mounts *vfs.MountTable, metrics common.MetricHandle, strace bool) *Sandbox {
	if metrics == nil {
		metrics = common.NewNoopMetrics()
	}
	return &Sandbox{
		mounts:  mounts,
		metrics: metrics,
		strace:  strace,
		tables:  make(map[int]*vfs.FdTable),
	}
}

// Mounts returns the sandbox's mount table.
func (s *Sandbox) Mounts() *vfs.MountTable { return s.mounts }

// FdTable returns pid's FD table, creating a fresh one (stdio
// passthrough only) the first time pid is seen.
func (s *Sandbox) FdTable(pid int) *vfs.FdTable {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[pid]
	if !ok {
		t = vfs.NewFdTable()
		s.tables[pid] = t
	}
	return t
}

// RegisterFdTable installs pid's FD table, replacing any existing
// registration. Used by the fork/clone handlers.
func (s *Sandbox) RegisterFdTable(pid int, t *vfs.FdTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[pid] = t
}

// HandleSyscall implements tracer.EventHandler.
func (s *Sandbox) HandleSyscall(ctx context.Context, g tracer.Guest, sc tracer.Syscall) (tracer.Disposition, error) {
	pid := g.PID()
	ft := s.FdTable(pid)

	if s.strace {
		logger.Tracef("[%d] %s", pid, formatSyscall(sc))
	}
	s.metrics.SyscallsIntercepted(ctx, 1, syscallName(sc.Num))

	d, err := s.dispatch(ctx, g, sc, ft)

	if err != nil {
		s.metrics.HandlerErrors(ctx, 1, syscallName(sc.Num))
		if s.strace {
			logger.Tracef("[%d] = error: %v", pid, err)
		}
		return d, err
	}
	if s.strace {
		if v, ok := d.IsHandled(); ok {
			logger.Tracef("[%d] = %d", pid, v)
		}
	}
	return d, nil
}
