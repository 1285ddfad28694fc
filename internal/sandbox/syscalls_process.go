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

	"github.com/googlecloudplatform/agentfs/internal/tracer"
	"github.com/googlecloudplatform/agentfs/internal/vfs"
	"golang.org/x/sys/unix"
)

// handleFork covers fork and vfork: the child gets a deep copy of the
// parent's FD table. vfork children exec or exit immediately, but an
// independent copy keeps the bookkeeping honest either way.
func (s *Sandbox) handleFork(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	res, err := g.Inject(ctx, sc)
	if err != nil {
		return tracer.Passthrough(), err
	}

	// On the parent's return (child pid), register the child's table.
	// The child's own first event finds it already in place.
	if res > 0 {
		s.RegisterFdTable(int(res), ft.DeepClone())
	}
	return tracer.Handled(res), nil
}

// handleClone keys FD inheritance off CLONE_FILES: set means the
// child shares the parent's table (thread-style), clear means a deep
// copy (process-style).
func (s *Sandbox) handleClone(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	res, err := g.Inject(ctx, sc)
	if err != nil {
		return tracer.Passthrough(), err
	}

	if res > 0 {
		flags := sc.Args[0]
		if flags&unix.CLONE_FILES != 0 {
			s.RegisterFdTable(int(res), ft)
		} else {
			s.RegisterFdTable(int(res), ft.DeepClone())
		}
	}
	return tracer.Handled(res), nil
}

// handleClone3 registers a deep copy. Reading CLONE_FILES out of the
// clone_args parameter block is not implemented; deep copy is the safe
// default for process-style use.
func (s *Sandbox) handleClone3(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	res, err := g.Inject(ctx, sc)
	if err != nil {
		return tracer.Passthrough(), err
	}

	if res > 0 {
		s.RegisterFdTable(int(res), ft.DeepClone())
	}
	return tracer.Handled(res), nil
}
