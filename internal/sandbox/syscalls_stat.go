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

// handleStat serves stat(path, statbuf): virtual mounts answer from
// the backing store, everything else is a path translation.
func (s *Sandbox) handleStat(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	path, err := g.Memory().ReadCString(sc.Args[0])
	if err != nil {
		return tracer.Passthrough(), err
	}

	if v, _, found := s.mounts.Resolve(path); found && v.IsVirtual() {
		st, err := v.Stat(ctx, path)
		if err != nil {
			return tracer.Handled(errnoResult(err)), nil
		}
		if err := writeStat(g, sc.Args[1], st); err != nil {
			return tracer.Passthrough(), err
		}
		return tracer.Handled(0), nil
	}

	return s.translatePathAndRewrite(ctx, g, sc, 0)
}

// handleNewfstatat serves newfstatat(dirfd, path, statbuf, flags).
// Virtual mounts answer from the backing store; otherwise the dirfd is
// virtualized and the path translated.
func (s *Sandbox) handleNewfstatat(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	path, err := g.Memory().ReadCString(sc.Args[1])
	if err != nil {
		return tracer.Passthrough(), err
	}

	if v, _, found := s.mounts.Resolve(path); found && v.IsVirtual() {
		st, err := v.Stat(ctx, path)
		if err != nil {
			return tracer.Handled(errnoResult(err)), nil
		}
		if err := writeStat(g, sc.Args[2], st); err != nil {
			return tracer.Passthrough(), err
		}
		return tracer.Handled(0), nil
	}

	return s.translateDirfdPathAndRewrite(ctx, g, sc, ft)
}

// handleStatx narrows the serving surface on virtual mounts: callers
// get ENOSYS and fall back to newfstatat, which we do serve.
func (s *Sandbox) handleStatx(ctx context.Context, g tracer.Guest, sc tracer.Syscall, ft *vfs.FdTable) (tracer.Disposition, error) {
	path, err := g.Memory().ReadCString(sc.Args[1])
	if err != nil {
		return tracer.Passthrough(), err
	}

	if v, _, found := s.mounts.Resolve(path); found && v.IsVirtual() {
		return tracer.Handled(-int64(unix.ENOSYS)), nil
	}

	return s.translateDirfdPathAndRewrite(ctx, g, sc, ft)
}
