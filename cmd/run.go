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

package cmd

import (
	"fmt"
	"os"

	"github.com/googlecloudplatform/agentfs/cfg"
	"github.com/googlecloudplatform/agentfs/common"
	"github.com/googlecloudplatform/agentfs/internal/logger"
	"github.com/googlecloudplatform/agentfs/internal/posixfs"
	"github.com/googlecloudplatform/agentfs/internal/sandbox"
	"github.com/googlecloudplatform/agentfs/internal/tracer"
	"github.com/googlecloudplatform/agentfs/internal/vfs"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] command [args...]",
	Short: "Run a command inside the filesystem sandbox",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSandbox,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runSandbox(cmd *cobra.Command, args []string) error {
	if err := configError(); err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		FilePath:      AppConfig.Logging.FilePath,
		Format:        AppConfig.Logging.Format,
		Severity:      severityForRun(),
		MaxFileSizeMB: AppConfig.Logging.MaxFileSizeMB,
	}); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}

	ctx := cmd.Context()

	mounts := AppConfig.Mounts
	if len(mounts) == 0 {
		// Without explicit mounts, sandbox /agent onto agent.db.
		mounts = []cfg.MountSpec{{
			Type: cfg.MountTypeSqlite,
			Src:  "agent.db",
			Dst:  "/agent",
		}}
	}

	table := vfs.NewMountTable()
	logger.Infof("The following mount points are sandboxed:")
	for _, m := range mounts {
		switch m.Type {
		case cfg.MountTypeBind:
			logger.Infof(" - %s -> %s (host)", m.Dst, m.Src)
			table.AddMount(m.Dst, vfs.NewPassthroughVfs(m.Src, m.Dst))

		case cfg.MountTypeSqlite:
			logger.Infof(" - %s -> %s (sqlite)", m.Dst, m.Src)
			fs, err := posixfs.New(ctx, m.Src, timeutil.RealClock())
			if err != nil {
				return fmt.Errorf("opening sqlite mount %q: %w", m.Src, err)
			}
			defer fs.Close()
			table.AddMount(m.Dst, vfs.NewSqliteVfs(fs, m.Dst))

		default:
			return fmt.Errorf("unsupported mount type %q", m.Type)
		}
	}

	metrics, err := common.NewOTelMetrics()
	if err != nil {
		logger.Warnf("Metrics unavailable: %v", err)
		metrics = common.NewNoopMetrics()
	}
	sb := sandbox.New(table, metrics, AppConfig.Strace)

	driver, err := tracer.Find(AppConfig.Tracer)
	if err != nil {
		return fmt.Errorf("resolving tracing substrate: %w", err)
	}

	exitCode, err := driver.Trace(ctx, sb, args)
	if err != nil {
		return fmt.Errorf("tracing %q: %w", args[0], err)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// severityForRun lowers the log floor to TRACE when strace output is
// requested, so the trace lines are not filtered away.
func severityForRun() string {
	if AppConfig.Strace {
		return "TRACE"
	}
	return AppConfig.Logging.Severity
}
