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
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/googlecloudplatform/agentfs/internal/kvstore"
	"github.com/googlecloudplatform/agentfs/internal/posixfs"
	"github.com/jacobsa/timeutil"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [filename]",
	Short: "Initialize a new agent filesystem",
	Long: `Create a SQLite backing store with the filesystem schema, the
root directory, and the SDK side tables (key-value store, tool-call
log).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing file if it exists")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := configError(); err != nil {
		return err
	}

	filename := "agent.db"
	if len(args) == 1 {
		filename = args[0]
	}

	if _, err := os.Stat(filename); err == nil {
		if !initForce {
			return fmt.Errorf("file %q already exists, use --force to overwrite", filename)
		}
		if err := os.Remove(filename); err != nil {
			return fmt.Errorf("removing existing file: %w", err)
		}
	}

	ctx := cmd.Context()

	// Filesystem schema plus the root inode.
	fs, err := posixfs.New(ctx, filename, timeutil.RealClock())
	if err != nil {
		return err
	}
	fs.Close()

	// Key-value side table.
	kv, err := kvstore.Open(ctx, filename)
	if err != nil {
		return err
	}
	kv.Close()

	// Tool-call log side table.
	if err := createToolCallSchema(ctx, filename); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Created agent filesystem: %s\n", filename)
	return nil
}

// createToolCallSchema creates the tool_calls side table, which the
// sandbox itself never touches.
func createToolCallSchema(ctx context.Context, filename string) error {
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return fmt.Errorf("opening backing store %q: %w", filename, err)
	}
	defer db.Close()

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			parameters TEXT,
			result TEXT,
			error TEXT,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			duration_ms INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_name ON tool_calls(name)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_started_at ON tool_calls(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_status ON tool_calls(status)`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("creating tool_calls schema: %w", err)
		}
	}
	return nil
}
