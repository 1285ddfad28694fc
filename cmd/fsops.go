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

	"github.com/googlecloudplatform/agentfs/internal/posixfs"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

var fsFilesystem string

var fsCmd = &cobra.Command{
	Use:   "fs",
	Short: "Inspect a backing store without running a sandbox",
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List files in the filesystem",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLs,
}

var catCmd = &cobra.Command{
	Use:   "cat path",
	Short: "Display file contents",
	Args:  cobra.ExactArgs(1),
	RunE:  runCat,
}

func init() {
	fsCmd.PersistentFlags().StringVar(&fsFilesystem, "filesystem", "agent.db", "Backing store to use")
	fsCmd.AddCommand(lsCmd)
	fsCmd.AddCommand(catCmd)
	rootCmd.AddCommand(fsCmd)
}

func openBackingStore(cmd *cobra.Command) (*posixfs.Filesystem, error) {
	if _, err := os.Stat(fsFilesystem); err != nil {
		return nil, fmt.Errorf("filesystem %q does not exist", fsFilesystem)
	}
	return posixfs.New(cmd.Context(), fsFilesystem, timeutil.RealClock())
}

func runLs(cmd *cobra.Command, args []string) error {
	path := "/"
	if len(args) == 1 {
		path = args[0]
	}

	fs, err := openBackingStore(cmd)
	if err != nil {
		return err
	}
	defer fs.Close()

	entries, err := fs.Readdir(cmd.Context(), path)
	if err != nil {
		return fmt.Errorf("listing %q: %w", path, err)
	}

	for _, e := range entries {
		typeChar := 'f'
		if e.Mode&unix.S_IFMT == unix.S_IFDIR {
			typeChar = 'd'
		}
		fmt.Printf("%c %s\n", typeChar, e.Name)
	}
	return nil
}

func runCat(cmd *cobra.Command, args []string) error {
	fs, err := openBackingStore(cmd)
	if err != nil {
		return err
	}
	defer fs.Close()

	data, err := fs.ReadFile(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("reading %q: %w", args[0], err)
	}
	_, err = os.Stdout.Write(data)
	return err
}
