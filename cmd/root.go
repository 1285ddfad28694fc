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
	"path/filepath"

	"github.com/googlecloudplatform/agentfs/cfg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	// AppConfig is the merged flag/config-file configuration, valid
	// once cobra has initialized.
	AppConfig cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "agentfs",
	Short: "A filesystem sandbox for agents",
	Long: `AgentFS runs a command under a syscall-level filesystem sandbox.
Designated subtrees are served from alternate backing stores: bind
mounts rewrite paths to a host directory, sqlite mounts serve all I/O
from a POSIX-like filesystem stored in a SQLite database.`,
	SilenceUsage: true,
}

// configError surfaces any error recorded during flag binding or
// config-file loading; subcommands check it before running.
func configError() error {
	if bindErr != nil {
		return bindErr
	}
	if configFileErr != nil {
		return configFileErr
	}
	return unmarshalErr
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config-file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile != "" {
		resolved, err := filepath.Abs(cfgFile)
		if err != nil {
			configFileErr = fmt.Errorf("resolving config file path: %w", err)
			return
		}
		viper.SetConfigFile(resolved)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			configFileErr = fmt.Errorf("reading config file: %w", err)
			return
		}
	}
	unmarshalErr = viper.Unmarshal(&AppConfig, cfg.DecodeHook())
}
