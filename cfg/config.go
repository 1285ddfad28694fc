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

// Package cfg holds the flag and config-file surface of the agentfs
// binary. Flags are bound through viper so every setting can come
// from the command line or a YAML config file.
package cfg

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	AppName string `mapstructure:"app-name"`

	Logging LoggingConfig `mapstructure:"logging"`

	// Strace enables the per-event diagnostic trace lines.
	Strace bool `mapstructure:"strace"`

	// Tracer names the tracing-substrate driver to use. Empty selects
	// the sole registered driver.
	Tracer string `mapstructure:"tracer"`

	// Mounts are the sandboxed subtrees.
	Mounts []MountSpec `mapstructure:"mounts"`
}

type LoggingConfig struct {
	FilePath string `mapstructure:"file-path"`

	// Format is "text" or "json".
	Format string `mapstructure:"format"`

	Severity string `mapstructure:"severity"`

	MaxFileSizeMB int `mapstructure:"max-file-size-mb"`
}

// Octal is an integer flag rendered and parsed in base eight, for
// permission bits.
type Octal uint32

func (o Octal) String() string {
	return "0" + strconv.FormatUint(uint64(o), 8)
}

// BindFlags declares the persistent flags and binds them into viper.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.StringP("app-name", "", "", "The application name of this sandbox instance.")
	if err := viper.BindPFlag("app-name", flagSet.Lookup("app-name")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "File to log to. When empty, logs go to stderr.")
	if err := viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log output format: text or json.")
	if err := viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Lowest severity to log: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err := viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.IntP("log-rotate-max-file-size-mb", "", 0, "Maximum size in MB of a log file before rotation.")
	if err := viper.BindPFlag("logging.max-file-size-mb", flagSet.Lookup("log-rotate-max-file-size-mb")); err != nil {
		return err
	}

	flagSet.BoolP("strace", "", false, "Print a trace line for every intercepted syscall.")
	if err := viper.BindPFlag("strace", flagSet.Lookup("strace")); err != nil {
		return err
	}

	flagSet.StringP("tracer", "", "", "Tracing substrate driver to use.")
	if err := viper.BindPFlag("tracer", flagSet.Lookup("tracer")); err != nil {
		return err
	}

	flagSet.StringArrayP("mount", "", nil, "Mount specification: type=bind|sqlite,src=<path>,dst=<sandbox path>. Repeatable.")
	return viper.BindPFlag("mounts", flagSet.Lookup("mount"))
}

// DecodeHook is the option to pass to viper.Unmarshal so mount specs
// and octal literals decode into their structured forms.
func DecodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		StringToMountSpecHookFunc(),
		stringToOctalHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

func stringToOctalHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(Octal(0)) {
			return data, nil
		}
		v, err := strconv.ParseUint(data.(string), 8, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing octal value %q: %w", data, err)
		}
		return Octal(v), nil
	}
}
