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

package cfg

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Mount types accepted in a mount specification.
const (
	MountTypeBind   = "bind"
	MountTypeSqlite = "sqlite"
)

// MountSpec is one parsed mount specification: a subtree of the
// sandbox bound to a host directory or to a SQLite backing store.
type MountSpec struct {
	// Type is MountTypeBind or MountTypeSqlite.
	Type string `mapstructure:"type"`

	// Src is the canonicalised host directory for bind mounts, or the
	// backing-store path (taken as given) for sqlite mounts.
	Src string `mapstructure:"src"`

	// Dst is the absolute destination path inside the sandbox.
	Dst string `mapstructure:"dst"`
}

// ParseMountSpec parses the comma-separated key=value grammar used by
// the --mount flag: `type=bind,src=/host/path,dst=/sandbox/path`.
// `source` and `target` are accepted as aliases for `src` and `dst`;
// duplicate keys are rejected; `dst` must be absolute; for bind
// mounts `src` must exist and is canonicalised.
func ParseMountSpec(s string) (MountSpec, error) {
	options := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return MountSpec{}, fmt.Errorf("invalid mount option %q, expected format key=value", part)
		}
		if _, dup := options[kv[0]]; dup {
			return MountSpec{}, fmt.Errorf("duplicate key %q in mount specification", kv[0])
		}
		options[kv[0]] = kv[1]
	}

	mountType, ok := options["type"]
	if !ok {
		return MountSpec{}, fmt.Errorf("missing required field 'type', example: type=bind,src=/host/path,dst=/sandbox/path")
	}

	src, ok := options["src"]
	if !ok {
		src, ok = options["source"]
	}
	if !ok || src == "" {
		return MountSpec{}, fmt.Errorf("%s mount requires 'src' field", mountType)
	}

	dst, ok := options["dst"]
	if !ok {
		dst, ok = options["target"]
	}
	if !ok || dst == "" {
		return MountSpec{}, fmt.Errorf("%s mount requires 'dst' field", mountType)
	}
	if !filepath.IsAbs(dst) {
		return MountSpec{}, fmt.Errorf("destination path %q must be absolute", dst)
	}
	dst = filepath.Clean(dst)

	switch mountType {
	case MountTypeBind:
		// The host side must exist; symlinks are resolved up front so
		// path rewriting is a pure prefix swap later.
		resolved, err := filepath.EvalSymlinks(src)
		if err != nil {
			return MountSpec{}, fmt.Errorf("canonicalizing source path %q: %w", src, err)
		}
		if resolved, err = filepath.Abs(resolved); err != nil {
			return MountSpec{}, fmt.Errorf("canonicalizing source path %q: %w", src, err)
		}
		return MountSpec{Type: MountTypeBind, Src: resolved, Dst: dst}, nil

	case MountTypeSqlite:
		return MountSpec{Type: MountTypeSqlite, Src: src, Dst: dst}, nil

	default:
		return MountSpec{}, fmt.Errorf("unsupported mount type %q, supported types: bind, sqlite", mountType)
	}
}

// StringToMountSpecHookFunc lets viper decode a mount specification
// string straight into a MountSpec.
func StringToMountSpecHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(MountSpec{}) {
			return data, nil
		}
		return ParseMountSpec(data.(string))
	}
}
