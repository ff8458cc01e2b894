// Copyright 2025 Antfly, Inc.
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

// Package paths resolves the default on-disk locations used by nnsum.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultConfigDir returns ~/.nnsum, or the current directory when no home
// directory can be found.
func DefaultConfigDir() string {
	home := userHomeDir()
	if home == "" {
		return "."
	}
	return filepath.Join(home, ".nnsum")
}

// DefaultModelDir returns ~/.nnsum/model, the model directory used when none
// is configured.
func DefaultModelDir() string {
	return filepath.Join(DefaultConfigDir(), "model")
}

// userHomeDir prefers %USERPROFILE% on Windows, where $HOME from Git Bash may
// hold a Unix-style path.
func userHomeDir() string {
	if runtime.GOOS == "windows" {
		if home := os.Getenv("USERPROFILE"); home != "" {
			return home
		}
		if drive, path := os.Getenv("HOMEDRIVE"), os.Getenv("HOMEPATH"); drive != "" && path != "" {
			return filepath.Join(drive, path)
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}
