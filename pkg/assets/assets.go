// Copyright 2026 The Takeover Authors.
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

// Package assets holds the architecture-specific embedded static shell and
// materializes it, and the rendered pivot script, onto the staged
// directory.
package assets

import (
	_ "embed"
	"os"
	"path/filepath"
	"runtime"

	"github.com/balena-os/takeover/internal/migerr"
)

//go:embed armv7/busybox
var armhfBusybox []byte

//go:embed x86_64/busybox
var amd64Busybox []byte

// OSArch identifies the architecture an AssetSet was selected for.
type OSArch int

const (
	ARMHF OSArch = iota
	AMD64
)

func (a OSArch) String() string {
	if a == ARMHF {
		return "armhf"
	}
	return "amd64"
}

// AssetSet is the bundle of binary blobs compiled into takeover, narrowed
// to the one matching the running architecture.
type AssetSet struct {
	Arch    OSArch
	Busybox []byte
}

// Select chooses the embedded shell for the running architecture. It fails
// with UnsupportedArchitecture if the build doesn't carry a matching blob.
func Select() (*AssetSet, error) {
	switch runtime.GOARCH {
	case "arm":
		return &AssetSet{Arch: ARMHF, Busybox: armhfBusybox}, nil
	case "amd64":
		return &AssetSet{Arch: AMD64, Busybox: amd64Busybox}, nil
	default:
		return nil, migerr.New(migerr.UnsupportedArchitecture,
			"no embedded shell for architecture "+runtime.GOARCH)
	}
}

// BusyboxSize returns the size of the selected shell blob, used by
// StageDirector to size the staged tmpfs.
func (a *AssetSet) BusyboxSize() int64 { return int64(len(a.Busybox)) }

// MaterializeShell writes the shell blob into targetDir/busybox and marks it
// executable. Returns the absolute path.
func (a *AssetSet) MaterializeShell(targetDir string) (string, error) {
	target := filepath.Join(targetDir, "busybox")

	if err := os.WriteFile(target, a.Busybox, 0o644); err != nil {
		return "", migerr.Wrap(migerr.Io, err, "failed to write shell to "+target)
	}

	if err := os.Chmod(target, 0o755); err != nil {
		return "", migerr.Wrap(migerr.Subprocess, err,
			"failed to set executable flag on "+target)
	}

	return target, nil
}
