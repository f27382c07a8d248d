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

package assets

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/balena-os/takeover/internal/migerr"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

func TestSelectReturnsMatchingMagicBlob(t *testing.T) {
	set, err := Select()
	if runtime.GOARCH != "arm" && runtime.GOARCH != "amd64" {
		if err == nil {
			t.Fatal("expected UnsupportedArchitecture on an architecture with no embedded shell")
		}
		if migerr.KindOf(err) != migerr.UnsupportedArchitecture {
			t.Fatalf("expected UnsupportedArchitecture, got %v", migerr.KindOf(err))
		}
		return
	}
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(set.Busybox) < 4 {
		t.Fatal("expected a non-empty shell blob")
	}
	for i, b := range elfMagic {
		if set.Busybox[i] != b {
			t.Fatalf("shell blob missing ELF magic at byte %d", i)
		}
	}
	if set.BusyboxSize() != int64(len(set.Busybox)) {
		t.Fatal("BusyboxSize must match the blob length")
	}
}

func TestMaterializeShellWritesExecutableFile(t *testing.T) {
	set := &AssetSet{Arch: AMD64, Busybox: append([]byte(nil), elfMagic...)}
	dir := t.TempDir()

	path, err := set.MaterializeShell(dir)
	if err != nil {
		t.Fatalf("MaterializeShell: %v", err)
	}
	if path != filepath.Join(dir, "busybox") {
		t.Fatalf("unexpected path: %q", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Fatal("expected the materialized shell to be executable")
	}
}
