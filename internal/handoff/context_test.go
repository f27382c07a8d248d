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

package handoff

import (
	"os"
	"testing"
	"time"

	"github.com/balena-os/takeover/internal/options"
)

func TestWriteReadAndDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()

	ctx := &Context{
		StagedDir:    dir,
		Device:       "/dev/mmcblk0",
		ImagePath:    dir + "/image",
		DeviceFamily: "ARMHF-class-A",
		LogLevel:     "warning",
		Phase:        options.Init,
	}

	if err := Write(dir, ctx); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if !Exists(dir, time.Second) {
		t.Fatal("expected Exists to report the context record present")
	}

	got, err := ReadAndDelete(dir)
	if err != nil {
		t.Fatalf("ReadAndDelete: %v", err)
	}
	if *got != *ctx {
		t.Fatalf("round trip mismatch: got %+v, want %+v", *got, *ctx)
	}

	if _, err := os.Stat(path(dir)); !os.IsNotExist(err) {
		t.Fatal("expected context file to be removed after ReadAndDelete")
	}
}

func TestReadDoesNotDelete(t *testing.T) {
	dir := t.TempDir()
	ctx := &Context{StagedDir: dir, Device: "/dev/mmcblk0", Phase: options.Init}
	if err := Write(dir, ctx); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if *got != *ctx {
		t.Fatalf("round trip mismatch: got %+v, want %+v", *got, *ctx)
	}

	if _, err := Read(dir); err != nil {
		t.Fatalf("second Read should still find the record: %v", err)
	}

	if err := Delete(dir); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path(dir)); !os.IsNotExist(err) {
		t.Fatal("expected context file to be removed after Delete")
	}
}

func TestReadAndDeleteMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadAndDelete(dir); err == nil {
		t.Fatal("expected an error reading a context record that was never written")
	}
}

func TestReadAndDeleteIsSingleUse(t *testing.T) {
	dir := t.TempDir()
	ctx := &Context{StagedDir: dir, Phase: options.Stage2}
	if err := Write(dir, ctx); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := ReadAndDelete(dir); err != nil {
		t.Fatalf("first ReadAndDelete: %v", err)
	}
	if _, err := ReadAndDelete(dir); err == nil {
		t.Fatal("a second ReadAndDelete must fail: the record is gone")
	}
}
