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

// Package handoff persists the Context record that carries state across the
// pivot, when only the filesystem survives the process's re-exec.
package handoff

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/balena-os/takeover/internal/migerr"
	"github.com/balena-os/takeover/internal/options"
)

// FileName is the Context record's name under the staged directory.
const FileName = "context.json"

// Context is the handoff record written at the end of Stage 1, read by Init
// and read again at the start of Stage 2.
type Context struct {
	StagedDir    string             `json:"staged_dir"`
	Device       string             `json:"device"`
	ImagePath    string             `json:"image_path"`
	DeviceFamily string             `json:"device_family"`
	LogLevel     string             `json:"log_level"`
	// Phase is the monotonically increasing marker naming the phase that
	// consumes this record next; Stage 1 always writes Init.
	Phase options.StagePhase `json:"phase"`
}

func path(stagedDir string) string {
	return filepath.Join(stagedDir, FileName)
}

func lockPath(stagedDir string) string {
	return filepath.Join(stagedDir, FileName+".lock")
}

// Write persists ctx to the staged directory, guarded by an flock so a
// concurrent read never observes a partial write.
func Write(stagedDir string, ctx *Context) error {
	lock := flock.New(lockPath(stagedDir))
	if err := lock.Lock(); err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to lock context file")
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to marshal context")
	}

	tmp := path(stagedDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to write context file")
	}
	if err := os.Rename(tmp, path(stagedDir)); err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to finalize context file")
	}
	return nil
}

// Read loads the Context record under stagedDir without removing it. Init
// uses this to pick up Device/DeviceFamily for its log line while leaving
// the record in place: Stage 2 is the phase that actually consumes
// Device/ImagePath/StagedDir, and per the single-source-of-truth invariant
// it must still find the record on disk when it starts.
func Read(stagedDir string) (*Context, error) {
	lock := flock.New(lockPath(stagedDir))
	if err := lock.Lock(); err != nil {
		return nil, migerr.Wrap(migerr.Io, err, "failed to lock context file")
	}
	defer lock.Unlock()

	p := path(stagedDir)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, migerr.New(migerr.NotFound, "context record missing: "+p)
		}
		return nil, migerr.Wrap(migerr.Io, err, "failed to read context file")
	}

	var ctx Context
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, migerr.Wrap(migerr.Io, err, "failed to parse context file")
	}

	return &ctx, nil
}

// Delete removes the Context record under stagedDir. Stage 2 calls this once
// it begins writing the new image, per the "created once, read once,
// deleted after stage 2 begins writing" invariant: until that point the
// record stays on disk in case stage2 needs to be retried.
func Delete(stagedDir string) error {
	lock := flock.New(lockPath(stagedDir))
	if err := lock.Lock(); err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to lock context file")
	}
	defer lock.Unlock()

	p := path(stagedDir)
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return migerr.New(migerr.NotFound, "context record missing: "+p)
		}
		return migerr.Wrap(migerr.Io, err, "failed to delete context file")
	}
	return nil
}

// ReadAndDelete reads the Context record and immediately removes it, for
// callers that don't need the file to survive between the two steps.
func ReadAndDelete(stagedDir string) (*Context, error) {
	ctx, err := Read(stagedDir)
	if err != nil {
		return nil, err
	}
	if err := Delete(stagedDir); err != nil {
		return nil, err
	}
	return ctx, nil
}

// waitForFile is used by Init, which may race the pivot script's final
// write; it polls briefly rather than failing on the first miss.
func waitForFile(p string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(p); err == nil {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

// Exists reports whether a context record is currently present under
// stagedDir, waiting up to timeout for it to appear.
func Exists(stagedDir string, timeout time.Duration) bool {
	return waitForFile(path(stagedDir), timeout)
}
