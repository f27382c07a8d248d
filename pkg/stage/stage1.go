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

package stage

import (
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/balena-os/takeover/internal/handoff"
	"github.com/balena-os/takeover/internal/migerr"
	"github.com/balena-os/takeover/internal/options"
	"github.com/balena-os/takeover/pkg/assets"
	"github.com/balena-os/takeover/pkg/device"
	"github.com/balena-os/takeover/pkg/migrateinfo"
	"github.com/balena-os/takeover/pkg/mountplan"
	"github.com/balena-os/takeover/pkg/pivot"
)

// extraHeadroom is added on top of image size + shell size when sizing the
// staged tmpfs, per the spec's "image size + 64 MiB + shell size" minimum.
const extraHeadroom = 64 << 20

// RunStage1 validates the invocation, stages the takeover environment under
// a memory-backed filesystem, and re-execs into the pivot script. It never
// returns on success: the last step replaces the process image. It returns
// an error only when the clean, pre-pivot abort path is taken.
func RunStage1(log *logrus.Logger, opts *options.Options) error {
	state := Validating

	imgInfo, err := os.Stat(opts.Image)
	if err != nil {
		return migerr.Wrap(migerr.Io, err, "image file not accessible: "+opts.Image)
	}

	assetSet, err := assets.Select()
	if err != nil {
		return err
	}

	probe, err := device.DetectFamily()
	if err != nil {
		return err
	}

	info, err := migrateinfo.Load(opts.Config)
	if err != nil {
		return err
	}

	targetDevice := opts.Device
	if targetDevice == "" {
		return migerr.New(migerr.InvalidParameter, "no target device specified and auto-detection is not configured")
	}

	if err := info.Check(log, migrateinfo.CheckOptions{
		APICheck:     opts.IsAPICheck(),
		VPNCheck:     opts.IsVPNCheck(),
		Force:        opts.Force,
		CheckTimeout: opts.CheckTimeout,
	}, probe); err != nil {
		return err
	}

	if err := pivot.CheckCapability(); err != nil {
		return err
	}

	state = Staging
	log.Infof("entering %s", state)

	requiredSize := imgInfo.Size() + extraHeadroom + assetSet.BusyboxSize()
	if err := ensureAvailableMemory(requiredSize); err != nil {
		return err
	}

	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to create staged directory: "+opts.WorkDir)
	}
	if err := mountTmpfs(opts.WorkDir, requiredSize); err != nil {
		cleanupStaged(opts.WorkDir)
		return err
	}

	cleanup := func(err error) error {
		cleanupStaged(opts.WorkDir)
		return err
	}

	if err := copySelf(opts.WorkDir); err != nil {
		return cleanup(err)
	}

	if _, err := assetSet.MaterializeShell(opts.WorkDir); err != nil {
		return cleanup(err)
	}

	if err := copyFile(opts.Image, filepath.Join(opts.WorkDir, "image")); err != nil {
		return cleanup(err)
	}

	if err := info.Write(filepath.Join(opts.WorkDir, "config.json")); err != nil {
		return cleanup(err)
	}

	pivotScript, err := assets.MaterializePivotScript(opts.WorkDir, opts.WorkDir, opts.TTY, opts.S2LogLevel)
	if err != nil {
		return cleanup(err)
	}

	plan, err := mountplan.Build(opts.WorkDir)
	if err != nil {
		return cleanup(err)
	}
	if err := plan.RefuseIfDeviceBusy(targetDevice); err != nil {
		return cleanup(err)
	}

	if err := pivot.BindPreserve(opts.WorkDir, plan.Preserve); err != nil {
		return cleanup(err)
	}

	ctx := &handoff.Context{
		StagedDir:    opts.WorkDir,
		Device:       targetDevice,
		ImagePath:    filepath.Join(opts.WorkDir, "image"),
		DeviceFamily: string(probe.Family),
		LogLevel:     opts.S2LogLevel.String(),
		Phase:        options.Init,
	}
	if err := handoff.Write(opts.WorkDir, ctx); err != nil {
		pivot.UnwindPreserve(opts.WorkDir, plan.Preserve)
		return cleanup(err)
	}

	if opts.DryRun {
		log.Info("dry-run: staging complete, stopping before pivot")
		pivot.UnwindPreserve(opts.WorkDir, plan.Preserve)
		return cleanup(nil)
	}

	log.Infof("entering %s: re-executing pivot script %s", Pivoting, pivotScript)
	return execPivotScript(pivotScript)
}

// execPivotScript replaces the current process with the rendered pivot
// script via execve, per the "re-exec as state transport" design note: the
// process must survive the pivot, so state crosses via the filesystem, not
// inherited memory or file descriptors.
func execPivotScript(scriptPath string) error {
	argv := []string{scriptPath}
	if err := unix.Exec(scriptPath, argv, os.Environ()); err != nil {
		return migerr.Wrap(migerr.Subprocess, err, "failed to exec pivot script")
	}
	return nil
}

func cleanupStaged(dir string) {
	_ = unix.Unmount(dir, unix.MNT_DETACH)
	_ = os.RemoveAll(dir)
}

func ensureAvailableMemory(required int64) error {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to query available memory")
	}
	available := int64(info.Freeram) * int64(info.Unit)
	if available < required {
		return migerr.New(migerr.Io, "insufficient RAM to stage takeover environment")
	}
	return nil
}

func mountTmpfs(target string, size int64) error {
	opts := "size=" + strconv.FormatInt(size, 10)
	if err := unix.Mount("tmpfs", target, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, opts); err != nil {
		return migerr.Wrap(migerr.Subprocess, err, "failed to mount staged tmpfs at "+target)
	}
	return nil
}

func copySelf(targetDir string) error {
	dst := filepath.Join(targetDir, "takeover")
	if err := copyFile("/proc/self/exe", dst); err != nil {
		return err
	}
	if err := os.Chmod(dst, 0o755); err != nil {
		return migerr.Wrap(migerr.Subprocess, err, "failed to set executable flag on "+dst)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to open "+src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to create "+dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to copy "+src+" to "+dst)
	}
	return nil
}
