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
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/balena-os/takeover/internal/handoff"
	"github.com/balena-os/takeover/internal/options"
	"github.com/balena-os/takeover/pkg/device"
	"github.com/balena-os/takeover/pkg/flasher"
	"github.com/balena-os/takeover/pkg/logging"
	"github.com/balena-os/takeover/pkg/ttyconsole"
)

// Reboot abstracts the kernel reboot syscall so tests can substitute a
// no-op. Production code must never skip this: no error past the start of
// Writing is recoverable, so Stage 2 always forces a reboot at the end,
// logged but not obeyed if it fails.
var Reboot = func() error {
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}

// RunStage2 opens the target block device exclusively, streams the staged
// image to it, verifies the write, runs the device's boot fixup, syncs,
// and reboots. Every error from here on is logged to the ring buffer and
// flushed to the TTY; none of them stop the forced reboot at the end.
func RunStage2(ring *logging.Ring, log *logrus.Logger, opts *options.Options) {
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	con, ttyErr := ttyconsole.Open(opts.TTY)
	if ttyErr != nil {
		log.Warnf("could not open console %s in raw-reset mode, falling back to a plain file handle: %v", opts.TTY, ttyErr)
	}
	fallback, fallbackErr := os.OpenFile(opts.TTY, os.O_WRONLY, 0)

	flush := func() {
		switch {
		case ttyErr == nil:
			ring.FlushTo(con)
		case fallbackErr == nil:
			ring.FlushTo(fallback)
		}
	}
	// Whatever happens below, Stage 2 always ends in a forced reboot: an
	// error before the image write leaves the old root bootable (it was
	// only lazily unmounted), an error during or after it means the device
	// is expected to come up on the new image instead. Closing the console
	// handles after the reboot call is attempted is harmless: a successful
	// reboot never returns, and a failed one still deserves the log line
	// flushed before takeover gives up.
	defer func() {
		flush()
		if err := Reboot(); err != nil {
			log.Errorf("reboot syscall failed: %v", err)
		}
		flush()
		if con != nil {
			con.Close()
		}
		if fallback != nil {
			fallback.Close()
		}
	}()

	// The Context record is the single source of truth for Device, ImagePath
	// and StagedDir between phases: opts carries only what was passed on
	// this process's own argv, and reExecStage2 never forwards those flags.
	ctx, err := handoff.Read("/")
	if err != nil {
		log.Errorf("failed to read context record: %v", err)
		return
	}

	probe, err := device.DetectFamily()
	if err != nil {
		log.Errorf("device family detection failed in stage2: %v", err)
		return
	}

	target, err := flasher.OpenTarget(ctx.Device)
	if err != nil {
		log.Errorf("failed to open target device: %v", err)
		return
	}
	defer target.Close()

	src, err := os.Open(ctx.ImagePath)
	if err != nil {
		log.Errorf("failed to open staged image: %v", err)
		return
	}
	defer src.Close()

	srcInfo, err := src.Stat()
	if err != nil {
		log.Errorf("failed to stat staged image: %v", err)
		return
	}

	// The record is deleted here, at the point stage2 commits to writing:
	// per the handoff invariant it's "read once, deleted after stage 2
	// begins writing", not deleted the moment it's read.
	if err := handoff.Delete("/"); err != nil {
		log.Warnf("failed to delete context record at write start: %v", err)
	}

	written, err := flasher.Write(target, src)
	if err != nil {
		log.Errorf("image write failed after %d bytes: %v", written, err)
		return
	}
	if written != srcInfo.Size() {
		log.Errorf("written length %d does not match image size %d", written, srcInfo.Size())
		return
	}

	if err := flasher.Verify(ctx.ImagePath, ctx.Device, srcInfo.Size()); err != nil {
		log.Errorf("write verification failed: %v", err)
		return
	}

	if err := probe.BootFixup(ctx.StagedDir); err != nil {
		log.Errorf("boot fixup failed: %v", err)
		return
	}

	unix.Sync()
	log.Info("stage2 complete, rebooting")
}
