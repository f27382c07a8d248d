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
	"bufio"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/balena-os/takeover/internal/handoff"
	"github.com/balena-os/takeover/internal/migerr"
	"github.com/balena-os/takeover/internal/options"
	"github.com/balena-os/takeover/pkg/svcstop"
)

// OldRootDir is the pivot target used by the rendered pivot script:
// "pivot_root . mnt/old_root", relative to the staged root, which is "/"
// once Init begins running chrooted into it.
const OldRootDir = "/mnt/old_root"

// RunInit runs inside the newly pivoted namespace. It reads the Context
// record, lazily unmounts everything still attached under the old root,
// stops remaining host services, and re-execs into Stage 2.
//
// Signal disposition is masked here per the spec's design note: interrupting
// after the pivot is never recoverable.
func RunInit(log *logrus.Logger, opts *options.Options) error {
	maskTerminationSignals()

	if !handoff.Exists("/", 2*time.Second) {
		log.Error("context record missing at init start; cannot recover, proceeding to stage2 best-effort")
	}

	ctx, err := handoff.Read("/")
	if err != nil {
		log.Errorf("failed to read context record: %v", err)
		return reExecStage2(log, opts, opts.S2LogLevel)
	}

	releaseLazyUnmount(log)

	if err := svcstop.StopAll(log, os.Getpid()); err != nil {
		log.Errorf("service stop sequence reported an error, continuing: %v", err)
	}

	logLevel := opts.S2LogLevel
	if lvl, lvlErr := logrus.ParseLevel(ctx.LogLevel); lvlErr == nil {
		logLevel = lvl
	} else {
		log.Warnf("context record carried an unparseable stage2 log level %q, falling back to the flag value: %v", ctx.LogLevel, lvlErr)
	}

	log.Infof("init complete for device %s, family %s; handing off to stage2", ctx.Device, ctx.DeviceFamily)
	return reExecStage2(log, opts, logLevel)
}

// releaseLazyUnmount unmounts every mount still attached under
// OldRootDir, deepest path first, so their backing devices (including the
// takeover target) become writable. A failure on one entry does not stop
// the sweep: the spec requires Init to continue with the remaining
// unmounts so the image can still be written.
func releaseLazyUnmount(log *logrus.Logger) {
	points, err := mountPointsUnder(OldRootDir)
	if err != nil {
		log.Errorf("failed to enumerate old root mounts: %v", err)
		return
	}

	sort.Slice(points, func(i, j int) bool {
		return strings.Count(points[i], "/") > strings.Count(points[j], "/")
	})

	for _, p := range points {
		if err := unix.Unmount(p, unix.MNT_DETACH); err != nil {
			log.Warnf("lazy unmount failed for %s, continuing: %v", p, err)
			continue
		}
		log.Debugf("lazily unmounted %s", p)
	}
}

func mountPointsUnder(prefix string) ([]string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, migerr.Wrap(migerr.Io, err, "failed to read mountinfo")
	}
	defer f.Close()

	var points []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		mp := fields[4]
		if mp == prefix || strings.HasPrefix(mp, prefix+"/") {
			points = append(points, mp)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, migerr.Wrap(migerr.Io, err, "failed to scan mountinfo")
	}
	return points, nil
}

func reExecStage2(log *logrus.Logger, opts *options.Options, logLevel logrus.Level) error {
	argv := []string{"/takeover", "--stage2", "--s2-log-level", logLevel.String()}
	if err := unix.Exec("/takeover", argv, os.Environ()); err != nil {
		log.Errorf("failed to exec into stage2: %v", err)
		return migerr.Wrap(migerr.Subprocess, err, "failed to exec stage2")
	}
	return nil
}

// maskTerminationSignals masks SIGINT/SIGTERM/SIGHUP, per the spec's
// resolution of the signal-masking open question: interruption after the
// pivot is never recoverable.
func maskTerminationSignals() {
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
}
