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

// Package mountplan enumerates the mounts that must survive the pivot
// (Preserve) and those that must be torn down after it (Release), grounded
// on the teacher's SafeMount/SafeSetupAndMount bind-mount helpers in
// runsc/cmd/chroot.go.
package mountplan

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/balena-os/takeover/internal/migerr"
)

// Mount describes one planned bind mount into the staged root, or one
// mount torn down after the pivot.
type Mount struct {
	Source string
	Target string // relative to the staged root (Preserve); absolute pre-pivot mount point (Release)
	FSType string
	Flags  uintptr
	Depth  int // mountpoint path depth, used to order Release deepest-first
}

// Plan is the output of MountPlanner: the ordered Preserve and Release
// lists.
type Plan struct {
	Preserve []Mount
	Release  []Mount
}

// defaultPreserve are the kernel virtual filesystems every staged
// environment needs bind-mounted in before the pivot.
var defaultPreserve = []string{"/proc", "/sys", "/dev", "/run"}

// Build enumerates mounts from /proc/self/mountinfo, producing the
// Preserve and Release lists. imageSourceMount, if non-empty, is bind
// mounted into the staged tree when it resides on a separate filesystem
// than the staged directory itself (e.g. a USB stick holding the image).
func Build(imageSourceMount string) (*Plan, error) {
	entries, err := readMountinfo()
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	preserveSet := map[string]bool{}
	for _, p := range defaultPreserve {
		preserveSet[p] = true
	}
	if imageSourceMount != "" {
		preserveSet[imageSourceMount] = true
	}

	for _, e := range entries {
		if preserveSet[e.mountPoint] {
			plan.Preserve = append(plan.Preserve, Mount{
				Source: e.mountPoint,
				Target: strings.TrimPrefix(e.mountPoint, "/"),
				FSType: "bind",
				Flags:  unix.MS_BIND | unix.MS_REC,
				Depth:  depth(e.mountPoint),
			})
			continue
		}
		plan.Release = append(plan.Release, Mount{
			Source: e.mountPoint,
			Target: e.mountPoint,
			FSType: e.fsType,
			Depth:  depth(e.mountPoint),
		})
	}

	// Deepest-first so nested mounts detach before their parents.
	sort.Slice(plan.Release, func(i, j int) bool {
		return plan.Release[i].Depth > plan.Release[j].Depth
	})

	return plan, nil
}

// RefuseIfDeviceBusy reports an InvalidParameter error naming the
// offending mount point if device is mounted anywhere that isn't in the
// Release list (i.e. it would survive the pivot and block Stage 2 from
// opening it O_EXCL).
func (p *Plan) RefuseIfDeviceBusy(device string) error {
	releasable := map[string]bool{}
	for _, m := range p.Release {
		releasable[m.Source] = true
	}

	entries, err := readMountinfo()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.source != device {
			continue
		}
		if !releasable[e.mountPoint] {
			return migerr.New(migerr.InvalidParameter,
				"target device is mounted at "+e.mountPoint+" and will not be released before the pivot")
		}
	}
	return nil
}

type mountinfoEntry struct {
	mountPoint string
	fsType     string
	source     string
}

func readMountinfo() ([]mountinfoEntry, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, migerr.Wrap(migerr.Io, err, "failed to read mountinfo")
	}
	defer f.Close()

	var entries []mountinfoEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// mountinfo fields are separated by a literal "-" field; everything
		// after it is fstype, source, super options.
		dashIdx := -1
		for i, f := range fields {
			if f == "-" {
				dashIdx = i
				break
			}
		}
		if dashIdx < 0 || dashIdx+2 >= len(fields) {
			continue
		}
		entries = append(entries, mountinfoEntry{
			mountPoint: fields[4],
			fsType:     fields[dashIdx+1],
			source:     fields[dashIdx+2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, migerr.Wrap(migerr.Io, err, "failed to scan mountinfo")
	}
	return entries, nil
}

func depth(p string) int {
	clean := filepath.Clean(p)
	if clean == "/" {
		return 0
	}
	return len(strings.Split(strings.Trim(clean, "/"), "/"))
}
