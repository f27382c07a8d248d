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

// Package pivot holds the mount-namespace pivot steps as direct
// golang.org/x/sys/unix syscalls, grounded on runsc/cmd/chroot.go's
// pivotRoot/setUpChroot. Stage 1 uses CheckCapability, BindPreserve and
// UnwindPreserve; the pivot itself is performed by the rendered pivot
// script through busybox mount/pivot_root/chroot, and Pivot and Chroot are
// not called by the stage code.
package pivot

import (
	"os"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"

	"github.com/balena-os/takeover/internal/migerr"
	"github.com/balena-os/takeover/pkg/mountplan"
)

// CheckCapability verifies the process holds CAP_SYS_ADMIN, the capability
// pivot_root and mount require. A pivot attempt without it would fail deep
// into the sequence, after bind mounts are already in place; checking
// first lets Stage 1 abort cleanly instead.
func CheckCapability() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return migerr.Wrap(migerr.Subprocess, err, "failed to inspect process capabilities")
	}
	if err := caps.Load(); err != nil {
		return migerr.Wrap(migerr.Subprocess, err, "failed to load process capabilities")
	}
	if !caps.Get(capability.EFFECTIVE, capability.CAP_SYS_ADMIN) {
		return migerr.New(migerr.PivotFailed, "process lacks CAP_SYS_ADMIN, required for pivot_root")
	}
	return nil
}

// BindPreserve executes the Preserve bind-mounts into the staged tree,
// ahead of the pivot. It unwinds mounts it already performed if a later
// one fails, since this step runs before the pivot and is still
// recoverable.
func BindPreserve(stagedRoot string, mounts []mountplan.Mount) error {
	var done []string

	unwind := func() {
		for i := len(done) - 1; i >= 0; i-- {
			_ = unix.Unmount(done[i], unix.MNT_DETACH)
		}
	}

	for _, m := range mounts {
		dst := stagedRoot + "/" + m.Target
		if err := os.MkdirAll(dst, 0o755); err != nil {
			unwind()
			return migerr.Wrap(migerr.Io, err, "failed to create mountpoint "+dst)
		}
		if err := unix.Mount(m.Source, dst, "", m.Flags, ""); err != nil {
			unwind()
			return migerr.Wrap(migerr.Subprocess, err, "failed to bind mount "+m.Source+" at "+dst)
		}
		done = append(done, dst)
	}

	return nil
}

// UnwindPreserve lazily unmounts everything BindPreserve set up, used when
// Staging aborts after some bind mounts already succeeded.
func UnwindPreserve(stagedRoot string, mounts []mountplan.Mount) {
	for i := len(mounts) - 1; i >= 0; i-- {
		dst := stagedRoot + "/" + mounts[i].Target
		_ = unix.Unmount(dst, unix.MNT_DETACH)
	}
}

// Pivot performs the pivot_root(root, root/mnt/old_root) dance: make mount
// propagation private, pivot, then leave the old root mounted at
// mnt/old_root inside the new root (it is detached later, from Init, which
// lazily unmounts every mount it finds under /mnt/old_root).
//
// Each step's failure maps to PivotFailed. Before Pivot succeeds this is
// recoverable by the caller unwinding the bind mounts; after it returns
// nil, it is not.
func Pivot(stagedRoot string) error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return migerr.Wrap(migerr.PivotFailed, err, "failed to make mount propagation private")
	}

	if err := os.Chdir(stagedRoot); err != nil {
		return migerr.Wrap(migerr.PivotFailed, err, "failed to chdir into staged root")
	}

	oldRoot := "mnt/old_root"
	if err := os.MkdirAll(oldRoot, 0o755); err != nil {
		return migerr.Wrap(migerr.PivotFailed, err, "failed to create "+oldRoot)
	}

	if err := unix.PivotRoot(".", oldRoot); err != nil {
		return migerr.Wrap(migerr.PivotFailed, err, "pivot_root failed")
	}

	if err := os.Chdir("/"); err != nil {
		return migerr.Wrap(migerr.PivotFailed, err, "failed to chdir to new root")
	}

	return nil
}

// Chroot changes the process root to dir, for the chroot ./busybox chroot
// . /takeover step the rendered pivot script performs from the shell; the
// equivalent direct-syscall form is exposed here for callers (such as
// tests) that drive the same sequence without shelling out to busybox.
func Chroot(dir string) error {
	if err := unix.Chroot(dir); err != nil {
		return migerr.Wrap(migerr.PivotFailed, err, "chroot failed")
	}
	return os.Chdir("/")
}
