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

// Package svcstop stops the host's remaining user services before Init
// lazily unmounts the old root. It first tries an orderly systemd stop over
// D-Bus, falling back to the spec's SIGTERM/wait/SIGKILL sweep for
// anything D-Bus can't or won't reach.
package svcstop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/sirupsen/logrus"
)

// GracePeriod is the spec's "wait <= 5s" window between SIGTERM and
// SIGKILL.
const GracePeriod = 5 * time.Second

// StopAll stops every systemd unit it can reach over D-Bus, then signals
// any process still running (excluding the current process tree) with
// SIGTERM, waits up to GracePeriod, and SIGKILLs the remainder.
func StopAll(log *logrus.Logger, selfPID int) error {
	stoppedViaSystemd := stopViaSystemd(log)

	return killAllExcept(log, selfPID, stoppedViaSystemd)
}

// stopViaSystemd asks systemd to stop every active .service unit, except
// protectedUnits, in an orderly fashion. It returns the set of PIDs it successfully stopped, so
// the signal sweep doesn't redundantly re-signal them. Any D-Bus failure
// (e.g. no systemd on this rescue image) is logged and treated as "stopped
// nothing"; the signal sweep is the guaranteed backstop.
func stopViaSystemd(log *logrus.Logger) map[int]bool {
	stopped := map[int]bool{}

	conn, err := systemdDbus.NewSystemConnectionContext(context.Background())
	if err != nil {
		log.Warnf("systemd dbus connection unavailable, falling back to signal sweep: %v", err)
		return stopped
	}
	defer conn.Close()

	units, err := conn.ListUnitsContext(context.Background())
	if err != nil {
		log.Warnf("failed to list systemd units, falling back to signal sweep: %v", err)
		return stopped
	}

	for _, u := range units {
		if u.ActiveState != "active" || !strings.HasSuffix(u.Name, ".service") {
			continue
		}
		if isProtectedUnit(u.Name) {
			continue
		}

		pid, pidErr := mainPID(conn, u.Name)

		ch := make(chan string, 1)
		if _, err := conn.StopUnitContext(context.Background(), u.Name, "replace", ch); err != nil {
			log.Debugf("failed to stop unit %s: %v", u.Name, err)
			continue
		}
		select {
		case <-ch:
			log.Debugf("stopped unit %s via systemd", u.Name)
			if pidErr == nil && pid > 0 {
				stopped[pid] = true
			}
		case <-time.After(GracePeriod):
			log.Debugf("timed out waiting for unit %s to stop", u.Name)
		}
	}

	return stopped
}

// mainPID looks up a service unit's MainPID property over D-Bus, used to
// populate the stopped set before killAllExcept's signal sweep runs.
func mainPID(conn *systemdDbus.Conn, unit string) (int, error) {
	prop, err := conn.GetUnitTypePropertyContext(context.Background(), unit, "Service", "MainPID")
	if err != nil {
		return 0, err
	}
	pid, ok := prop.Value.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("unexpected MainPID value type %T for unit %s", prop.Value.Value(), unit)
	}
	return int(pid), nil
}

// protectedUnits are skipped by the orderly stop pass (dbus, which that
// pass talks over, and journald); their processes are left to the signal
// sweep like any other process outside the self-pid tree.
var protectedUnits = []string{"dbus.service", "systemd-journald.service"}

func isProtectedUnit(name string) bool {
	for _, p := range protectedUnits {
		if name == p {
			return true
		}
	}
	return false
}

// killAllExcept signals every process in /proc except selfPID and its
// descendants, and anything already confirmed stopped, with SIGTERM, waits
// up to GracePeriod, then SIGKILLs survivors.
func killAllExcept(log *logrus.Logger, selfPID int, alreadyStopped map[int]bool) error {
	excluded := processTree(selfPID)

	pids := listPIDs()
	var targets []int
	for _, pid := range pids {
		if excluded[pid] || alreadyStopped[pid] {
			continue
		}
		targets = append(targets, pid)
	}

	for _, pid := range targets {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(GracePeriod)
	for time.Now().Before(deadline) {
		if !anyAlive(targets) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, pid := range targets {
		if processAlive(pid) {
			log.Debugf("force-killing pid %d", pid)
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}

	return nil
}

func listPIDs() []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// processTree returns pid and every descendant reachable by walking
// /proc/*/stat's parent pid field, so the current process (and anything it
// spawned, such as a dbus helper) is never signaled.
func processTree(pid int) map[int]bool {
	children := map[int][]int{}
	for _, p := range listPIDs() {
		ppid := parentPID(p)
		children[ppid] = append(children[ppid], p)
	}

	tree := map[int]bool{pid: true}
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			if !tree[child] {
				tree[child] = true
				queue = append(queue, child)
			}
		}
	}
	return tree
}

func parentPID(pid int) int {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return -1
	}
	// Fields after the ')' closing the comm field are space separated;
	// the second of them (field 4 of the whole line) is ppid.
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 || idx+2 >= len(data) {
		return -1
	}
	fields := strings.Fields(string(data[idx+2:]))
	if len(fields) < 2 {
		return -1
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return -1
	}
	return ppid
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func anyAlive(pids []int) bool {
	for _, pid := range pids {
		if processAlive(pid) {
			return true
		}
	}
	return false
}
