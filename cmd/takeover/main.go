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

// Command takeover seizes a running Linux device and replaces its OS image
// in place, pivoting through a RAM-resident environment so the old root
// can be safely released before the new image is written.
package main

import (
	"fmt"
	"os"

	"github.com/balena-os/takeover/internal/migerr"
	"github.com/balena-os/takeover/internal/options"
	"github.com/balena-os/takeover/pkg/logging"
	"github.com/balena-os/takeover/pkg/stage"
)

func main() {
	opts, err := options.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch opts.Phase() {
	case options.Stage2:
		runStage2(opts)
	case options.Init:
		runInit(opts)
	default:
		runStage1(opts)
	}
}

func runStage1(opts *options.Options) {
	log, err := logging.NewStage1(opts.LogLevel, "./stage1.log")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logging:", err)
		os.Exit(1)
	}

	if err := stage.RunStage1(log, opts); err != nil {
		if !migerr.IsDisplayed(err) {
			log.Errorf("stage1 failed: %v", err)
		}
		os.Exit(1)
	}

	// RunStage1 returning without an error before the pivot (a completed
	// dry run) exits 0; every error above exits 1.
	os.Exit(0)
}

func runInit(opts *options.Options) {
	log, _ := logging.NewPostPivot(opts.S2LogLevel, 256)
	if err := stage.RunInit(log, opts); err != nil {
		log.Errorf("init failed: %v", err)
	}
	// Init phases never return cleanly to a caller that could act on an
	// exit code: either it re-exec'd into stage2, or it's unrecoverable.
	os.Exit(1)
}

func runStage2(opts *options.Options) {
	log, ring := logging.NewPostPivot(opts.S2LogLevel, 256)
	stage.RunStage2(ring, log, opts)
	// RunStage2 always reboots; reaching here means even the forced
	// reboot call failed, which is unrecoverable and irrelevant to an exit
	// code nobody will read.
	os.Exit(1)
}
