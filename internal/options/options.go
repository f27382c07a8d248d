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

// Package options resolves the invocation surface (flags) into the
// immutable Options record consumed by every phase.
package options

import (
	"flag"
	"time"

	"github.com/sirupsen/logrus"
)

// StagePhase tags which of the three takeover phases a process is running.
type StagePhase int

const (
	Stage1 StagePhase = iota
	Init
	Stage2
)

func (p StagePhase) String() string {
	switch p {
	case Init:
		return "init"
	case Stage2:
		return "stage2"
	default:
		return "stage1"
	}
}

// MarshalJSON encodes the phase as its name, so the persisted Context
// record stays human-readable on tmpfs.
func (p StagePhase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// UnmarshalJSON decodes a phase name back into a StagePhase.
func (p *StagePhase) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"init"`:
		*p = Init
	case `"stage2"`:
		*p = Stage2
	default:
		*p = Stage1
	}
	return nil
}

// Options is the static configuration resolved from argv. It is immutable
// once Stage1 begins.
type Options struct {
	WorkDir      string
	Device       string
	Image        string
	Config       string
	TTY          string
	LogLevel     logrus.Level
	S2LogLevel   logrus.Level
	NoAPICheck   bool
	NoVPNCheck   bool
	CheckTimeout time.Duration
	Force        bool
	DryRun       bool

	initFlag   bool
	stage2Flag bool
}

// IsAPICheck reports whether the API reachability check should run.
func (o *Options) IsAPICheck() bool { return !o.NoAPICheck }

// IsVPNCheck reports whether the VPN reachability check should run.
func (o *Options) IsVPNCheck() bool { return !o.NoVPNCheck }

// Phase derives the StagePhase from the reserved re-exec flags.
func (o *Options) Phase() StagePhase {
	switch {
	case o.stage2Flag:
		return Stage2
	case o.initFlag:
		return Init
	default:
		return Stage1
	}
}

// Parse builds Options from argv. Flag parsing itself is a thin pass-through
// over the standard library; the spec treats the CLI surface as an external
// collaborator and specifies only the flag names and their meaning.
func Parse(args []string) (*Options, error) {
	fs := flag.NewFlagSet("takeover", flag.ContinueOnError)

	opts := &Options{}
	var logLevel, s2LogLevel string
	var checkTimeout time.Duration

	fs.StringVar(&opts.WorkDir, "work-dir", "/mnt/take_off", "staged environment location")
	fs.StringVar(&opts.Image, "image", "", "path to the new OS image")
	fs.StringVar(&opts.Config, "config", "config.json", "path to the config payload")
	fs.StringVar(&opts.Device, "device", "", "target block device (required; not auto-detected)")
	fs.StringVar(&logLevel, "log-level", "info", "stage1 log level")
	fs.StringVar(&s2LogLevel, "s2-log-level", "warn", "post-pivot log level")
	fs.StringVar(&opts.TTY, "tty", "/dev/console", "tty used for post-pivot I/O")
	fs.BoolVar(&opts.NoAPICheck, "no-api-check", false, "skip the API reachability check")
	fs.BoolVar(&opts.NoVPNCheck, "no-vpn-check", false, "skip the VPN reachability check")
	fs.DurationVar(&checkTimeout, "check-timeout", 20*time.Second, "reachability check timeout")
	fs.BoolVar(&opts.Force, "force", false, "proceed despite failed reachability checks")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "stop after staging without pivoting")
	fs.BoolVar(&opts.initFlag, "init", false, "reserved: re-exec into the init phase")
	fs.BoolVar(&opts.stage2Flag, "stage2", false, "reserved: re-exec into stage 2")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	opts.LogLevel = lvl

	s2lvl, err := logrus.ParseLevel(s2LogLevel)
	if err != nil {
		return nil, err
	}
	opts.S2LogLevel = s2lvl
	opts.CheckTimeout = checkTimeout

	return opts, nil
}
