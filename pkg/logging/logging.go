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

// Package logging configures the two logging regimes takeover needs:
// stderr+file before the pivot, and a bounded ring buffer after it.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewStage1 returns a logger that writes to stderr and tees into logFile
// under the invocation directory, mirroring the teacher's
// io.MultiWriter(std.Out, logFile) pattern for mirroring shim logs.
func NewStage1(level logrus.Level, logFile string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return log, nil
}

// NewPostPivot returns a logger backed by a bounded Ring, for use in Init and
// Stage 2 once the original root's stage1.log is no longer reachable.
func NewPostPivot(level logrus.Level, capacity int) (*logrus.Logger, *Ring) {
	ring := NewRing(capacity)
	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	log.SetOutput(ring)
	return log, ring
}
