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

// Package ttyconsole wraps the tty takeover writes its post-pivot ring
// buffer to, the same console.Console idiom the teacher's shim uses for
// ResizePty, so a console left in raw mode by whatever ran before takeover
// doesn't swallow or mangle the final diagnostic output.
package ttyconsole

import (
	"os"

	"github.com/containerd/console"

	"github.com/balena-os/takeover/internal/migerr"
)

// Open opens path read-write and resets it to sane cooked-mode terminal
// settings. The returned console.Console is an io.Writer suitable for
// Ring.FlushTo.
func Open(path string) (console.Console, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, migerr.Wrap(migerr.Io, err, "failed to open console "+path)
	}

	c, err := console.ConsoleFromFile(f)
	if err != nil {
		f.Close()
		return nil, migerr.Wrap(migerr.Io, err, "failed to wrap console "+path)
	}

	if err := c.Reset(); err != nil {
		c.Close()
		return nil, migerr.Wrap(migerr.Io, err, "failed to reset console "+path)
	}

	return c, nil
}
