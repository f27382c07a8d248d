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

package assets

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/balena-os/takeover/internal/migerr"
)

// pivotScriptTemplate has three literal slots: __TO__ (staged root),
// __TTY__ (tty path), __LOG_LEVEL__ (post-pivot log level). Substitution is
// a literal string replacement; slot markers must never appear inside a
// substituted value.
const pivotScriptTemplate = `#!__TO__/busybox sh
echo "takeover init started"
if [ -f "__TO____TTY__" ]; then
  exec <"__TO____TTY__" >"__TO____TTY__" 2>"__TO____TTY__"
fi
cd "__TO__"
echo "pivoting root"
mount --make-rprivate /
pivot_root . mnt/old_root
echo "chrooting and running init"
exec ./busybox chroot . /takeover --init --s2-log-level __LOG_LEVEL__
`

const (
	slotTo       = "__TO__"
	slotTTY      = "__TTY__"
	slotLogLevel = "__LOG_LEVEL__"
)

// RenderPivotScript substitutes the three named slots into the template.
// Substitution is rejected if stagedRoot or tty themselves contain a slot
// marker, since that would make the resulting script ambiguous to expand.
func RenderPivotScript(stagedRoot, tty string, logLevel logrus.Level) (string, error) {
	for _, v := range []string{stagedRoot, tty} {
		if strings.Contains(v, slotTo) || strings.Contains(v, slotTTY) || strings.Contains(v, slotLogLevel) {
			return "", migerr.New(migerr.InvalidParameter,
				"substituted value must not contain a slot marker: "+v)
		}
	}

	script := pivotScriptTemplate
	script = strings.ReplaceAll(script, slotTo, stagedRoot)
	script = strings.ReplaceAll(script, slotTTY, tty)
	script = strings.ReplaceAll(script, slotLogLevel, logLevel.String())

	return script, nil
}

// MaterializePivotScript renders the pivot script and writes it executable
// under targetDir/stage2.sh, returning its absolute path.
func MaterializePivotScript(targetDir, stagedRoot, tty string, logLevel logrus.Level) (string, error) {
	script, err := RenderPivotScript(stagedRoot, tty, logLevel)
	if err != nil {
		return "", err
	}

	outPath := targetDir + "/stage2.sh"
	if err := os.WriteFile(outPath, []byte(script), 0o644); err != nil {
		return "", migerr.Wrap(migerr.Io, err, "failed to write pivot script")
	}

	if err := os.Chmod(outPath, 0o755); err != nil {
		return "", migerr.Wrap(migerr.Subprocess, err,
			"failed to set executable flag on pivot script")
	}

	return outPath, nil
}
