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

package options

import (
	"encoding/json"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	opts, err := Parse([]string{"--image", "/tmp/resin.img"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Image != "/tmp/resin.img" {
		t.Fatalf("expected image to be set, got %q", opts.Image)
	}
	if opts.WorkDir != "/mnt/take_off" {
		t.Fatalf("unexpected default work-dir: %q", opts.WorkDir)
	}
	if opts.Phase() != Stage1 {
		t.Fatalf("expected Stage1 phase by default, got %v", opts.Phase())
	}
	if !opts.IsAPICheck() || !opts.IsVPNCheck() {
		t.Fatal("reachability checks should default to enabled")
	}
}

func TestParsePhaseSelectors(t *testing.T) {
	opts, err := Parse([]string{"--init"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Phase() != Init {
		t.Fatalf("expected Init phase, got %v", opts.Phase())
	}

	opts, err = Parse([]string{"--stage2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Phase() != Stage2 {
		t.Fatalf("expected Stage2 phase, got %v", opts.Phase())
	}
}

func TestParseRejectsBadLogLevel(t *testing.T) {
	if _, err := Parse([]string{"--log-level", "not-a-level"}); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func TestStagePhaseJSONRoundTrip(t *testing.T) {
	for _, p := range []StagePhase{Stage1, Init, Stage2} {
		data, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal %v: %v", p, err)
		}

		var decoded StagePhase
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal %v: %v", p, err)
		}
		if decoded != p {
			t.Fatalf("round trip mismatch: %v became %v via %s", p, decoded, data)
		}
	}
}
