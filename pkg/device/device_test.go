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

package device

import (
	"testing"

	"github.com/balena-os/takeover/internal/migerr"
)

func TestSupportsDeviceType(t *testing.T) {
	p := &Probe{Family: ARMHFClassA}

	if !p.SupportsDeviceType("raspberrypi4-64") {
		t.Fatal("expected raspberrypi4-64 to be supported by ARMHFClassA")
	}
	if p.SupportsDeviceType("genericx86-64") {
		t.Fatal("genericx86-64 belongs to AMD64ClassB, not ARMHFClassA")
	}
	if p.SupportsDeviceType("made-up-type") {
		t.Fatal("an unknown device type must never be supported")
	}
}

func TestBootFixupRejectsUnknownFamily(t *testing.T) {
	p := &Probe{Family: Unknown}
	err := p.BootFixup("/dev/mmcblk0")
	if migerr.KindOf(err) != migerr.UnsupportedDevice {
		t.Fatalf("expected UnsupportedDevice, got %v", migerr.KindOf(err))
	}
}

func TestBootFixupAcceptsKnownFamilies(t *testing.T) {
	for _, f := range []Family{ARMHFClassA, AMD64ClassB} {
		p := &Probe{Family: f}
		if err := p.BootFixup("/dev/mmcblk0"); err != nil {
			t.Fatalf("BootFixup for %v: %v", f, err)
		}
	}
}
