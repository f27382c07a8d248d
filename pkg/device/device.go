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

// Package device classifies the running hardware into a closed set of
// device families by reading kernel-published identifiers, the same
// "read a /proc or /sys identifier, classify, gate a feature" shape the
// teacher uses to detect optional hardware (see nvproxy's device probing).
package device

import (
	"os"
	"strings"

	"github.com/balena-os/takeover/internal/migerr"
)

// Family is a closed set of supported device families.
type Family string

const (
	ARMHFClassA Family = "ARMHF-class-A"
	AMD64ClassB Family = "AMD64-class-B"
	Unknown     Family = ""
)

// familyMatchers is the per-family set of kernel-published identifiers
// that indicate a match. The concrete family/feature matrix is data,
// supplied by an external device-family detection table in the full
// product; this is a representative subset sufficient to exercise the
// probing mechanism itself.
var familyMatchers = []struct {
	family       Family
	dtCompatible []string
	dmiSubstr    []string
	deviceTypes  []string
}{
	{
		family:       ARMHFClassA,
		dtCompatible: []string{"raspberrypi,3-model-b", "raspberrypi,4-model-b"},
		deviceTypes:  []string{"raspberrypi3", "raspberrypi4-64"},
	},
	{
		family:       AMD64ClassB,
		dmiSubstr:    []string{"Intel", "Generic x86"},
		deviceTypes:  []string{"genericx86-64", "intel-nuc"},
	},
}

// Probe is a classified device: its family and the set of config.json
// deviceType values it accepts.
type Probe struct {
	Family Family
}

const (
	deviceTreeCompatible = "/proc/device-tree/compatible"
	dmiSysVendorPath     = "/sys/class/dmi/id/sys_vendor"
)

// DetectFamily reads the kernel-published hardware identifiers and
// classifies the device. Unknown devices fail with UnsupportedDevice.
func DetectFamily() (*Probe, error) {
	if data, err := os.ReadFile(deviceTreeCompatible); err == nil {
		compat := strings.ToLower(strings.ReplaceAll(string(data), "\x00", "\n"))
		for _, m := range familyMatchers {
			for _, want := range m.dtCompatible {
				if strings.Contains(compat, strings.ToLower(want)) {
					return &Probe{Family: m.family}, nil
				}
			}
		}
	}

	if data, err := os.ReadFile(dmiSysVendorPath); err == nil {
		vendor := string(data)
		for _, m := range familyMatchers {
			for _, want := range m.dmiSubstr {
				if strings.Contains(vendor, want) {
					return &Probe{Family: m.family}, nil
				}
			}
		}
	}

	return nil, migerr.New(migerr.UnsupportedDevice, "unable to classify device from /proc or /sys identifiers")
}

// SupportsDeviceType reports whether name is one of the config.json
// deviceType values this device family accepts.
func (p *Probe) SupportsDeviceType(name string) bool {
	for _, m := range familyMatchers {
		if m.family != p.Family {
			continue
		}
		for _, dt := range m.deviceTypes {
			if dt == name {
				return true
			}
		}
	}
	return false
}

// BootFixup is the Stage 2 boot-manager hook. For the known families it
// returns nil without writing anything: no boot loader update is performed
// and envPath is not inspected. Any other family fails with
// UnsupportedDevice.
func (p *Probe) BootFixup(envPath string) error {
	switch p.Family {
	case ARMHFClassA, AMD64ClassB:
		return nil
	default:
		return migerr.New(migerr.UnsupportedDevice, "no boot fixup hook for family "+string(p.Family))
	}
}
