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

package migrateinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/balena-os/takeover/internal/migerr"
)

const sampleConfig = `{
	"applicationId": "123456",
	"apiKey": "secret",
	"apiEndpoint": "https://api.balena-cloud.com",
	"vpnEndpoint": "vpn.balena-cloud.com",
	"vpnPort": 443,
	"deviceType": "raspberrypi4-64"
}`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("failed writing fixture: %v", err)
	}
	return path
}

func TestLoadAndAccessors(t *testing.T) {
	info, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	appID, err := info.ApplicationID()
	if err != nil || appID != 123456 {
		t.Fatalf("ApplicationID: got (%d, %v)", appID, err)
	}

	key, err := info.APIKey()
	if err != nil || key != "secret" {
		t.Fatalf("APIKey: got (%q, %v)", key, err)
	}

	port, err := info.VPNPort()
	if err != nil || port != 443 {
		t.Fatalf("VPNPort: got (%d, %v)", port, err)
	}

	if info.IsModified() {
		t.Fatal("a freshly loaded document must not be modified")
	}
}

func TestMissingKeyIsNotFound(t *testing.T) {
	info, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := info.getString("doesNotExist"); migerr.KindOf(err) != migerr.NotFound {
		t.Fatalf("expected NotFound, got %v", migerr.KindOf(err))
	}
}

func TestSetHostnameWriteReparseRoundTrip(t *testing.T) {
	path := writeSample(t)
	info, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	prev, hadPrev := info.SetHostname("my-new-device")
	if hadPrev {
		t.Fatalf("expected no prior hostname, got %q", prev)
	}
	if !info.IsModified() {
		t.Fatal("SetHostname must mark the document modified")
	}

	out := filepath.Join(filepath.Dir(path), "config-out.json")
	if err := info.Write(out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if info.IsModified() {
		t.Fatal("Write must clear the modified flag")
	}

	reparsed, err := Load(out)
	if err != nil {
		t.Fatalf("re-Load: %v", err)
	}
	hostname, err := reparsed.getString("hostname")
	if err != nil || hostname != "my-new-device" {
		t.Fatalf("round trip hostname mismatch: got (%q, %v)", hostname, err)
	}

	// The original fields must have survived the round trip untouched.
	appID, err := reparsed.ApplicationID()
	if err != nil || appID != 123456 {
		t.Fatalf("ApplicationID did not survive round trip: got (%d, %v)", appID, err)
	}
}

type fakeDevice struct{ supported bool }

func (f fakeDevice) SupportsDeviceType(string) bool { return f.supported }

func TestCheckRejectsUnsupportedDeviceType(t *testing.T) {
	info, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	err = info.Check(nopLogger(t), CheckOptions{}, fakeDevice{supported: false})
	if !migerr.IsDisplayed(err) {
		t.Fatal("an unsupported device type must produce the Displayed sentinel")
	}
}

func TestCheckSkipsNetworkProbesWhenDisabled(t *testing.T) {
	info, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	err = info.Check(nopLogger(t), CheckOptions{APICheck: false, VPNCheck: false}, fakeDevice{supported: true})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
}
