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

// Package migrateinfo parses and validates the target OS config payload
// (config.json) and network-probes its declared endpoints.
package migrateinfo

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balena-os/takeover/internal/migerr"
	"github.com/balena-os/takeover/pkg/netprobe"
)

// DefaultAPIPort is used when apiEndpoint carries no explicit port.
const DefaultAPIPort = 80

// Device is the subset of DeviceProbe that MigrateInfo.Check needs, kept
// narrow so this package doesn't import pkg/device directly.
type Device interface {
	SupportsDeviceType(name string) bool
}

// CheckOptions is the subset of Options that Check needs.
type CheckOptions struct {
	APICheck     bool
	VPNCheck     bool
	Force        bool
	CheckTimeout time.Duration
}

// MigrateInfo is the parsed config.json document: a key-value mapping of
// dynamically-typed values, with typed accessors that coerce known
// string-encoded integers and fail loudly on unexpected shapes.
type MigrateInfo struct {
	config   map[string]any
	file     string
	modified bool
}

// Load parses the configuration document from path.
func Load(path string) (*MigrateInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, migerr.Wrap(migerr.Io, err, "failed to resolve path "+path)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, migerr.Wrap(migerr.Io, err, "failed to canonicalize path "+abs)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, migerr.Wrap(migerr.Io, err, "cannot open config file "+abs)
	}

	var config map[string]any
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, migerr.Wrap(migerr.Io, err, "failed to parse json from "+abs)
	}

	return &MigrateInfo{config: config, file: abs}, nil
}

// IsModified reports whether a mutator has run since the last Write.
func (m *MigrateInfo) IsModified() bool { return m.modified }

// Path returns the canonical path the document was last read from or
// written to.
func (m *MigrateInfo) Path() string { return m.file }

func (m *MigrateInfo) getString(name string) (string, error) {
	v, ok := m.config[name]
	if !ok {
		return "", migerr.New(migerr.NotFound, "key could not be found in config.json: "+name)
	}
	s, ok := v.(string)
	if !ok {
		return "", migerr.New(migerr.InvalidParameter,
			"invalid type for '"+name+"', expected string")
	}
	return s, nil
}

func (m *MigrateInfo) getUint(name string) (uint64, error) {
	v, ok := m.config[name]
	if !ok {
		return 0, migerr.New(migerr.NotFound, "key could not be found in config.json: "+name)
	}
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0, migerr.New(migerr.InvalidParameter, "negative value for '"+name+"'")
		}
		return uint64(t), nil
	case string:
		u, err := strconv.ParseUint(t, 10, 64)
		if err != nil {
			return 0, migerr.Wrap(migerr.InvalidParameter, err,
				"failed to parse uint value for '"+name+"'")
		}
		return u, nil
	default:
		return 0, migerr.New(migerr.InvalidParameter,
			"invalid type for '"+name+"', expected uint")
	}
}

// ApplicationID returns the applicationId field, coercing a string-encoded
// value if necessary.
func (m *MigrateInfo) ApplicationID() (uint64, error) { return m.getUint("applicationId") }

// APIKey returns the apiKey field.
func (m *MigrateInfo) APIKey() (string, error) { return m.getString("apiKey") }

// APIEndpoint returns the apiEndpoint field.
func (m *MigrateInfo) APIEndpoint() (string, error) { return m.getString("apiEndpoint") }

// VPNEndpoint returns the vpnEndpoint field.
func (m *MigrateInfo) VPNEndpoint() (string, error) { return m.getString("vpnEndpoint") }

// VPNPort returns the vpnPort field as a uint16.
func (m *MigrateInfo) VPNPort() (uint16, error) {
	v, err := m.getUint("vpnPort")
	if err != nil {
		return 0, err
	}
	if v > 0xFFFF {
		return 0, migerr.New(migerr.InvalidParameter, "vpnPort out of range")
	}
	return uint16(v), nil
}

// DeviceType returns the deviceType field.
func (m *MigrateInfo) DeviceType() (string, error) { return m.getString("deviceType") }

// SetHostname sets the hostname field and marks the document modified,
// returning the previous value if any.
func (m *MigrateInfo) SetHostname(hostname string) (prev string, hadPrev bool) {
	m.modified = true
	if m.config == nil {
		m.config = map[string]any{}
	}
	if old, ok := m.config["hostname"]; ok {
		if s, ok := old.(string); ok {
			prev, hadPrev = s, true
		}
	}
	m.config["hostname"] = hostname
	return prev, hadPrev
}

// Write serializes the document to targetPath, canonicalizes the new path,
// clears the modified flag, and updates the document's own file reference.
func (m *MigrateInfo) Write(targetPath string) error {
	data, err := json.Marshal(m.config)
	if err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to marshal config.json")
	}

	if err := os.WriteFile(targetPath, data, 0o644); err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to write config.json to "+targetPath)
	}

	abs, err := filepath.Abs(targetPath)
	if err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to canonicalize "+targetPath)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return migerr.Wrap(migerr.Io, err, "failed to canonicalize "+abs)
	}

	m.modified = false
	m.file = abs
	return nil
}

// Check verifies the declared device type is supported, and probes the API
// and VPN endpoints when enabled. Network check failures are fatal unless
// opts.Force is set.
func (m *MigrateInfo) Check(log *logrus.Logger, opts CheckOptions, device Device) error {
	appID, err := m.ApplicationID()
	if err != nil {
		return err
	}
	log.Infof("configured for application id: %d", appID)

	deviceType, err := m.DeviceType()
	if err != nil {
		return err
	}
	if !device.SupportsDeviceType(deviceType) {
		log.Errorf("the devicetype configured in config.json (%s) is not supported by the detected device", deviceType)
		return migerr.DisplayedErr()
	}

	if opts.APICheck {
		if err := m.checkAPI(log, opts); err != nil {
			if !opts.Force {
				return err
			}
			log.Warnf("api reachability check failed, proceeding due to --force: %v", err)
		}
	}

	if opts.VPNCheck {
		if err := m.checkVPN(log, opts); err != nil {
			if !opts.Force {
				return err
			}
			log.Warnf("vpn reachability check failed, proceeding due to --force: %v", err)
		}
	}

	return nil
}

func (m *MigrateInfo) checkAPI(log *logrus.Logger, opts CheckOptions) error {
	endpoint, err := m.APIEndpoint()
	if err != nil {
		return err
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return migerr.Wrap(migerr.InvalidParameter, err, "failed to parse api url "+endpoint)
	}
	if u.Hostname() == "" {
		return migerr.New(migerr.InvalidParameter, "failed to parse api host from "+endpoint)
	}

	port := DefaultAPIPort
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return migerr.Wrap(migerr.InvalidParameter, err, "invalid api port in "+endpoint)
		}
		port = p
	}

	if err := netprobe.CheckTCP(u.Hostname(), port, opts.CheckTimeout); err != nil {
		log.Errorf("failed to connect to api server @ %s:%d, your device might not come online", u.Hostname(), port)
		return migerr.Wrap(migerr.Network, err, "api reachability check failed")
	}
	log.Infof("connection to api: %s:%d is ok", u.Hostname(), port)
	return nil
}

func (m *MigrateInfo) checkVPN(log *logrus.Logger, opts CheckOptions) error {
	endpoint, err := m.VPNEndpoint()
	if err != nil {
		return err
	}
	port, err := m.VPNPort()
	if err != nil {
		return err
	}

	if err := netprobe.CheckTCP(endpoint, int(port), opts.CheckTimeout); err != nil {
		log.Errorf("failed to connect to vpn server @ %s:%d, your device might not come online", endpoint, port)
		return migerr.Wrap(migerr.Network, err, "vpn reachability check failed")
	}
	log.Infof("connection to vpn: %s:%d is ok", endpoint, port)
	return nil
}
