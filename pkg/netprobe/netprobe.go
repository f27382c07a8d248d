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

// Package netprobe performs bounded, retried TCP reachability checks used
// to validate that a device can reach its declared API/VPN endpoints
// before takeover proceeds.
package netprobe

import (
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
)

// CheckTCP attempts a TCP connect to host:port, retrying with exponential
// backoff until it succeeds or timeout elapses. No connect attempt extends
// past the deadline, so a success always lands within timeout; the final
// backoff wait can still carry the call past it by at most one backoff step.
func CheckTCP(host string, port int, timeout time.Duration) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	deadline := time.Now().Add(timeout)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout

	var lastErr error
	attempt := func() error {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timed out connecting to %s", addr)
		}
		dialTimeout := 2 * time.Second
		if remaining < dialTimeout {
			dialTimeout = remaining
		}
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			lastErr = err
			return err
		}
		_ = conn.Close()
		return nil
	}

	if err := backoff.Retry(attempt, b); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
