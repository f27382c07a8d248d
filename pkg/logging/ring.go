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

package logging

import (
	"io"
	"sync"
)

// Ring is a bounded in-memory log sink. It implements io.Writer so a logrus
// logger can write directly into it; pushing past capacity evicts the
// oldest record. There is no concurrency in takeover's process model, but
// the mutex keeps Ring safe to use from a signal handler's deferred flush.
type Ring struct {
	mu       sync.Mutex
	records  [][]byte
	capacity int
	next     int
	filled   bool
}

// NewRing returns a Ring that holds at most capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{
		records:  make([][]byte, capacity),
		capacity: capacity,
	}
}

// Write implements io.Writer. Each call is treated as one record.
func (r *Ring) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)

	r.mu.Lock()
	r.records[r.next] = cp
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.filled = true
	}
	r.mu.Unlock()

	return len(p), nil
}

// Records returns the buffered records in chronological order.
func (r *Ring) Records() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.filled {
		out := make([][]byte, r.next)
		copy(out, r.records[:r.next])
		return out
	}

	out := make([][]byte, 0, r.capacity)
	out = append(out, r.records[r.next:]...)
	out = append(out, r.records[:r.next]...)
	return out
}

// FlushTo writes every buffered record to w, one per line. Errors writing to
// a dying TTY are ignored: this is a best-effort diagnostic, not a
// recoverable operation. w is typically a *ttyconsole console.Console, but
// any io.Writer (including a plain *os.File fallback) works.
func (r *Ring) FlushTo(w io.Writer) {
	for _, rec := range r.Records() {
		_, _ = w.Write(rec)
	}
}
