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
	"fmt"
	"testing"
)

func TestRingUnderCapacityPreservesOrder(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 3; i++ {
		_, _ = r.Write([]byte(fmt.Sprintf("line-%d", i)))
	}

	records := r.Records()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, rec := range records {
		want := fmt.Sprintf("line-%d", i)
		if string(rec) != want {
			t.Fatalf("record %d: got %q, want %q", i, rec, want)
		}
	}
}

func TestRingEvictsOldestPastCapacity(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		_, _ = r.Write([]byte(fmt.Sprintf("line-%d", i)))
	}

	records := r.Records()
	if len(records) != 3 {
		t.Fatalf("expected records bounded to capacity 3, got %d", len(records))
	}

	want := []string{"line-2", "line-3", "line-4"}
	for i, rec := range records {
		if string(rec) != want[i] {
			t.Fatalf("record %d: got %q, want %q", i, rec, want[i])
		}
	}
}

func TestNewRingRejectsNonPositiveCapacity(t *testing.T) {
	r := NewRing(0)
	if r.capacity != 256 {
		t.Fatalf("expected a non-positive capacity to fall back to 256, got %d", r.capacity)
	}
}
