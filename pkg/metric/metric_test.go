// Copyright 2018 The gVisor Authors.
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

package metric

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

var (
	fieldOutcome = NewField("outcome", []string{"completed", "error", "abort"})
	fieldBackend = NewField("backend", []string{"ert", "direct"})
)

// resetTest drops the metrics registered by a test, so that it can run more
// than once in the same process.
func resetTest(t *testing.T) {
	t.Cleanup(func() {
		allMetrics.mu.Lock()
		defer allMetrics.mu.Unlock()
		for name := range allMetrics.metrics {
			if strings.HasPrefix(name, "/test/") {
				delete(allMetrics.metrics, name)
			}
		}
	})
}

func TestFieldMapperRoundTrip(t *testing.T) {
	fm, err := newFieldMapper(fieldOutcome, fieldBackend)
	if err != nil {
		t.Fatalf("newFieldMapper: %v", err)
	}
	if fm.numFieldCombinations != 6 {
		t.Fatalf("numFieldCombinations = %d, want 6", fm.numFieldCombinations)
	}
	seen := make(map[int]bool)
	for _, o := range fieldOutcome.allowedValues {
		for _, b := range fieldBackend.allowedValues {
			key := fm.lookup(o, b)
			if seen[key] {
				t.Errorf("lookup(%q, %q) = %d, key reused", o, b, key)
			}
			seen[key] = true
			if diff := cmp.Diff([]string{o, b}, fm.keyToMultiField(key)); diff != "" {
				t.Errorf("keyToMultiField(%d) mismatch (-want +got):\n%s", key, diff)
			}
		}
	}

	if _, err := newFieldMapper(NewField("empty", nil)); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("newFieldMapper(empty field) = %v, want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestUint64Metric(t *testing.T) {
	resetTest(t)
	m := MustCreateNewUint64Metric("/test/uint64_counter", true, "counter", fieldOutcome)
	m.Increment("completed")
	m.IncrementBy(3, "error")
	if got := m.Value("completed"); got != 1 {
		t.Errorf("Value(completed) = %d, want 1", got)
	}
	if got := m.Value("error"); got != 3 {
		t.Errorf("Value(error) = %d, want 3", got)
	}

	if _, err := NewUint64Metric("/test/uint64_counter", true, "dup"); !errors.Is(err, ErrNameInUse) {
		t.Errorf("NewUint64Metric(duplicate) = %v, want %v", err, ErrNameInUse)
	}

	g := MustCreateNewUint64Metric("/test/uint64_gauge", false, "gauge")
	g.Increment()
	g.Increment()
	g.Decrement()
	if got := g.Value(); got != 1 {
		t.Errorf("gauge Value() = %d, want 1", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Decrement of a counter did not panic")
		}
	}()
	m.Decrement("completed")
}

func TestExponentialBucketer(t *testing.T) {
	// Lower bounds: 0, 2, 4, 8, 16.
	b := NewExponentialBucketer(4, 0, 2, 2)
	for _, tc := range []struct {
		sample int64
		want   int
	}{
		{-1, -1},
		{0, 0},
		{1, 0},
		{2, 1},
		{3, 1},
		{4, 2},
		{7, 2},
		{8, 3},
		{15, 3},
		{16, 4},
		{1 << 40, 4},
	} {
		if got := b.BucketIndex(tc.sample); got != tc.want {
			t.Errorf("BucketIndex(%d) = %d, want %d", tc.sample, got, tc.want)
		}
	}
}

func TestWritePrometheus(t *testing.T) {
	resetTest(t)
	c := MustCreateNewUint64Metric("/test/prom/retired", true, "retired commands", fieldOutcome)
	c.IncrementBy(5, "completed")
	d := MustCreateNewDistributionMetric("/test/prom/latency", NewExponentialBucketer(4, 0, 2, 2), "latency")
	for _, s := range []int64{1, 3, 3, 100} {
		d.AddSample(s)
	}

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("exported text does not parse: %v", err)
	}

	retired, ok := families["kds_test_prom_retired"]
	if !ok {
		t.Fatalf("kds_test_prom_retired missing from %v", families)
	}
	for _, m := range retired.GetMetric() {
		if m.GetLabel()[0].GetValue() == "completed" && m.GetCounter().GetValue() != 5 {
			t.Errorf("retired{outcome=completed} = %v, want 5", m.GetCounter().GetValue())
		}
	}

	latency, ok := families["kds_test_prom_latency"]
	if !ok {
		t.Fatalf("kds_test_prom_latency missing")
	}
	h := latency.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 4 || h.GetSampleSum() != 107 {
		t.Errorf("histogram count=%d sum=%v, want 4, 107", h.GetSampleCount(), h.GetSampleSum())
	}
	var counts []uint64
	for _, b := range h.GetBucket() {
		counts = append(counts, b.GetCumulativeCount())
	}
	// The text format appends a +Inf bucket holding every sample.
	if diff := cmp.Diff([]uint64{1, 3, 3, 3, 4}, counts); diff != "" {
		t.Errorf("bucket counts mismatch (-want +got):\n%s", diff)
	}
}

func TestReregisterAfterReset(t *testing.T) {
	for i := 0; i < 2; i++ {
		t.Run("run", func(t *testing.T) {
			resetTest(t)
			if _, err := NewUint64Metric("/test/rerun", true, "rerun"); err != nil {
				t.Errorf("NewUint64Metric: %v", err)
			}
		})
	}
}

func TestPromName(t *testing.T) {
	if got, want := PromName("/scheduler/commands-retired"), "kds_scheduler_commands_retired"; got != want {
		t.Errorf("PromName() = %q, want %q", got, want)
	}
}
