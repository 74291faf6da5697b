// Copyright 2024 The gVisor Authors.
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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"xrt.dev/kds/kdsctl/config"
	"xrt.dev/kds/pkg/ert"
	"xrt.dev/kds/pkg/workload"
)

func newConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func parse(t *testing.T, data string) *workload.Workload {
	t.Helper()
	w, err := workload.Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return w
}

func states(results []result) map[string]ert.State {
	m := make(map[string]ert.State)
	for _, r := range results {
		m[r.Name] = r.State
	}
	return m
}

const twoCards = `
devices:
  - id: 0
    slot_size: 0x1000
    cu_addrs: [0x10000, 0x20000]
  - id: 1
    ert: true
    cdma: true
    cu_reads: 2
    slot_size: 0x800
    features: [ert, polling, cq_int]
    cu_addrs: [0x10000]
commands:
  - name: a
    cus: [0]
    args: [1, 2]
  - name: b
    cus: [0, 1]
    deps: [a]
  - name: poke
    writes: [{addr: 0x3000, val: 7}]
  - name: nop
    local: true
    deps: [a, b]
  - name: c
    device: 1
    cus: [0]
  - name: d
    device: 1
    cus: [1]
    deps: [c]
  - name: e
    device: 1
    cus: [0, 1]
`

func TestRunWorkload(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{name: "default"},
		{name: "shared", args: []string{"--shared-scheduler"}},
		{name: "host scheduled", args: []string{"--ert=false"}},
		{name: "interrupts off", args: []string{"--interrupts=false"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			results, err := runWorkload(ctx, newConfig(t, tc.args...), parse(t, twoCards))
			if err != nil {
				t.Fatalf("runWorkload: %v", err)
			}
			want := map[string]ert.State{
				"a":    ert.StateCompleted,
				"b":    ert.StateCompleted,
				"poke": ert.StateCompleted,
				"nop":  ert.StateCompleted,
				"c":    ert.StateCompleted,
				"d":    ert.StateCompleted,
				"e":    ert.StateCompleted,
			}
			if diff := cmp.Diff(want, states(results)); diff != "" {
				t.Errorf("states mismatch (-want +got):\n%s", diff)
			}
			for _, r := range results {
				if r.ID == 0 {
					t.Errorf("command %q has no id", r.Name)
				}
			}
		})
	}
}

func TestRunWorkloadCDMADisabled(t *testing.T) {
	_, err := runWorkload(context.Background(), newConfig(t, "--cdma=false"), parse(t, twoCards))
	if err == nil || !strings.Contains(err.Error(), "with CDMA disabled") {
		t.Errorf("runWorkload = %v, want CDMA error", err)
	}
}

func TestRunWorkloadTimeout(t *testing.T) {
	// Interrupt mode without interrupt delivery never sees completions.
	const stuck = `
devices:
  - id: 0
    ert: true
    slot_size: 0x1000
    features: [ert]
    cu_addrs: [0x10000]
commands:
  - name: a
    cus: [0]
`
	conf := newConfig(t, "--interrupts=false", "--teardown-interval=1ms", "--teardown-stall-limit=2")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	results, err := runWorkload(ctx, conf, parse(t, stuck))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("runWorkload = %v, want %v", err, context.DeadlineExceeded)
	}
	if len(results) != 1 || results[0].State == ert.StateCompleted {
		t.Errorf("results = %+v, want one unfinished command", results)
	}
}

func TestWriteResults(t *testing.T) {
	var buf bytes.Buffer
	err := writeResults(&buf, []result{
		{Name: "a", Device: 0, ID: 2, State: ert.StateCompleted},
		{Name: "long-name", Device: 1, ID: 10, State: ert.StateError},
		{Name: "c", Device: 1},
	})
	if err != nil {
		t.Fatalf("writeResults: %v", err)
	}
	want := `NAME       DEVICE  ID  STATE
a          0       2   completed
long-name  1       10  error
c          1       -   unsubmitted
`
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}
