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

package workload

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"xrt.dev/kds/pkg/ert"
)

const example = `
devices:
  - id: 0
    ert: true
    cu_reads: 2
    ert_latency: 1ms
    slot_size: 0x1000
    features: [ert, polling]
    cu_addrs: [0x10000, 0x20000]
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
`

func TestParse(t *testing.T) {
	w, err := Parse([]byte(example))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	d, ok := w.Lookup(0)
	if !ok {
		t.Fatalf("device 0 missing")
	}
	if d.CUReads != 2 || d.ERTLatency != time.Millisecond || !d.ERT {
		t.Errorf("device = %+v", d)
	}
	cfg, err := d.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	want := ert.Config{
		SlotSize: 0x1000,
		Features: ert.FeatureERT | ert.FeaturePolling,
		CUAddrs:  []uint32{0x10000, 0x20000},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Config() mismatch (-want +got):\n%s", diff)
	}

	a := w.Commands[0].Packet()
	if got := a.CUMask(0); got != 0x1 {
		t.Errorf("a: CU mask = %#x, want 0x1", got)
	}
	if diff := cmp.Diff([]uint32{0, 1, 2}, []uint32(a.Regmap())); diff != "" {
		t.Errorf("a: regmap mismatch (-want +got):\n%s", diff)
	}
	if got := w.Commands[1].Packet().CUMask(0); got != 0x3 {
		t.Errorf("b: CU mask = %#x, want 0x3", got)
	}
	writes, err := w.Commands[2].Packet().Writes()
	if err != nil {
		t.Fatalf("Writes: %v", err)
	}
	if diff := cmp.Diff([]ert.AddrVal{{Addr: 0x3000, Val: 7}}, writes); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
	if got := w.Commands[3].Packet().Type(); got != ert.TypeLocal {
		t.Errorf("nop: type = %v, want local", got)
	}
}

func TestHighCUMask(t *testing.T) {
	c := Command{CUs: []int{1, 33}}
	p := c.Packet()
	if got := p.CUMaskCount(); got != 2 {
		t.Fatalf("CUMaskCount() = %d, want 2", got)
	}
	if p.CUMask(0) != 1<<1 || p.CUMask(1) != 1<<1 {
		t.Errorf("CU masks = %#x %#x, want 0x2 0x2", p.CUMask(0), p.CUMask(1))
	}
}

func TestParseErrors(t *testing.T) {
	const dev = `
devices:
  - id: 0
    slot_size: 0x1000
    cu_addrs: [0x10000]
`
	for _, tc := range []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", dev + "    turbo: true\n", "turbo"},
		{"bad feature", "devices:\n  - id: 0\n    slot_size: 0x1000\n    features: [warp]\n", "warp"},
		{"no slots", "devices:\n  - id: 0\n", "slot size"},
		{"unknown device", dev + "commands:\n  - name: a\n    device: 1\n", "no device 1"},
		{"forward dep", dev + "commands:\n  - name: a\n    deps: [b]\n  - name: b\n", "not listed before"},
		{"duplicate", dev + "commands:\n  - name: a\n  - name: a\n", "listed twice"},
		{"bad cu", dev + "commands:\n  - name: a\n    cus: [1]\n", "no CU 1"},
		{"too many deps", dev + "commands:\n  - name: a\n  - name: b\n    deps: [a, a, a, a, a, a, a, a, a]\n", "dependencies"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Parse() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.yaml")
	if err := os.WriteFile(path, []byte(example), 0644); err != nil {
		t.Fatal(err)
	}
	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(w.Commands); got != 4 {
		t.Errorf("%d commands, want 4", got)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("Load of a missing file succeeded")
	}
}
