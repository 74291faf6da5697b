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

// Package workload describes a set of simulated devices and the commands to
// run on them, in YAML:
//
//	devices:
//	  - id: 0
//	    ert: true
//	    slot_size: 0x1000
//	    features: [ert, polling]
//	    cu_addrs: [0x10000, 0x20000]
//	commands:
//	  - name: a
//	    cus: [0]
//	    args: [1, 2]
//	  - name: b
//	    cus: [0, 1]
//	    deps: [a]
//	  - name: poke
//	    writes: [{addr: 0x3000, val: 7}]
package workload

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"xrt.dev/kds/pkg/ert"
)

// MaxDeps is the maximum number of dependencies of one command.
const MaxDeps = 8

// Workload is a parsed workload file.
type Workload struct {
	Devices  []Device  `yaml:"devices"`
	Commands []Command `yaml:"commands"`
}

// Device describes a simulated card and its configure packet.
type Device struct {
	ID int `yaml:"id"`

	// ERT, CDMA and DSA52 describe the card's hardware.
	ERT   bool `yaml:"ert"`
	CDMA  bool `yaml:"cdma"`
	DSA52 bool `yaml:"dsa52"`

	// CUReads is the number of status reads before a started CU reports
	// done.
	CUReads int `yaml:"cu_reads"`

	// ERTLatency is the embedded scheduler's execution time per command.
	ERTLatency time.Duration `yaml:"ert_latency"`

	SlotSize   uint32   `yaml:"slot_size"`
	CUShift    uint32   `yaml:"cu_shift"`
	CUBaseAddr uint32   `yaml:"cu_base_addr"`
	Features   []string `yaml:"features"`
	CUAddrs    []uint32 `yaml:"cu_addrs"`
}

// Command describes one command packet.
type Command struct {
	// Name identifies the command in deps lists.
	Name string `yaml:"name"`

	// Device is the id of the device the command runs on.
	Device int `yaml:"device"`

	// CUs lists the compute units the command may run on.
	CUs []int `yaml:"cus"`

	// Args is the register map following the control register.
	Args []uint32 `yaml:"args"`

	// Writes makes the command a register write.
	Writes []ert.AddrVal `yaml:"writes"`

	// Local makes the command complete without touching the device.
	Local bool `yaml:"local"`

	// Deps names commands that must complete first.
	Deps []string `yaml:"deps"`
}

// Parse decodes and validates a workload. Unknown keys are rejected.
func Parse(data []byte) (*Workload, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var w Workload
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decoding workload: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Load reads and parses the workload file at path.
func Load(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	w, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// Validate checks device references, CU indices and dependencies. A command
// may only depend on commands listed before it.
func (w *Workload) Validate() error {
	devs := make(map[int]*Device)
	for i := range w.Devices {
		d := &w.Devices[i]
		if _, ok := devs[d.ID]; ok {
			return fmt.Errorf("device %d listed twice", d.ID)
		}
		cfg, err := d.Config()
		if err != nil {
			return fmt.Errorf("device %d: %w", d.ID, err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("device %d: %w", d.ID, err)
		}
		devs[d.ID] = d
	}

	seen := make(map[string]int)
	var errs []error
	for i, c := range w.Commands {
		d, ok := devs[c.Device]
		switch {
		case c.Name == "":
			errs = append(errs, fmt.Errorf("command %d has no name", i))
		case !ok:
			errs = append(errs, fmt.Errorf("command %q: no device %d", c.Name, c.Device))
		case len(c.Deps) > MaxDeps:
			errs = append(errs, fmt.Errorf("command %q: %d dependencies, want at most %d", c.Name, len(c.Deps), MaxDeps))
		}
		if _, dup := seen[c.Name]; dup {
			errs = append(errs, fmt.Errorf("command %q listed twice", c.Name))
		}
		for _, dep := range c.Deps {
			j, ok := seen[dep]
			if !ok {
				errs = append(errs, fmt.Errorf("command %q: dependency %q is not listed before it", c.Name, dep))
				continue
			}
			if w.Commands[j].Device != c.Device {
				errs = append(errs, fmt.Errorf("command %q: dependency %q runs on another device", c.Name, dep))
			}
		}
		if ok {
			for _, cu := range c.CUs {
				if cu < 0 || cu >= d.NumCUs() {
					errs = append(errs, fmt.Errorf("command %q: no CU %d on device %d", c.Name, cu, d.ID))
				}
			}
		}
		seen[c.Name] = i
	}
	return errors.Join(errs...)
}

// Config returns the configure packet contents for d.
func (d *Device) Config() (ert.Config, error) {
	f, err := ert.ParseFeatures(d.Features)
	if err != nil {
		return ert.Config{}, err
	}
	return ert.Config{
		SlotSize:   d.SlotSize,
		CUShift:    d.CUShift,
		CUBaseAddr: d.CUBaseAddr,
		Features:   f,
		CUAddrs:    d.CUAddrs,
	}, nil
}

// NumCUs returns the number of CUs the scheduler will see on d.
func (d *Device) NumCUs() int {
	n := len(d.CUAddrs)
	if d.CDMA {
		n++
	}
	return n
}

// Lookup returns the device with the given id.
func (w *Workload) Lookup(id int) (*Device, bool) {
	for i := range w.Devices {
		if w.Devices[i].ID == id {
			return &w.Devices[i], true
		}
	}
	return nil, false
}

// Packet builds the command packet of c.
func (c *Command) Packet() ert.Packet {
	switch {
	case len(c.Writes) > 0:
		return ert.NewWrite(c.Writes...)
	case c.Local:
		return ert.NewCommand(ert.OpStartCU, ert.TypeLocal, []uint32{0})
	}
	var masks [ert.MaxCUMasks]uint32
	n := 1
	for _, cu := range c.CUs {
		masks[cu/32] |= 1 << (cu % 32)
		n = max(n, cu/32+1)
	}
	return ert.NewStartCU(masks[:n], append([]uint32{0}, c.Args...))
}
