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

package ert

import (
	"fmt"
	"strings"
)

// Configure packet payload layout.
const (
	cfgSlotSize = iota
	cfgNumCUs
	cfgCUShift
	cfgCUBaseAddr
	cfgFeatures
	cfgCUAddrs

	// ConfigFixedWords is the number of payload words preceding the CU
	// address list.
	ConfigFixedWords = cfgCUAddrs
)

// Features is the feature word of a configure packet.
type Features uint32

// Feature bits.
const (
	FeatureERT     Features = 1 << 0
	FeaturePolling Features = 1 << 1
	FeatureCUDMA   Features = 1 << 2
	FeatureCUISR   Features = 1 << 3
	FeatureCQInt   Features = 1 << 4
	FeatureCDMA    Features = 1 << 5
	FeatureDSA52   Features = 1 << 31
)

// Has returns true if every bit of f2 is set in f.
func (f Features) Has(f2 Features) bool {
	return f&f2 == f2
}

var featureNames = []struct {
	f    Features
	name string
}{
	{FeatureERT, "ert"},
	{FeaturePolling, "polling"},
	{FeatureCUDMA, "cu_dma"},
	{FeatureCUISR, "cu_isr"},
	{FeatureCQInt, "cq_int"},
	{FeatureCDMA, "cdma"},
	{FeatureDSA52, "dsa52"},
}

func (f Features) String() string {
	var s []string
	for _, b := range featureNames {
		if f.Has(b.f) {
			s = append(s, b.name)
		}
	}
	return "[" + strings.Join(s, " ") + "]"
}

// ParseFeatures returns the features named by names, as printed by String.
func ParseFeatures(names []string) (Features, error) {
	var f Features
outer:
	for _, n := range names {
		for _, b := range featureNames {
			if b.name == n {
				f |= b.f
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown feature %q", n)
	}
	return f, nil
}

// Config is the decoded payload of a configure packet.
type Config struct {
	// SlotSize is the size in bytes of one command queue slot.
	SlotSize uint32 `yaml:"slot_size"`

	// CUShift and CUBaseAddr describe the CU address layout used by
	// embedded platforms: CU i lives at CUBaseAddr + i<<CUShift.
	CUShift    uint32 `yaml:"cu_shift"`
	CUBaseAddr uint32 `yaml:"cu_base_addr"`

	// Features selects the execution mode.
	Features Features `yaml:"features"`

	// CUAddrs holds the register base of each compute unit, in CU index
	// order. Its length is the CU count.
	CUAddrs []uint32 `yaml:"cu_addrs"`
}

// NumSlots returns the number of command queue slots implied by SlotSize.
func (c *Config) NumSlots() uint32 {
	if c.SlotSize == 0 {
		return 0
	}
	return CQSize / c.SlotSize
}

// Validate checks the limits of the configuration.
func (c *Config) Validate() error {
	if n := c.NumSlots(); n == 0 || n > MaxSlots {
		return fmt.Errorf("slot size %#x gives %d slots, want 1..%d: %w", c.SlotSize, n, MaxSlots, ErrConfig)
	}
	if n := len(c.CUAddrs); n > MaxCUs {
		return fmt.Errorf("%d CUs, want at most %d: %w", n, MaxCUs, ErrConfig)
	}
	return nil
}

// ParseConfig decodes a configure packet.
func (p Packet) ParseConfig() (Config, error) {
	if err := p.Validate(); err != nil {
		return Config{}, err
	}
	if op := p.Opcode(); op != OpConfigure {
		return Config{}, fmt.Errorf("%v packet: %w", op, ErrOpcode)
	}
	payload := p.Payload()
	if len(payload) < ConfigFixedWords {
		return Config{}, fmt.Errorf("%d payload words: %w", len(payload), ErrConfigCount)
	}
	numCUs := payload[cfgNumCUs]
	if uint32(len(payload)) != ConfigFixedWords+numCUs {
		return Config{}, fmt.Errorf("count %d with %d CUs: %w", len(payload), numCUs, ErrConfigCount)
	}
	return Config{
		SlotSize:   payload[cfgSlotSize],
		CUShift:    payload[cfgCUShift],
		CUBaseAddr: payload[cfgCUBaseAddr],
		Features:   Features(payload[cfgFeatures]),
		CUAddrs:    append([]uint32(nil), payload[cfgCUAddrs:]...),
	}, nil
}

// SetFeatures rewrites the feature word of a configure packet.
//
// Preconditions: p is a valid configure packet.
func (p Packet) SetFeatures(f Features) {
	p[1+cfgFeatures] = uint32(f)
}

// NewConfigure builds a configure packet in the new state.
func NewConfigure(c Config) Packet {
	payload := make([]uint32, ConfigFixedWords+len(c.CUAddrs))
	payload[cfgSlotSize] = c.SlotSize
	payload[cfgNumCUs] = uint32(len(c.CUAddrs))
	payload[cfgCUShift] = c.CUShift
	payload[cfgCUBaseAddr] = c.CUBaseAddr
	payload[cfgFeatures] = uint32(c.Features)
	copy(payload[cfgCUAddrs:], c.CUAddrs)
	return NewCommand(OpConfigure, TypeDefault, payload)
}
