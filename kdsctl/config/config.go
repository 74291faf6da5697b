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

// Package config provides basic infrastructure to set configuration settings
// for kdsctl. Each setting is a flag, and a TOML file may supply them too.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"

	"xrt.dev/kds/pkg/kds"
	"xrt.dev/kds/pkg/log"
	"xrt.dev/kds/pkg/refs"
)

// Config holds configuration that is not part of the workload.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and its TOML key.
//  3. Register the flag in flags.go.
type Config struct {
	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// DebugLog is the path of the log file. Logs go to stderr if empty.
	DebugLog string `flag:"debug-log" toml:"debug-log"`

	// DebugLogFormat is the log format: text, json or json-k8s.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug-log-format"`

	// AlsoLogToStderr sends logs to stderr in addition to DebugLog.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// ReferenceLeak sets the buffer reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"ref-leak-mode"`

	// SharedScheduler drives every device from one scheduler worker.
	SharedScheduler bool `flag:"shared-scheduler" toml:"shared-scheduler"`

	// YieldEvery is the number of scheduler passes between yields.
	YieldEvery int `flag:"yield-every" toml:"yield-every"`

	// MaxCommands bounds the number of in-flight commands. Zero means no
	// bound.
	MaxCommands int `flag:"max-commands" toml:"max-commands"`

	// TeardownInterval is the time between checks of a closing client.
	TeardownInterval time.Duration `flag:"teardown-interval" toml:"teardown-interval"`

	// TeardownStallLimit is the number of checks without progress before a
	// closing client gives up and flags its device for reset.
	TeardownStallLimit int `flag:"teardown-stall-limit" toml:"teardown-stall-limit"`

	// ERT allows the embedded scheduler on cards that carry one.
	ERT bool `flag:"ert" toml:"ert"`

	// CDMA enables CDMA engines on cards that carry one.
	CDMA bool `flag:"cdma" toml:"cdma"`

	// Interrupts delivers card interrupts to the scheduler. Without them,
	// only polling-mode devices make progress.
	Interrupts bool `flag:"interrupts" toml:"interrupts"`

	// Metrics is the path Prometheus metrics are written to after a run.
	// "-" means stdout.
	Metrics string `flag:"metrics" toml:"metrics"`
}

var logFormats = map[string]struct{}{
	"text":     {},
	"json":     {},
	"json-k8s": {},
}

func (c *Config) validate() error {
	if _, ok := logFormats[c.DebugLogFormat]; !ok {
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.DebugLogFormat)
	}
	if c.YieldEvery <= 0 {
		return fmt.Errorf("yield-every must be positive, got %d", c.YieldEvery)
	}
	if c.MaxCommands < 0 {
		return fmt.Errorf("max-commands must not be negative, got %d", c.MaxCommands)
	}
	if c.TeardownInterval <= 0 {
		return fmt.Errorf("teardown-interval must be positive, got %v", c.TeardownInterval)
	}
	if c.TeardownStallLimit <= 0 {
		return fmt.Errorf("teardown-stall-limit must be positive, got %d", c.TeardownStallLimit)
	}
	return nil
}

// SchedulerOptions returns the scheduler options selected by c.
func (c *Config) SchedulerOptions() kds.Options {
	return kds.Options{
		YieldEvery:      c.YieldEvery,
		MaxCommands:     c.MaxCommands,
		SharedScheduler: c.SharedScheduler,
	}
}

// DeviceOptions returns the options of a card with the given hardware,
// restricted to what c enables.
func (c *Config) DeviceOptions(ert, cdma, dsa52 bool) kds.DeviceOptions {
	return kds.DeviceOptions{
		ERT:                ert && c.ERT,
		CDMA:               cdma && c.CDMA,
		DSA52:              dsa52,
		TeardownInterval:   c.TeardownInterval,
		TeardownStallLimit: c.TeardownStallLimit,
	}
}

// loadFile decodes the TOML file at path into c. Keys missing from the file
// leave their fields untouched.
func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undec)
	}
	return nil
}

// WriteTOML writes c to w as a TOML file that --config accepts.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("\t%s: %v", name, obj.Field(i).Interface())
		}
	}
}

// OpenMetrics returns the file metrics are written to, or stdout for "-". The
// returned close function must be called once writing is done.
func (c *Config) OpenMetrics() (io.Writer, func() error, error) {
	if c.Metrics == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(c.Metrics)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
