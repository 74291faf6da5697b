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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"xrt.dev/kds/pkg/refs"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path of a TOML file holding flag values. Flags set on the command line take precedence.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "file path where logs are written. If it ends with '/', a log file is created inside the directory. The following variables are available: %TIMESTAMP%, %PID%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr in addition to --debug-log.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets buffer reference leak check mode: disabled (default), warning, panic.")

	// Flags that control scheduler behavior.
	flagSet.Bool("shared-scheduler", false, "drive every device from a single scheduler worker.")
	flagSet.Int("yield-every", 8, "number of scheduler passes between yields of the processor.")
	flagSet.Int("max-commands", 0, "maximum number of in-flight commands across all devices. 0 means no limit.")
	flagSet.Duration("teardown-interval", 500*time.Millisecond, "time between checks of a closing client's outstanding commands.")
	flagSet.Int("teardown-stall-limit", 20, "number of checks without progress before a closing client flags its device for reset.")

	// Flags that control the simulated hardware.
	flagSet.Bool("ert", true, "allow the embedded scheduler on cards that carry one.")
	flagSet.Bool("cdma", true, "enable CDMA engines on cards that carry one.")
	flagSet.Bool("interrupts", true, "deliver card interrupts to the scheduler.")

	flagSet.String("metrics", "", "file path where Prometheus metrics are written after a run. \"-\" means stdout.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, layered over the file named by --config if any.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	setField := func(i int, name string) {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(get(fl.Value)))
	}
	forEachFlag(conf, setField)

	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := conf.loadFile(fl.Value.String()); err != nil {
			return nil, err
		}
		set := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
		forEachFlag(conf, func(i int, name string) {
			if set[name] {
				setField(i, name)
			}
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	forEachFlag(c, func(i int, name string) {
		val := getVal(obj.Field(i))
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			return
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	})
	return rv
}

// forEachFlag calls fn with the index and flag name of every field of c that
// is backed by a flag.
func forEachFlag(c *Config, fn func(i int, name string)) {
	st := reflect.TypeOf(c).Elem()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			fn(i, name)
		}
	}
}

// get returns the typed value held by a flag.
func get(v flag.Value) any {
	return v.(flag.Getter).Get()
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}
