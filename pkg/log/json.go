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

package log

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// jsonLog is one JSON log line. Exactly one of Msg and Log is set, depending
// on the emitter.
type jsonLog struct {
	Msg   string    `json:"msg,omitempty"`
	Log   string    `json:"log,omitempty"`
	Level Level     `json:"level"`
	Time  time.Time `json:"time"`
}

var levels = [...]Level{Warning, Info, Debug}

// MarshalJSON implements json.Marshaler.MarashalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if l > Debug {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return []byte(`"` + strings.ToLower(l.String()) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts both
// the names written by MarshalJSON and integers.
func (l *Level) UnmarshalJSON(b []byte) error {
	s := string(b)
	for _, lv := range levels {
		name, _ := lv.MarshalJSON()
		if s == string(name) || s == fmt.Sprint(uint32(lv)) {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", s)
}

// JSONEmitter logs messages in json format.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	e.write(jsonLog{
		Msg:   caller(depth+1) + "] " + fmt.Sprintf(format, v...),
		Level: level,
		Time:  timestamp,
	})
}

// K8sJSONEmitter logs messages in json format that is compatible with
// Kubernetes fluent configuration.
type K8sJSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e K8sJSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	JSONEmitter(e).write(jsonLog{
		Log:   caller(depth+1) + "] " + fmt.Sprintf(format, v...),
		Level: level,
		Time:  timestamp,
	})
}

func (e JSONEmitter) write(j jsonLog) {
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(b)
}
