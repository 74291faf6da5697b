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
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is the space-padded thread id field of the header. glog pads it to
// seven columns.
var pid = fmt.Sprintf("%7d", os.Getpid())

// levelChar maps a level to the first column of a glog line.
var levelChar = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// caller returns "file:line" of the frame depth levels above its caller.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "x:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

// Emit emits the message, google-style. Lines have the form
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg
//
// where L is the level (eg 'I' for Info).
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 64+len(format))
	if int(level) < len(levelChar) {
		b = append(b, levelChar[level])
	} else {
		b = append(b, '?')
	}
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	b = append(b, caller(depth+1)...)
	b = append(b, "] "...)
	b = append(b, format...)
	b = append(b, '\n')
	g.Emitter.Emit(depth, level, timestamp, string(b), args...)
}
