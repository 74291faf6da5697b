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
	"path/filepath"
	"strings"
	"time"
)

// FileVars are substituted into log file patterns. A pattern may reference
// %TIMESTAMP%, %PID% and %COMMAND% (the kdsctl subcommand name).
type FileVars struct {
	Command   string
	Timestamp time.Time
}

// Build expands the variables in logPattern.
func (v FileVars) Build(logPattern string) string {
	r := strings.NewReplacer(
		"%TIMESTAMP%", v.Timestamp.Format("20060102-150405.000000"),
		"%PID%", fmt.Sprint(os.Getpid()),
		"%COMMAND%", v.Command,
	)
	return r.Replace(logPattern)
}

// OpenFile opens a log file using the specified flags. The path is built from
// logPattern by expanding vars. A nil file is returned for an empty pattern.
func OpenFile(logPattern string, flags int, vars FileVars) (*os.File, error) {
	if len(logPattern) == 0 {
		return nil, nil
	}

	// A trailing '/' means a directory: generate a file name inside it.
	if strings.HasSuffix(logPattern, "/") {
		logPattern += "kdsctl.log.%TIMESTAMP%.%COMMAND%"
	}
	logPath := vars.Build(logPattern)

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %w", dir, err)
	}

	f, err := os.OpenFile(logPath, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %w", logPath, err)
	}
	return f, nil
}
