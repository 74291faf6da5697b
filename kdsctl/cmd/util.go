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

// Package cmd holds implementations of the kdsctl commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"xrt.dev/kds/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller, for example a test harness, in addition to the
// regular logs.
var ErrorLogger io.Writer

// Fatalf logs to stderr and the error logger, then exits.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	msg := fmt.Sprintf("kdsctl: "+format+"\n", args...)
	fmt.Fprint(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprint(ErrorLogger, msg)
	}
	// Return an error that is unlikely to be used by a workload check.
	os.Exit(128)
}
