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

package kds

import (
	"time"

	"xrt.dev/kds/pkg/ert"
	"xrt.dev/kds/pkg/metric"
)

// Command outcomes, as reported by the retired commands metric.
const (
	outcomeCompleted = "completed"
	outcomeError     = "error"
	outcomeAbort     = "abort"
)

var (
	submittedCommands = metric.MustCreateNewUint64Metric("/kds/commands_submitted", true, "Number of commands accepted from clients.")

	retiredCommands = metric.MustCreateNewUint64Metric("/kds/commands_retired", true, "Number of commands freed, by outcome.",
		metric.NewField("outcome", []string{outcomeCompleted, outcomeError, outcomeAbort}))

	outstandingCommands = metric.MustCreateNewUint64Metric("/kds/commands_outstanding", false, "Number of commands submitted and not yet freed.")

	schedulerPasses = metric.MustCreateNewUint64Metric("/kds/scheduler_passes", true, "Number of scheduler passes over the command queue.")

	schedulerFaults = metric.MustCreateNewUint64Metric("/kds/scheduler_faults", true, "Number of internal scheduler errors.")

	teardownEscalations = metric.MustCreateNewUint64Metric("/kds/teardown_escalations", true, "Number of client teardowns that gave up and flagged the device for reset.")

	unhandledInterrupts = metric.MustCreateNewUint64Metric("/kds/unhandled_interrupts", true, "Number of interrupts received while the device was not expecting them.")

	// commandLatency buckets start at 10us and double up to ~5s.
	commandLatency = metric.MustCreateNewDistributionMetric("/kds/command_latency_us", metric.NewExponentialBucketer(20, 0, 10, 2),
		"Time from submission to retirement of completed commands, in microseconds.")
)

// outcome maps the state of a retired command to its metric field value.
func outcome(s ert.State) string {
	switch s {
	case ert.StateCompleted:
		return outcomeCompleted
	case ert.StateError:
		return outcomeError
	default:
		return outcomeAbort
	}
}

// recordRetired updates the metrics of a command about to be freed.
func recordRetired(c *command) {
	o := outcome(c.state)
	retiredCommands.Increment(o)
	outstandingCommands.Decrement()
	if o == outcomeCompleted {
		commandLatency.AddSample(time.Since(c.submitTime).Microseconds())
	}
}
