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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"xrt.dev/kds/kdsctl/config"
	"xrt.dev/kds/pkg/ert"
	"xrt.dev/kds/pkg/kds"
	"xrt.dev/kds/pkg/log"
	"xrt.dev/kds/pkg/metric"
	"xrt.dev/kds/pkg/sim"
	"xrt.dev/kds/pkg/workload"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a workload on simulated cards"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <workload file> - runs the commands of a YAML workload on simulated cards and prints their outcome.

The exit status is non-zero if any command did not complete.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&r.timeout, "timeout", time.Minute, "time the workload may take. 0 means no limit.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	w, err := workload.Load(f.Arg(0))
	if err != nil {
		Fatalf("loading workload: %v", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	results, runErr := runWorkload(ctx, conf, w)
	if err := writeResults(os.Stdout, results); err != nil {
		Fatalf("writing results: %v", err)
	}
	if conf.Metrics != "" {
		if err := writeMetrics(conf); err != nil {
			Fatalf("writing metrics: %v", err)
		}
	}

	if runErr != nil {
		log.Warningf("Workload %q failed: %v", f.Arg(0), runErr)
		fmt.Fprintf(os.Stderr, "kdsctl: %v\n", runErr)
		return subcommands.ExitFailure
	}
	for _, res := range results {
		if res.State != ert.StateCompleted {
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

// result is the outcome of one workload command.
type result struct {
	Name   string
	Device int

	// ID is the scheduler's id for the command, or 0 if it was never
	// submitted.
	ID    uint64
	State ert.State
}

// runWorkload runs w on one simulated card per workload device and returns
// the outcome of every command, in workload order. Results are returned even
// when the run fails.
func runWorkload(ctx context.Context, conf *config.Config, w *workload.Workload) ([]result, error) {
	if !conf.CDMA {
		for i := range w.Devices {
			w.Devices[i].CDMA = false
		}
		// Commands may name the CDMA engine's CU.
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("with CDMA disabled: %w", err)
		}
	}

	results := make([]result, len(w.Commands))
	for i, c := range w.Commands {
		results[i] = result{Name: c.Name, Device: c.Device}
	}

	r := kds.NewRegistry(conf.SchedulerOptions())
	g, gctx := errgroup.WithContext(ctx)
	for i := range w.Devices {
		wd := &w.Devices[i]
		g.Go(func() error {
			return runDevice(gctx, conf, r, w, wd, results)
		})
	}
	err := g.Wait()

	// Devices must be stopped even if the run was canceled.
	if cerr := r.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
		err = cerr
	}
	return results, err
}

// runDevice runs the commands of w that target wd. It only writes the
// entries of results that belong to wd.
func runDevice(ctx context.Context, conf *config.Config, r *kds.Registry, w *workload.Workload, wd *workload.Device, results []result) error {
	cfg, err := wd.Config()
	if err != nil {
		return fmt.Errorf("device %d: %w", wd.ID, err)
	}

	// The card may raise an interrupt before Register returns.
	var dev atomic.Pointer[kds.Device]
	opts := sim.Options{
		CUAddrs:    wd.CUAddrs,
		CUReads:    wd.CUReads,
		ERTLatency: wd.ERTLatency,
	}
	if wd.CDMA {
		opts.CUAddrs = append(slices.Clip(wd.CUAddrs), ert.CDMAAddr)
	}
	if conf.Interrupts {
		opts.IRQ = func(irq int) {
			if d := dev.Load(); d != nil {
				d.HandleInterrupt(irq)
			}
		}
	}
	d, err := r.Register(ctx, wd.ID, sim.New(opts), conf.DeviceOptions(wd.ERT, wd.CDMA, wd.DSA52))
	if err != nil {
		return fmt.Errorf("registering device %d: %w", wd.ID, err)
	}
	dev.Store(d)

	cl, err := d.CreateClient(ctx, fmt.Sprintf("kdsctl-%d", wd.ID))
	if err != nil {
		return fmt.Errorf("device %d: %w", wd.ID, err)
	}
	defer func() {
		if err := d.DestroyClient(context.WithoutCancel(ctx), cl); err != nil {
			log.Warningf("Device %d: closing client %q: %v", wd.ID, cl.Name(), err)
		}
	}()

	cfgBO := kds.NewBO(ert.NewConfigure(cfg))
	bos := []*kds.BO{cfgBO}
	var indices []int
	defer func() {
		for j, i := range indices {
			results[i].State = bos[j+1].Packet().State()
		}
		for _, bo := range bos {
			bo.DecRef()
		}
	}()

	if _, err := d.Submit(cl, cfgBO); err != nil {
		return fmt.Errorf("device %d: submitting configure: %w", wd.ID, err)
	}
	byName := make(map[string]*kds.BO)
	for i := range w.Commands {
		c := &w.Commands[i]
		if c.Device != wd.ID {
			continue
		}
		deps := make([]kds.Buffer, 0, len(c.Deps))
		for _, name := range c.Deps {
			deps = append(deps, byName[name])
		}
		bo := kds.NewBO(c.Packet())
		id, err := d.Submit(cl, bo, deps...)
		if err != nil {
			bo.DecRef()
			return fmt.Errorf("device %d: submitting %q: %w", wd.ID, c.Name, err)
		}
		bos = append(bos, bo)
		indices = append(indices, i)
		byName[c.Name] = bo
		results[i].ID = id
	}
	log.Infof("Device %d: submitted %d commands", wd.ID, len(indices))

	for _, bo := range bos {
		for !bo.Packet().State().Terminal() {
			if err := cl.Wait(ctx); err != nil {
				return fmt.Errorf("device %d: waiting for commands: %w", wd.ID, err)
			}
		}
	}
	if st := cfgBO.Packet().State(); st != ert.StateCompleted {
		return fmt.Errorf("device %d: configure ended in state %v", wd.ID, st)
	}
	return nil
}

// writeResults outputs results in tabular format.
func writeResults(w io.Writer, results []result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "NAME\tDEVICE\tID\tSTATE\n")
	for _, r := range results {
		if r.ID == 0 {
			fmt.Fprintf(tw, "%s\t%d\t-\tunsubmitted\n", r.Name, r.Device)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%v\n", r.Name, r.Device, r.ID, r.State)
	}
	return tw.Flush()
}

func writeMetrics(conf *config.Config) error {
	out, closeFn, err := conf.OpenMetrics()
	if err != nil {
		return err
	}
	if err := metric.WritePrometheus(out); err != nil {
		closeFn()
		return err
	}
	return closeFn()
}
