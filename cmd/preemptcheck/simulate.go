// simulate.go implements the 'preemptcheck simulate' command and the
// workload it shares with 'serve'.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/preempt/internal/config"
	"github.com/kolkov/preempt/internal/logger"
	"github.com/kolkov/preempt/internal/preempt/api"
	"github.com/kolkov/preempt/internal/preempt/count"
	"github.com/kolkov/preempt/internal/preempt/cpumask"
	"github.com/kolkov/preempt/internal/preempt/detector"
	"github.com/kolkov/preempt/internal/preempt/env"
	"github.com/kolkov/preempt/internal/preempt/machine"
	"github.com/kolkov/preempt/internal/preempt/task"
	"github.com/kolkov/preempt/preempt"
)

// simulateCommand runs the workload once and prints a summary.
//
// Example:
//
//	preemptcheck simulate -cpus 8 -tasks 16 -misuse-every 500
func simulateCommand(args []string) {
	cfg, err := parseSimulateArgs("simulate", args)
	if err != nil {
		fail(err)
	}
	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fail(err)
	}

	w, err := newWorkload(cfg)
	if err != nil {
		fail(err)
	}

	res, err := w.run(context.Background())
	if err != nil {
		fail(err)
	}
	res.print(os.Stdout)
}

// parseSimulateArgs parses the shared simulate/serve flags and loads the
// configuration they name.
func parseSimulateArgs(name string, args []string) (*config.AppConfig, error) {
	set := flag.NewFlagSet(name, flag.ContinueOnError)
	var f config.Flags
	f.Register(set)
	if err := set.Parse(args); err != nil {
		return nil, err
	}
	if set.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", set.Args())
	}

	cfg, err := config.NewConfig(&f, set)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckVersion("v" + preempt.Version); err != nil {
		return nil, err
	}
	return cfg, nil
}

// workload runs simulated tasks against one machine and detector.
type workload struct {
	m   *machine.Machine
	det *detector.Detector
	sim config.SimulationConfig
	log log.Logger

	rounds atomic.Uint64
}

// newWorkload builds the machine, installs a detector for it and takes
// the machine through boot.
func newWorkload(cfg *config.AppConfig) (*workload, error) {
	m, err := machine.New(cfg.Simulation.CPUs)
	if err != nil {
		return nil, err
	}

	opts, err := api.OptionsFromConfig(cfg.Detector)
	if err != nil {
		return nil, err
	}
	opts.Env = m
	api.Init(opts)

	w := &workload{
		m:   m,
		det: api.Detector(),
		sim: cfg.Simulation,
		log: logger.NewLoggerWithContext("simulate"),
	}
	w.boot()
	return w, nil
}

// boot reads the processor id from every idle task and from the first
// task before scheduling starts, then moves the machine to running.
func (w *workload) boot() {
	for c := 0; c < w.m.NumCPU(); c++ {
		w.det.ProcessorID(w.m.Idle(c))
	}
	initTask := task.New(1, "init", count.InitIdle, w.m.Online(), 0)
	w.det.ProcessorID(initTask)

	w.m.SetBootPhase(env.SystemScheduling)
	w.m.SetBootPhase(env.SystemRunning)
}

// result summarises one run. Detector and machine counters are
// cumulative over the workload's lifetime.
type result struct {
	CPUs, Tasks, Iterations int

	Injected      uint64
	Reschedules   uint64
	Migrations    uint64
	RemoteWakeups uint64
	Interrupts    uint64

	Stats        detector.Stats
	UniqueStacks int
	Elapsed      time.Duration
}

// run executes one round: every task on its own goroutine plus a waker
// that sets need-resched on random tasks until the tasks finish.
func (w *workload) run(ctx context.Context) (*result, error) {
	round := w.rounds.Add(1)
	ncpu := w.m.NumCPU()
	res := &result{CPUs: ncpu, Tasks: w.sim.Tasks, Iterations: w.sim.Iterations}

	var injected, reschedules, migrations, wakeups atomic.Uint64

	tasks := make([]*task.Task, w.sim.Tasks)
	for i := range tasks {
		//nolint:gosec // G115: task counts are small
		t := task.NewForked(int32(1000*round)+int32(i), "worker"+strconv.Itoa(i), w.m.Online())
		t.SetCPU(i % ncpu)
		t.SetReschedHook(func(t *task.Task) {
			t.Preempt.ClearNeedResched()
			reschedules.Add(1)
			next := (t.CPU() + 1) % ncpu
			if next != t.CPU() && w.m.Migrate(t, next) == nil {
				migrations.Add(1)
			}
		})
		tasks[i] = t
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	var workers errgroup.Group
	for i, t := range tasks {
		workers.Go(func() error {
			api.Bind(t)
			defer api.Unbind()

			t.ScheduleTail()
			n, err := w.runTask(ctx, t)
			injected.Add(n)
			if err != nil {
				return fmt.Errorf("task %d (%s): %w", i, t, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(done)
		return workers.Wait()
	})

	g.Go(func() error {
		//nolint:gosec // G115: the seed is configuration, not a secret
		rng := rand.New(rand.NewPCG(uint64(w.sim.Seed), round))
		ticker := time.NewTicker(50 * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				w.m.ReschedRemote(tasks[rng.IntN(len(tasks))])
				wakeups.Add(1)
			}
		}
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Elapsed = time.Since(start)
	res.Injected = injected.Load()
	res.Reschedules = reschedules.Load()
	res.Migrations = migrations.Load()
	res.RemoteWakeups = wakeups.Load()
	for c := 0; c < ncpu; c++ {
		res.Interrupts += w.m.Interrupts(c)
	}
	res.Stats = w.det.Stats()
	res.UniqueStacks = w.det.UniqueStacks()

	w.log.Info().
		Uint64("round", round).
		Int("tasks", res.Tasks).
		Uint64("checks", res.Stats.Checks).
		Uint64("misuses", res.Stats.Misuses()).
		Uint64("reschedules", res.Reschedules).
		Dur("elapsed", res.Elapsed).
		Msg("simulation round finished")

	return res, nil
}

// runTask runs one task's iterations and returns how many unprotected
// reads it made. The task must be bound to the calling goroutine.
func (w *workload) runTask(ctx context.Context, t *task.Task) (uint64, error) {
	var injected uint64

	for i := 0; i < w.sim.Iterations; i++ {
		if i%256 == 0 && ctx.Err() != nil {
			return injected, ctx.Err()
		}
		j := i + 1

		if w.sim.MisuseEvery > 0 && j%w.sim.MisuseEvery == 0 {
			w.det.ProcessorID(t)
			injected++
		} else {
			w.protectedRead(t, i%4)
		}

		if w.sim.IRQEvery > 0 && j%w.sim.IRQEvery == 0 {
			w.m.Interrupt(t, func(t *task.Task) {
				w.det.PreemptCheck(t, "inc")
				t.Preempt.SetNeedResched()
			})
			// Return from interrupt is a preemption point.
			t.PreemptDisable()
			t.PreemptEnable()
		}
	}

	if c := count.Count(t.Preempt.Read()); c != 0 {
		return injected, fmt.Errorf("preempt count leaked: %#x", c)
	}
	return injected, nil
}

// protectedRead reads the processor id under one of the conditions that
// make it safe.
func (w *workload) protectedRead(t *task.Task, kind int) {
	switch kind {
	case 0:
		t.PreemptDisable()
		w.det.ProcessorID(t)
		t.PreemptDisable()
		w.det.PreemptCheck(t, "add_4")
		t.PreemptEnable()
		t.PreemptEnable()
	case 1:
		c := t.CPU()
		flags := w.m.LocalIRQSave(c)
		w.det.ProcessorID(t)
		w.m.LocalIRQRestore(c, flags)
	case 2:
		allowed := t.Allowed()
		t.SetAllowed(cpumask.Of(t.CPU()))
		w.det.ProcessorID(t)
		t.SetAllowed(allowed)
	default:
		t.PreemptDisable()
		w.det.PreemptCheck(t, "read")
		t.PreemptEnable()
	}
}

// loop runs rounds until ctx is done, pausing between them.
func (w *workload) loop(ctx context.Context, pause time.Duration) error {
	for {
		if _, err := w.run(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pause):
		}
	}
}

//nolint:errcheck // summary output
func (r *result) print(out io.Writer) {
	s := r.Stats
	fmt.Fprintf(out, "Simulation: %d tasks x %d iterations on %d cpus in %s\n",
		r.Tasks, r.Iterations, r.CPUs, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "  checks:          %d\n", s.Checks)
	fmt.Fprintf(out, "    preempt off:   %d\n", s.SafePreemptDisabled)
	fmt.Fprintf(out, "    irqs off:      %d\n", s.SafeIRQsDisabled)
	fmt.Fprintf(out, "    pinned:        %d\n", s.SafePinned)
	fmt.Fprintf(out, "    early boot:    %d\n", s.SafeEarlyBoot)
	fmt.Fprintf(out, "  misuses:         %d (injected %d)\n", s.Misuses(), r.Injected)
	fmt.Fprintf(out, "    reported:      %d\n", s.Reported)
	fmt.Fprintf(out, "    rate limited:  %d\n", s.RateLimited)
	fmt.Fprintf(out, "  unique stacks:   %d\n", r.UniqueStacks)
	fmt.Fprintf(out, "  interrupts:      %d\n", r.Interrupts)
	fmt.Fprintf(out, "  reschedules:     %d (remote wakeups %d)\n", r.Reschedules, r.RemoteWakeups)
	fmt.Fprintf(out, "  migrations:      %d\n", r.Migrations)
}
