// Package api is the process-wide runtime behind the public preempt
// package: one detector, one environment, and a task per goroutine.
//
// A goroutine that never disables preemption has no state worth keeping,
// so reads and checks made from an unbound goroutine use a throwaway
// preemptible task. Disable binds a task to the goroutine as fork would,
// allowed on every CPU, and the outermost Enable drops it again once its
// word is back to the initial value. Programs that model their own tasks
// bind them with Bind and keep them until Unbind.
//
// All entry points are safe for concurrent use. Init and Fini are meant
// for program start and exit; calling them while other goroutines are
// inside the entry points is allowed but those calls may see either the
// old or the new detector.
package api

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kolkov/preempt/internal/config"
	"github.com/kolkov/preempt/internal/logger"
	"github.com/kolkov/preempt/internal/preempt/count"
	"github.com/kolkov/preempt/internal/preempt/cpumask"
	"github.com/kolkov/preempt/internal/preempt/detector"
	"github.com/kolkov/preempt/internal/preempt/env"
	"github.com/kolkov/preempt/internal/preempt/hostenv"
	"github.com/kolkov/preempt/internal/preempt/task"
)

// Mode selects whether checks run.
type Mode int

const (
	// ModeDefault follows the build: on with -tags preemptdebug, off otherwise.
	ModeDefault Mode = iota
	ModeOn
	ModeOff
)

func (m Mode) enabled() bool {
	switch m {
	case ModeOn:
		return true
	case ModeOff:
		return false
	default:
		return debugDefault
	}
}

// Options configures the runtime.
type Options struct {
	// Mode turns checks on or off.
	Mode Mode

	// Env answers environment questions. Defaults to the host, marked
	// running.
	Env env.Environment

	// Sink, Limiter and NoStacks are passed to the detector.
	Sink     detector.Sink
	Limiter  detector.Limiter
	NoStacks bool
}

// runtimeState is swapped as a whole by Init so entry points never see a
// detector paired with another environment.
type runtimeState struct {
	env env.Environment
	det *detector.Detector
}

var (
	// initMu serialises Init and Fini.
	initMu sync.Mutex

	state atomic.Pointer[runtimeState]

	// tasks maps goroutine IDs to their tasks.
	// Key: int64 (goroutine ID)
	// Value: *binding.
	tasks sync.Map

	// reschedules counts resched hook calls made by lazily created tasks.
	reschedules atomic.Uint64

	// finiOutput receives the Fini summary.
	finiOutput io.Writer = os.Stderr

	// comm is the task name of lazily created tasks.
	comm = filepath.Base(os.Args[0])
)

func init() {
	Init(Options{})
}

// Init installs a fresh detector built from opts and forgets every bound
// task.
func Init(opts Options) {
	initMu.Lock()
	defer initMu.Unlock()

	e := opts.Env
	if e == nil {
		h := hostenv.New()
		h.MarkRunning()
		e = h
	}

	det := detector.New(e, detector.Options{
		Enabled:  opts.Mode.enabled(),
		Sink:     opts.Sink,
		Limiter:  opts.Limiter,
		NoStacks: opts.NoStacks,
	})

	state.Store(&runtimeState{env: e, det: det})
	tasks.Range(func(k, _ any) bool {
		tasks.Delete(k)
		return true
	})
	reschedules.Store(0)
}

// OptionsFromConfig builds Options from the detector section of a
// configuration. Reports go to stderr or to a "detector" component
// logger; suppressed reports are logged at warn when a window closes.
func OptionsFromConfig(cfg config.DetectorConfig) (Options, error) {
	window, err := cfg.RateLimit.Window()
	if err != nil {
		return Options{}, err
	}

	l := logger.NewLoggerWithContext("detector")

	opts := Options{
		Mode:     ModeOff,
		NoStacks: !cfg.Stacks,
		Limiter: detector.NewRateLimiter(detector.RateLimitConfig{
			Interval: window,
			Burst:    cfg.RateLimit.Burst,
			OnSuppressed: func(missed uint64) {
				l.Warn().Uint64("suppressed", missed).Msg("processor-id misuse reports suppressed")
			},
		}),
	}
	if cfg.Enabled {
		opts.Mode = ModeOn
	}
	if cfg.Sink == "log" {
		opts.Sink = detector.LogSink{Logger: &l}
	}
	return opts, nil
}

func current() *runtimeState {
	return state.Load()
}

// Detector returns the installed detector.
func Detector() *detector.Detector {
	return current().det
}

// Environment returns the installed environment.
func Environment() env.Environment {
	return current().env
}

// binding is one goroutine's entry in tasks.
type binding struct {
	t *task.Task

	// lazy marks tasks created by Current. They are released when their
	// word returns to count.PreemptEnabled.
	lazy bool
}

func load(gid int64) (*binding, bool) {
	v, ok := tasks.Load(gid)
	if !ok {
		return nil, false
	}
	return v.(*binding), true
}

// self returns the calling goroutine's task without binding one. An
// unbound goroutine gets a fresh preemptible task that is not kept.
func self() *task.Task {
	gid := getGoroutineID()
	if b, ok := load(gid); ok {
		return b.t
	}
	//nolint:gosec // G115: goroutine ids fit the pid field in practice
	return task.New(int32(gid), comm, count.InitIdle, online(current().env), 0)
}

// Current returns the task bound to the calling goroutine, creating and
// binding one if there is none.
func Current() *task.Task {
	gid := getGoroutineID()
	if b, ok := load(gid); ok {
		return b.t
	}

	//nolint:gosec // G115: goroutine ids fit the pid field in practice
	t := task.NewForked(int32(gid), comm, online(current().env))
	t.SetReschedHook(func(t *task.Task) {
		t.Preempt.ClearNeedResched()
		reschedules.Add(1)
		runtime.Gosched()
	})
	t.ScheduleTail()

	v, _ := tasks.LoadOrStore(gid, &binding{t: t, lazy: true})
	return v.(*binding).t
}

// release drops b if Current created it and it holds no state.
func release(gid int64, b *binding) {
	if b.lazy && b.t.Preempt.Read() == count.PreemptEnabled {
		tasks.CompareAndDelete(gid, b)
	}
}

// online is the allowed set of new tasks: every CPU of a simulated
// machine, or every CPU the Go runtime reports.
func online(e env.Environment) cpumask.Mask {
	if o, ok := e.(interface{ Online() cpumask.Mask }); ok {
		return o.Online()
	}
	return cpumask.First(runtime.NumCPU())
}

// Bind makes t the task of the calling goroutine until Unbind.
func Bind(t *task.Task) {
	tasks.Store(getGoroutineID(), &binding{t: t})
}

// Unbind forgets the calling goroutine's task.
func Unbind() {
	tasks.Delete(getGoroutineID())
}

// ProcessorID is the checked processor-id read for the calling
// goroutine. skip is the number of wrapper frames above ProcessorID.
//
//go:noinline
func ProcessorID(skip int) int {
	return current().det.CheckDepth(self(), detector.WhatProcessorID, "", skip+1)
}

// PreemptCheck checks the per-CPU operation op for the calling
// goroutine. skip is as for ProcessorID.
//
//go:noinline
func PreemptCheck(op string, skip int) {
	current().det.CheckDepth(self(), detector.WhatThisCPU, op, skip+1)
}

// RawProcessorID returns the calling goroutine's processor without a
// check.
func RawProcessorID() int {
	return current().env.RawProcessorID(self())
}

// Count returns the preempt count of the calling goroutine; 0 when no
// task is bound.
func Count() uint32 {
	if b, ok := load(getGoroutineID()); ok {
		return count.Count(b.t.Preempt.Read())
	}
	return 0
}

// ShouldResched reports whether the calling goroutine's count is exactly
// offset with a reschedule pending. Always false when no task is bound.
func ShouldResched(offset int32) bool {
	if b, ok := load(getGoroutineID()); ok {
		return b.t.Preempt.ShouldResched(offset)
	}
	return false
}

// Disable disables preemption for the calling goroutine's task.
func Disable() {
	Current().PreemptDisable()
}

// Enable re-enables preemption and yields if a reschedule was pending.
// An Enable without a matching Disable acts on a throwaway task.
func Enable() bool {
	gid := getGoroutineID()
	b, ok := load(gid)
	if !ok {
		return self().PreemptEnable()
	}
	resched := b.t.PreemptEnable()
	release(gid, b)
	return resched
}

// EnableNoResched re-enables preemption without yielding. A pending
// reschedule keeps the task bound until a later Enable takes it.
func EnableNoResched() {
	gid := getGoroutineID()
	b, ok := load(gid)
	if !ok {
		self().PreemptEnableNoResched()
		return
	}
	b.t.PreemptEnableNoResched()
	release(gid, b)
}

// SetNeedResched marks the calling goroutine's task as needing a
// reschedule at its next Enable.
func SetNeedResched() {
	Current().Preempt.SetNeedResched()
}

// Stats returns the detector statistics.
func Stats() detector.Stats {
	return current().det.Stats()
}

// Reschedules returns how many times Enable yielded.
func Reschedules() uint64 {
	return reschedules.Load()
}

// Fini turns checks off and prints a summary of what was found.
//
//nolint:errcheck // summary output, nothing useful to do on error
func Fini() {
	initMu.Lock()
	defer initMu.Unlock()

	st := current()
	s := st.det.Stats()
	state.Store(&runtimeState{env: st.env, det: detector.New(st.env, detector.Options{})})

	w := finiOutput
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "Preempt Check Report\n")
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "checks: %d (preempt off %d, irqs off %d, pinned %d, early boot %d)\n",
		s.Checks, s.SafePreemptDisabled, s.SafeIRQsDisabled, s.SafePinned, s.SafeEarlyBoot)

	if s.Misuses() == 0 {
		fmt.Fprintf(w, "No preemptible processor-id reads detected.\n")
	} else {
		fmt.Fprintf(w, "WARNING: %d preemptible processor-id read(s) detected (%d reported, %d rate limited)!\n",
			s.Misuses(), s.Reported, s.RateLimited)
		if uniq := st.det.UniqueStacks(); uniq > 0 {
			fmt.Fprintf(w, "%d distinct call site(s). See above for details.\n", uniq)
		}
	}

	fmt.Fprintf(w, "==================\n\n")
}
