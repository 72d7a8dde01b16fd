package detector

import (
	"os"
	"runtime"
	"sync/atomic"

	"github.com/kolkov/preempt/internal/preempt/count"
	"github.com/kolkov/preempt/internal/preempt/cpumask"
	"github.com/kolkov/preempt/internal/preempt/env"
	"github.com/kolkov/preempt/internal/preempt/stackdepot"
	"github.com/kolkov/preempt/internal/preempt/task"
)

// Accessor labels used by the wrappers.
const (
	WhatProcessorID = "smp_processor_id"
	WhatThisCPU     = "__this_cpu_"
)

// StackCapturer records the current call stack. skip=0 starts at the
// caller of CaptureStack.
type StackCapturer interface {
	CaptureStack(skip int) []uintptr
}

// Options configures a Detector. The zero value is a disabled detector.
type Options struct {
	// Enabled turns the checks on. It is read once by New; a disabled
	// detector returns the raw processor id and does nothing else.
	Enabled bool

	// Limiter caps how often reports are emitted. Defaults to a
	// RateLimiter with the kernel's printk limits.
	Limiter Limiter

	// Sink receives reports. Defaults to a WriterSink on os.Stderr.
	Sink Sink

	// Stacks captures the call stack for reports. Defaults to a fresh
	// stackdepot.Depot. Set NoStacks to skip capture entirely.
	Stacks   StackCapturer
	NoStacks bool
}

// Stats counts check outcomes.
type Stats struct {
	// Checks is the number of checks performed by an enabled detector.
	Checks uint64

	// Safe outcomes, by the condition that made the read safe.
	SafePreemptDisabled uint64
	SafeIRQsDisabled    uint64
	SafePinned          uint64
	SafeEarlyBoot       uint64

	// Reported is the number of reports emitted.
	Reported uint64

	// RateLimited is the number of misuses found but not reported.
	RateLimited uint64
}

// Misuses returns the number of unsafe reads found, reported or not.
func (s Stats) Misuses() uint64 {
	return s.Reported + s.RateLimited
}

type counters struct {
	checks      atomic.Uint64
	preemptOff  atomic.Uint64
	irqsOff     atomic.Uint64
	pinned      atomic.Uint64
	earlyBoot   atomic.Uint64
	reported    atomic.Uint64
	rateLimited atomic.Uint64
}

// Detector flags reads of the current processor id made while the
// reading task could be migrated to another processor.
//
// Thread Safety: all methods are safe for concurrent use. Each call
// writes only the preempt count of the task passed to it, and must be
// made from that task's own goroutine.
type Detector struct {
	env     env.Environment
	enabled bool
	limiter Limiter
	sink    Sink
	stacks  StackCapturer
	stats   counters
}

// New creates a detector answering environment questions through e.
func New(e env.Environment, opts Options) *Detector {
	d := &Detector{
		env:     e,
		enabled: opts.Enabled,
		limiter: opts.Limiter,
		sink:    opts.Sink,
		stacks:  opts.Stacks,
	}
	if d.limiter == nil {
		d.limiter = NewRateLimiter(RateLimitConfig{Interval: DefaultRateLimitInterval})
	}
	if d.sink == nil {
		d.sink = NewWriterSink(os.Stderr)
	}
	if d.stacks == nil && !opts.NoStacks {
		d.stacks = stackdepot.New()
	}
	return d
}

// Enabled reports whether checks are active.
func (d *Detector) Enabled() bool {
	return d.enabled
}

// Environment returns the environment the detector consults.
func (d *Detector) Environment() env.Environment {
	return d.env
}

// Check returns the processor t is running on and reports a misuse if
// the read was unsafe. what1 and what2 are concatenated to name the
// accessor in the report.
//
// The read is safe, and nothing else happens, if any of these holds,
// tested in this order:
//
//  1. t has preemption disabled (non-zero count)
//  2. interrupts are masked on the processor
//  3. t may only run on the processor it is on
//  4. the system is still in early boot
//
// Otherwise at most one report is emitted, subject to the limiter. The
// returned processor id does not depend on the outcome, and the net
// preempt count of t is unchanged.
//
//go:noinline
func (d *Detector) Check(t *task.Task, what1, what2 string) int {
	return d.check(t, what1, what2, 0)
}

// CheckDepth is Check for wrappers: depth is the number of wrapper frames
// between the code that made the read and CheckDepth, so that the
// report names the right caller.
//
//go:noinline
func (d *Detector) CheckDepth(t *task.Task, what1, what2 string, depth int) int {
	return d.check(t, what1, what2, depth)
}

// ProcessorID is the checked form of "which processor am I on".
//
//go:noinline
func (d *Detector) ProcessorID(t *task.Task) int {
	return d.check(t, WhatProcessorID, "", 0)
}

// PreemptCheck checks a per-CPU operation named op, reported as
// "__this_cpu_<op>".
//
//go:noinline
func (d *Detector) PreemptCheck(t *task.Task, op string) {
	d.check(t, WhatThisCPU, op, 0)
}

//go:noinline
func (d *Detector) check(t *task.Task, what1, what2 string, depth int) int {
	thisCPU := d.env.RawProcessorID(t)
	if !d.enabled {
		return thisCPU
	}
	d.stats.checks.Add(1)

	if count.Count(t.Preempt.Read()) != 0 {
		d.stats.preemptOff.Add(1)
		return thisCPU
	}

	if d.env.InterruptsMasked(thisCPU) {
		d.stats.irqsOff.Add(1)
		return thisCPU
	}

	// A task bound to one CPU cannot be migrated away from it.
	if d.env.AllowedProcessors(t) == cpumask.Of(thisCPU) {
		d.stats.pinned.Add(1)
		return thisCPU
	}

	// CPU locality may be assumed before scheduling starts.
	if d.env.BootPhase().Early() {
		d.stats.earlyBoot.Add(1)
		return thisCPU
	}

	d.report(t, what1+what2, thisCPU, depth)
	return thisCPU
}

// report emits one diagnostic with preemption disabled on t, so the
// sink can itself read the processor id without recursing into report.
//
// Frames seen from here: report, check, the exported entry point, then
// depth wrappers, then the caller.
//
//go:noinline
func (d *Detector) report(t *task.Task, what string, cpu int, depth int) {
	t.Preempt.Add(count.PreemptDisableOffset)
	defer t.Preempt.Sub(count.PreemptDisableOffset)

	if !d.limiter.Allow() {
		d.stats.rateLimited.Add(1)
		return
	}

	r := &Report{
		What:  what,
		Count: count.Count(t.Preempt.Read()) - uint32(count.PreemptDisableOffset),
		Comm:  t.Comm,
		PID:   t.PID,
		CPU:   cpu,
	}

	var pc [1]uintptr
	// 0: runtime.Callers, 1: report, 2: check, 3: entry point.
	if runtime.Callers(4+depth, pc[:]) == 1 {
		r.CallerPC = pc[0]
	}
	r.Caller = stackdepot.Symbolize(r.CallerPC)

	if d.stacks != nil {
		r.Stack = d.stacks.CaptureStack(3 + depth)
	}

	d.stats.reported.Add(1)
	d.sink.Emit(r)
}

// Stats returns a snapshot of the outcome counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Checks:              d.stats.checks.Load(),
		SafePreemptDisabled: d.stats.preemptOff.Load(),
		SafeIRQsDisabled:    d.stats.irqsOff.Load(),
		SafePinned:          d.stats.pinned.Load(),
		SafeEarlyBoot:       d.stats.earlyBoot.Load(),
		Reported:            d.stats.reported.Load(),
		RateLimited:         d.stats.rateLimited.Load(),
	}
}

// LimiterStats returns the limiter's counters when it is a *RateLimiter.
func (d *Detector) LimiterStats() (RateLimitStats, bool) {
	rl, ok := d.limiter.(*RateLimiter)
	if !ok {
		return RateLimitStats{}, false
	}
	return rl.Stats(), true
}

// UniqueStacks returns the number of distinct misuse call stacks seen,
// when stacks are kept in a stackdepot.Depot.
func (d *Detector) UniqueStacks() int {
	if dp, ok := d.stacks.(*stackdepot.Depot); ok {
		return dp.Unique()
	}
	return 0
}
