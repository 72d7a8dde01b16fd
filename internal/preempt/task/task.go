// Package task models an execution context: the unit that owns a
// preemption word, runs on one processor at a time and may be restricted
// to a subset of processors.
package task

import (
	"strconv"
	"sync/atomic"

	"github.com/kolkov/preempt/internal/preempt/count"
	"github.com/kolkov/preempt/internal/preempt/cpumask"
)

// Task is one execution context.
//
// Preempt is written by the goroutine running the task (count half) and
// by interrupt handlers simulated on top of it (flag half). Everything
// else is safe for concurrent use.
type Task struct {
	// Preempt is the packed preemption word. Kept first for 64-bit
	// alignment on 32-bit platforms.
	Preempt count.State

	// PID identifies the task in diagnostics.
	PID int32

	// Comm is the task name shown in diagnostics.
	Comm string

	cpu     atomic.Int32
	allowed atomic.Pointer[cpumask.Mask]
	resched atomic.Pointer[func(*Task)]
}

// New creates a task with the given init mode, allowed set and starting CPU.
//
// Example:
//
//	t := New(42, "worker", count.InitFork, cpumask.First(4), 0)
//	// t.Preempt count = 2 until ScheduleTail
func New(pid int32, comm string, mode count.InitMode, allowed cpumask.Mask, cpu int) *Task {
	t := &Task{
		PID:  pid,
		Comm: comm,
	}
	t.Preempt.Init(mode)
	t.allowed.Store(&allowed)
	t.cpu.Store(int32(cpu))
	return t
}

// NewIdle creates the idle task of cpu. It is pinned to that CPU and
// starts preemptible.
func NewIdle(cpu int) *Task {
	return New(0, "swapper/"+strconv.Itoa(cpu), count.InitIdle, cpumask.Of(cpu), cpu)
}

// NewForked creates a task as fork would: non-preemptible until its
// first ScheduleTail. It starts on the lowest CPU of allowed.
func NewForked(pid int32, comm string, allowed cpumask.Mask) *Task {
	cpu := 0
	if cpus := allowed.CPUs(); len(cpus) > 0 {
		cpu = cpus[0]
	}
	return New(pid, comm, count.InitFork, allowed, cpu)
}

// ScheduleTail drops the disable levels a forked task starts with.
// Call it once, from the task itself, when setup is complete.
func (t *Task) ScheduleTail() {
	t.Preempt.Sub(2 * count.PreemptDisableOffset)
}

// CPU returns the processor the task is currently running on.
func (t *Task) CPU() int {
	return int(t.cpu.Load())
}

// SetCPU records that the task now runs on cpu. Migration policy lives
// with the caller.
func (t *Task) SetCPU(cpu int) {
	t.cpu.Store(int32(cpu))
}

// Allowed returns the set of CPUs the task may run on.
func (t *Task) Allowed() cpumask.Mask {
	if m := t.allowed.Load(); m != nil {
		return *m
	}
	return cpumask.Mask{}
}

// SetAllowed replaces the allowed set.
func (t *Task) SetAllowed(m cpumask.Mask) {
	t.allowed.Store(&m)
}

// SetReschedHook installs the function PreemptEnable calls when a
// reschedule is due. A nil fn removes it.
func (t *Task) SetReschedHook(fn func(*Task)) {
	if fn == nil {
		t.resched.Store(nil)
		return
	}
	t.resched.Store(&fn)
}

// PreemptDisable enters a preemption-disabled section.
//
//go:nosplit
func (t *Task) PreemptDisable() {
	t.Preempt.Add(count.PreemptDisableOffset)
}

// PreemptEnable leaves a preemption-disabled section. When the task
// becomes preemptible with a reschedule pending, the resched hook runs.
// The return value is the DecAndTest result.
func (t *Task) PreemptEnable() bool {
	if !t.Preempt.DecAndTest() {
		return false
	}
	if fn := t.resched.Load(); fn != nil {
		(*fn)(t)
	}
	return true
}

// PreemptEnableNoResched leaves a preemption-disabled section without
// checking for a pending reschedule.
//
//go:nosplit
func (t *Task) PreemptEnableNoResched() {
	t.Preempt.Sub(count.PreemptDisableOffset)
}

// String returns "comm/pid".
func (t *Task) String() string {
	return t.Comm + "/" + strconv.Itoa(int(t.PID))
}
