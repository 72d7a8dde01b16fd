// Package hostenv answers the detector's environment questions about the
// real host the program runs on.
//
// User space can neither mask interrupts nor stop the kernel from
// migrating a thread, so on a host the only checks that can pass are a
// non-zero preempt count and a thread pinned to a single CPU (for example
// with taskset or runtime.LockOSThread plus sched_setaffinity).
package hostenv

import (
	"sync/atomic"

	"github.com/kolkov/preempt/internal/preempt/cpumask"
	"github.com/kolkov/preempt/internal/preempt/env"
	"github.com/kolkov/preempt/internal/preempt/task"
)

// Host implements env.Environment for the running process.
type Host struct {
	phase atomic.Int32
}

var _ env.Environment = (*Host)(nil)

// New returns a Host in the booting phase. Call MarkRunning once the
// program has finished its single-threaded setup.
func New() *Host {
	h := &Host{}
	h.phase.Store(int32(env.SystemBooting))
	return h
}

// MarkRunning moves the host out of early boot.
func (h *Host) MarkRunning() {
	h.phase.Store(int32(env.SystemRunning))
}

// RawProcessorID implements env.Environment. The task argument is unused:
// the answer is the CPU of the calling thread.
func (h *Host) RawProcessorID(_ *task.Task) int {
	return currentCPU()
}

// InterruptsMasked implements env.Environment. Always false in user space.
func (h *Host) InterruptsMasked(_ int) bool {
	return false
}

// AllowedProcessors implements env.Environment. It returns the affinity
// of the calling thread.
func (h *Host) AllowedProcessors(_ *task.Task) cpumask.Mask {
	return allowedCPUs()
}

// BootPhase implements env.Environment.
func (h *Host) BootPhase() env.BootPhase {
	return env.BootPhase(h.phase.Load())
}
