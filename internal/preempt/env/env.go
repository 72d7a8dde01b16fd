// Package env declares what the misuse detector needs from the system it
// runs in. Implementations live in machine (simulated SMP) and hostenv
// (the real host).
package env

import (
	"github.com/kolkov/preempt/internal/preempt/cpumask"
	"github.com/kolkov/preempt/internal/preempt/task"
)

// BootPhase is the coarse system lifecycle state. Phases are ordered:
// everything before SystemScheduling is early boot.
type BootPhase int32

const (
	SystemBooting BootPhase = iota
	SystemScheduling
	SystemFreeingInitmem
	SystemRunning
	SystemHalt
	SystemPowerOff
	SystemRestart
	SystemSuspend
)

var phaseNames = [...]string{
	SystemBooting:        "booting",
	SystemScheduling:     "scheduling",
	SystemFreeingInitmem: "freeing-initmem",
	SystemRunning:        "running",
	SystemHalt:           "halt",
	SystemPowerOff:       "power-off",
	SystemRestart:        "restart",
	SystemSuspend:        "suspend",
}

// String returns the phase name.
func (p BootPhase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Early reports whether p is before scheduling started, when CPU
// locality may be assumed.
func (p BootPhase) Early() bool {
	return p < SystemScheduling
}

// Environment answers the questions the misuse detector asks. Every
// method must return in bounded time without blocking: it may be called
// with interrupts masked.
type Environment interface {
	// RawProcessorID returns the CPU t is running on, unchecked.
	RawProcessorID(t *task.Task) int

	// InterruptsMasked reports whether interrupts are masked on cpu.
	InterruptsMasked(cpu int) bool

	// AllowedProcessors returns the set of CPUs t may run on.
	AllowedProcessors(t *task.Task) cpumask.Mask

	// BootPhase returns the current system phase.
	BootPhase() BootPhase
}
