// Package machine simulates a small SMP system for the misuse detector:
// processors with their own interrupt mask, tasks that migrate between
// them, a boot phase, and interrupt delivery on top of a running task.
//
// Goroutines stand in for tasks. A task's goroutine is the only one that
// may call Interrupt for it, because the handler runs "on top of" the
// task and touches its count. Remote wakeups (ReschedRemote) may come
// from any goroutine: they only write the need-resched half.
package machine

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/phuslu/log"

	"github.com/kolkov/preempt/internal/logger"
	"github.com/kolkov/preempt/internal/preempt/count"
	"github.com/kolkov/preempt/internal/preempt/cpumask"
	"github.com/kolkov/preempt/internal/preempt/env"
	"github.com/kolkov/preempt/internal/preempt/task"
)

var (
	// ErrBadCPU is returned for a CPU number outside the machine.
	ErrBadCPU = errors.New("machine: cpu out of range")
	// ErrNotAllowed is returned when a task may not run on the target CPU.
	ErrNotAllowed = errors.New("machine: cpu not in task's allowed set")
	// ErrNotPreemptible is returned when migrating a task that has
	// preemption disabled.
	ErrNotPreemptible = errors.New("machine: task is not preemptible")
)

type cpu struct {
	irqMask atomic.Int32 // nesting depth
	idle    *task.Task
	irqs    atomic.Uint64
}

// Machine is a simulated SMP system. It implements env.Environment.
type Machine struct {
	cpus  []cpu
	phase atomic.Int32
	log   log.Logger
}

var _ env.Environment = (*Machine)(nil)

// New creates a machine with ncpu processors in the booting phase.
func New(ncpu int) (*Machine, error) {
	if ncpu <= 0 || ncpu > cpumask.MaxCPUs {
		return nil, fmt.Errorf("machine: invalid cpu count %d (max %d)", ncpu, cpumask.MaxCPUs)
	}

	m := &Machine{
		cpus: make([]cpu, ncpu),
		log:  logger.NewLoggerWithContext("machine"),
	}
	for i := range m.cpus {
		m.cpus[i].idle = task.NewIdle(i)
	}
	m.phase.Store(int32(env.SystemBooting))
	return m, nil
}

// NumCPU returns the number of processors.
func (m *Machine) NumCPU() int {
	return len(m.cpus)
}

// Online returns the mask of all processors.
func (m *Machine) Online() cpumask.Mask {
	return cpumask.First(len(m.cpus))
}

// Idle returns the idle task of cpu, or nil if cpu is out of range.
func (m *Machine) Idle(c int) *task.Task {
	if !m.valid(c) {
		return nil
	}
	return m.cpus[c].idle
}

func (m *Machine) valid(c int) bool {
	return c >= 0 && c < len(m.cpus)
}

// SetBootPhase moves the system to phase p.
func (m *Machine) SetBootPhase(p env.BootPhase) {
	old := env.BootPhase(m.phase.Swap(int32(p)))
	if old != p {
		m.log.Debug().Str("from", old.String()).Str("to", p.String()).Msg("boot phase changed")
	}
}

// LocalIRQDisable masks interrupts on cpu.
//
// Masking nests: the CPU stays masked until every Disable or Save has
// been matched by an Enable or Restore. Simulated tasks sharing a CPU
// may hold masks at the same time.
func (m *Machine) LocalIRQDisable(c int) {
	if m.valid(c) {
		m.cpus[c].irqMask.Add(1)
	}
}

// LocalIRQEnable drops one level of interrupt masking on cpu.
func (m *Machine) LocalIRQEnable(c int) {
	if !m.valid(c) {
		return
	}
	mask := &m.cpus[c].irqMask
	for {
		d := mask.Load()
		if d <= 0 || mask.CompareAndSwap(d, d-1) {
			return
		}
	}
}

// LocalIRQSave masks interrupts on cpu and returns whether they were
// already masked.
func (m *Machine) LocalIRQSave(c int) bool {
	if !m.valid(c) {
		return false
	}
	return m.cpus[c].irqMask.Add(1) > 1
}

// LocalIRQRestore ends a section started by LocalIRQSave, which also
// returned the flag. The CPU is unmasked only when the last section ends.
func (m *Machine) LocalIRQRestore(c int, _ bool) {
	m.LocalIRQEnable(c)
}

// Migrate moves t to cpu. The task must be preemptible and allowed to
// run there.
func (m *Machine) Migrate(t *task.Task, c int) error {
	if !m.valid(c) {
		return fmt.Errorf("migrate %s to cpu %d: %w", t, c, ErrBadCPU)
	}
	if !t.Allowed().Has(c) {
		return fmt.Errorf("migrate %s to cpu %d: %w", t, c, ErrNotAllowed)
	}
	if !count.Preemptible(count.Count(t.Preempt.Read())) {
		return fmt.Errorf("migrate %s to cpu %d: %w", t, c, ErrNotPreemptible)
	}
	t.SetCPU(c)
	return nil
}

// Interrupt delivers a hard interrupt to the CPU t is running on and runs
// handler on top of t: interrupts masked and the hard-IRQ offset held for
// the duration. It must be called from t's own goroutine.
func (m *Machine) Interrupt(t *task.Task, handler func(t *task.Task)) {
	c := t.CPU()
	masked := m.LocalIRQSave(c)
	t.Preempt.Add(count.HardIRQOffset)

	if m.valid(c) {
		m.cpus[c].irqs.Add(1)
	}
	handler(t)

	t.Preempt.Sub(count.HardIRQOffset)
	m.LocalIRQRestore(c, masked)
}

// ReschedRemote asks t to reschedule, as a wakeup IPI from another CPU
// would. Safe from any goroutine.
func (m *Machine) ReschedRemote(t *task.Task) {
	t.Preempt.SetNeedResched()
}

// Interrupts returns how many interrupts cpu has taken.
func (m *Machine) Interrupts(c int) uint64 {
	if !m.valid(c) {
		return 0
	}
	return m.cpus[c].irqs.Load()
}

// RawProcessorID implements env.Environment.
func (m *Machine) RawProcessorID(t *task.Task) int {
	return t.CPU()
}

// InterruptsMasked implements env.Environment.
func (m *Machine) InterruptsMasked(c int) bool {
	if !m.valid(c) {
		return false
	}
	return m.cpus[c].irqMask.Load() > 0
}

// AllowedProcessors implements env.Environment.
func (m *Machine) AllowedProcessors(t *task.Task) cpumask.Mask {
	return t.Allowed()
}

// BootPhase implements env.Environment.
func (m *Machine) BootPhase() env.BootPhase {
	return env.BootPhase(m.phase.Load())
}
