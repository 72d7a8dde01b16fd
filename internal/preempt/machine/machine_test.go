package machine

import (
	"errors"
	"sync"
	"testing"

	"github.com/kolkov/preempt/internal/preempt/count"
	"github.com/kolkov/preempt/internal/preempt/cpumask"
	"github.com/kolkov/preempt/internal/preempt/env"
	"github.com/kolkov/preempt/internal/preempt/task"
)

func newTestMachine(t *testing.T, ncpu int) *Machine {
	t.Helper()
	m, err := New(ncpu)
	if err != nil {
		t.Fatalf("New(%d): %v", ncpu, err)
	}
	return m
}

func TestNew(t *testing.T) {
	m := newTestMachine(t, 4)

	if m.NumCPU() != 4 {
		t.Errorf("NumCPU() = %d, want 4", m.NumCPU())
	}
	if m.BootPhase() != env.SystemBooting {
		t.Errorf("BootPhase() = %s, want booting", m.BootPhase())
	}
	for c := 0; c < 4; c++ {
		idle := m.Idle(c)
		if idle == nil || idle.CPU() != c || idle.Allowed() != cpumask.Of(c) {
			t.Errorf("idle task of cpu %d not set up", c)
		}
	}
	if m.Idle(4) != nil {
		t.Error("Idle(4) should be nil")
	}
}

func TestNewInvalid(t *testing.T) {
	for _, n := range []int{0, -1, cpumask.MaxCPUs + 1} {
		if _, err := New(n); err == nil {
			t.Errorf("New(%d) succeeded", n)
		}
	}
}

func TestIRQSaveRestoreNests(t *testing.T) {
	m := newTestMachine(t, 2)

	outer := m.LocalIRQSave(1)
	inner := m.LocalIRQSave(1)
	if !m.InterruptsMasked(1) {
		t.Fatal("interrupts should be masked")
	}
	if m.InterruptsMasked(0) {
		t.Fatal("masking is per cpu")
	}

	m.LocalIRQRestore(1, inner)
	if !m.InterruptsMasked(1) {
		t.Fatal("inner restore must keep outer section masked")
	}
	m.LocalIRQRestore(1, outer)
	if m.InterruptsMasked(1) {
		t.Fatal("outer restore must unmask")
	}
}

func TestIRQMaskSharedCPU(t *testing.T) {
	m := newTestMachine(t, 1)

	// Two tasks on one CPU, sections interleaved rather than nested.
	a := m.LocalIRQSave(0)
	b := m.LocalIRQSave(0)
	m.LocalIRQRestore(0, a)
	if !m.InterruptsMasked(0) {
		t.Fatal("cpu unmasked while a section is still held")
	}
	m.LocalIRQRestore(0, b)
	if m.InterruptsMasked(0) {
		t.Fatal("cpu left masked after both sections ended")
	}

	m.LocalIRQEnable(0)
	m.LocalIRQDisable(0)
	if !m.InterruptsMasked(0) {
		t.Fatal("an extra enable must not make later masking ineffective")
	}
	m.LocalIRQEnable(0)
}

func TestMigrate(t *testing.T) {
	m := newTestMachine(t, 4)
	tk := task.New(1, "w", count.InitIdle, cpumask.FromList(0, 2), 0)

	if err := m.Migrate(tk, 2); err != nil {
		t.Fatalf("Migrate to allowed cpu: %v", err)
	}
	if tk.CPU() != 2 {
		t.Errorf("CPU() = %d, want 2", tk.CPU())
	}

	if err := m.Migrate(tk, 1); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("Migrate to disallowed cpu: err = %v, want ErrNotAllowed", err)
	}
	if err := m.Migrate(tk, 9); !errors.Is(err, ErrBadCPU) {
		t.Errorf("Migrate to bad cpu: err = %v, want ErrBadCPU", err)
	}

	tk.PreemptDisable()
	if err := m.Migrate(tk, 0); !errors.Is(err, ErrNotPreemptible) {
		t.Errorf("Migrate while preempt disabled: err = %v, want ErrNotPreemptible", err)
	}
	tk.PreemptEnableNoResched()
}

func TestInterruptRunsWithHardIRQOffset(t *testing.T) {
	m := newTestMachine(t, 1)
	tk := task.New(1, "w", count.InitIdle, cpumask.Of(0), 0)

	ran := false
	m.Interrupt(tk, func(t2 *task.Task) {
		ran = true
		pc := count.Count(t2.Preempt.Read())
		if !count.InHardIRQ(pc) {
			t.Error("handler should run with the hard-IRQ offset held")
		}
		if !m.InterruptsMasked(0) {
			t.Error("handler should run with interrupts masked")
		}
		t2.Preempt.SetNeedResched()
	})

	if !ran {
		t.Fatal("handler did not run")
	}
	if got := count.Count(tk.Preempt.Read()); got != 0 {
		t.Errorf("count after interrupt = %d, want 0", got)
	}
	if m.InterruptsMasked(0) {
		t.Error("interrupts left masked")
	}
	if !tk.Preempt.TestNeedResched() {
		t.Error("need-resched set by handler was lost")
	}
	if m.Interrupts(0) != 1 {
		t.Errorf("Interrupts(0) = %d, want 1", m.Interrupts(0))
	}
}

func TestReschedRemoteDuringEnable(t *testing.T) {
	m := newTestMachine(t, 2)
	tk := task.New(1, "w", count.InitIdle, cpumask.First(2), 0)

	var rescheds int
	tk.SetReschedHook(func(*task.Task) { rescheds++ })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.ReschedRemote(tk)
	}()
	wg.Wait()

	tk.PreemptDisable()
	if !tk.PreemptEnable() {
		t.Fatal("enable after a remote resched request must report it")
	}
	if rescheds != 1 {
		t.Errorf("rescheds = %d, want 1", rescheds)
	}
}

func TestSetBootPhase(t *testing.T) {
	m := newTestMachine(t, 1)
	m.SetBootPhase(env.SystemRunning)

	if m.BootPhase() != env.SystemRunning {
		t.Errorf("BootPhase() = %s, want running", m.BootPhase())
	}
}
