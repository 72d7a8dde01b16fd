package preempt_test

import (
	"fmt"

	"github.com/kolkov/preempt/preempt"
)

// Example shows a per-CPU read made safe by disabling preemption.
func Example() {
	preempt.Init(preempt.Options{Mode: preempt.ModeOn})

	preempt.Disable()
	_ = preempt.SMPProcessorID()
	preempt.Enable()

	s := preempt.GetStats()
	fmt.Println(s.SafePreemptDisabled, s.Misuses())

	// Output:
	// 1 0
}

// Example_nesting shows that Disable and Enable nest.
func Example_nesting() {
	preempt.Init(preempt.Options{})

	preempt.Disable()
	preempt.Disable()
	fmt.Println(preempt.Count())
	preempt.EnableNoResched()
	preempt.EnableNoResched()
	fmt.Println(preempt.Preemptible())

	// Output:
	// 2
	// true
}

// Example_resched shows a pending reschedule being taken by Enable.
func Example_resched() {
	preempt.Init(preempt.Options{})

	preempt.Disable()
	preempt.SetNeedResched()
	fmt.Println(preempt.Enable())

	// Output:
	// true
}

// Example_sink shows collecting reports instead of printing them.
func Example_sink() {
	var reports []*preempt.Report
	preempt.Init(preempt.Options{
		Mode:              preempt.ModeOn,
		RateLimitInterval: -1,
		Sink:              preempt.SinkFunc(func(r *preempt.Report) { reports = append(reports, r) }),
	})
	defer preempt.Init(preempt.Options{})

	preempt.ThisCPUPreemptCheck("read")

	// On a host the read is safe only if this thread is pinned to one
	// CPU, so print what was decided rather than assume.
	s := preempt.GetStats()
	fmt.Println(uint64(len(reports)) == s.Reported)

	// Output:
	// true
}
