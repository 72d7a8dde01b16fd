// Package detector implements the debug check behind a checked
// processor-id read.
//
// A task that reads "which CPU am I on" and then acts on the answer is
// only correct if it cannot be moved to another CPU in between. The
// detector returns the raw id in every case and, when none of the
// conditions that pin the task holds, emits a report naming the accessor,
// the caller and the task:
//
//	BUG: using smp_processor_id() in preemptible [00000000] code: worker/42
//	caller is main.worker+0x1c
//	CPU: 1 PID: 42 Comm: worker
//	Call trace:
//	  ...
//
// Reports pass through a Limiter shared by all tasks, so a hot misuse
// site cannot flood the sink. Checks never block and never allocate on
// the safe path.
//
// Usage:
//
//	d := detector.New(m, detector.Options{Enabled: true})
//	cpu := d.ProcessorID(t)
package detector
