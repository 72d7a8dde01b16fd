// Package preempt provides a preemption counter for goroutine-backed
// tasks and a debug check for processor-id reads made while preemptible.
//
// Each task carries one 64-bit word holding its preempt count and its
// need-resched flag. [Disable] and [Enable] nest; when the outermost
// [Enable] finds a reschedule pending, the task yields. [SMPProcessorID]
// returns the CPU the caller runs on and, when checks are on, reports
// the read if nothing kept the caller from migrating right after it.
// [ShouldResched] is true only when the count matches and a reschedule
// is pending, so a count match with nothing pending reads false.
//
// # Quick Start
//
//	package main
//
//	import "github.com/kolkov/preempt/preempt"
//
//	func main() {
//		preempt.Init(preempt.Options{Mode: preempt.ModeOn})
//		defer preempt.Fini()
//
//		preempt.Disable()
//		cpu := preempt.SMPProcessorID() // safe: preemption is off
//		_ = cpu
//		preempt.Enable()
//
//		_ = preempt.SMPProcessorID() // reported
//	}
//
// # Reports
//
// A report looks like the kernel's:
//
//	BUG: using smp_processor_id() in preemptible [00000000] code: myprog/1
//	caller is main.main+0x5c
//	CPU: 3 PID: 1 Comm: myprog
//	Call trace:
//	  main.main+0x5c
//	      /src/myprog/main.go:14
//
// Reports are rate limited to ten every five seconds by default.
//
// # Enabling Checks
//
// Checks are off unless the program is built with -tags preemptdebug,
// [Init] is called with [ModeOn], or a configuration file loaded with
// [InitFromConfig] enables them.
//
// # Host Semantics
//
// On a real host user space cannot mask interrupts, so a read is safe
// only with preemption disabled through this package or with the calling
// thread pinned to a single CPU.
package preempt
