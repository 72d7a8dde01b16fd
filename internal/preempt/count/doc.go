// Package count implements the per-task preemption word.
//
// A State packs two independent pieces of state into one 64-bit word:
//
//	 63                32 31                         0
//	+--------------------+----------------------------+
//	|  need-resched half |        preempt count       |
//	+--------------------+----------------------------+
//
// The low half is the nesting depth of preemption-disabling sections
// (0 means the task may be preempted). The high half holds the
// need-resched flag with an inverted sense: raw 1 (NeedReschedBit) means
// nothing is pending, raw 0 means a reschedule has been requested.
// With that encoding a whole word of zero means "preemptible and a
// reschedule is pending", which is the one condition the enable path has
// to act on, so it can be tested with a single compare.
//
// # Ownership
//
// The count half is written only by the task that owns the State. The
// flag half is written by interrupt handlers running on top of that task.
// Each half is written with its own 32-bit store, so an update to one
// never rewrites the other. Add and Sub are a plain load/store pair on
// the count half, not an atomic read-modify-write: no second party ever
// writes the count, so the pair cannot lose an update.
//
// # Decrement and test
//
// DecAndTest stores the decremented count and then re-reads the whole
// word. An interrupt that sets need-resched after the load but before the
// re-read is observed by the re-read; this is the one ordering guarantee
// the package exists to provide.
//
// # Count layout
//
// The count half is further split the way interrupt nesting is tracked:
//
//	PREEMPT_MASK: 0x000000ff
//	SOFTIRQ_MASK: 0x0000ff00
//	HARDIRQ_MASK: 0x000f0000
//	    NMI_MASK: 0x00f00000
//
// Underflow of the count is a caller bug and wraps silently.
package count
