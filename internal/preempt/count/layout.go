package count

// Field widths inside the count half.
const (
	PreemptBits = 8
	SoftIRQBits = 8
	HardIRQBits = 4
	NMIBits     = 4
)

// Field shifts inside the count half.
const (
	PreemptShift = 0
	SoftIRQShift = PreemptShift + PreemptBits
	HardIRQShift = SoftIRQShift + SoftIRQBits
	NMIShift     = HardIRQShift + HardIRQBits
)

// Field masks inside the count half.
const (
	PreemptMask uint32 = ((1 << PreemptBits) - 1) << PreemptShift
	SoftIRQMask uint32 = ((1 << SoftIRQBits) - 1) << SoftIRQShift
	HardIRQMask uint32 = ((1 << HardIRQBits) - 1) << HardIRQShift
	NMIMask     uint32 = ((1 << NMIBits) - 1) << NMIShift
)

// Offsets added to the count when entering each kind of section.
const (
	PreemptOffset int32 = 1 << PreemptShift
	SoftIRQOffset int32 = 1 << SoftIRQShift
	HardIRQOffset int32 = 1 << HardIRQShift
	NMIOffset     int32 = 1 << NMIShift

	// PreemptDisableOffset is what one preempt-disable adds.
	PreemptDisableOffset = PreemptOffset
)

const (
	// NeedReschedBit is bit 32 of the word: the low bit of the flag half.
	// Set means no reschedule is pending.
	NeedReschedBit uint64 = 1 << 32

	// PreemptEnabled is the word of a preemptible task with nothing pending.
	PreemptEnabled = NeedReschedBit

	// ForkPreemptCount is the word a new task starts with. The two disable
	// levels are dropped by the task's first switch-in.
	ForkPreemptCount = 2*uint64(PreemptDisableOffset) + PreemptEnabled

	countMask uint64 = 1<<32 - 1
)

// Count extracts the count half of a word returned by State.Read.
func Count(word uint64) uint32 {
	return uint32(word & countMask)
}

// NeedResched reports whether word has a reschedule pending.
func NeedResched(word uint64) bool {
	return word&NeedReschedBit == 0
}

// InNMI reports whether pc is inside an NMI handler.
func InNMI(pc uint32) bool {
	return pc&NMIMask != 0
}

// InHardIRQ reports whether pc is inside a hard interrupt handler.
func InHardIRQ(pc uint32) bool {
	return pc&HardIRQMask != 0
}

// InSoftIRQ reports whether pc is inside softirq processing or has
// bottom halves disabled.
func InSoftIRQ(pc uint32) bool {
	return pc&SoftIRQMask != 0
}

// InInterrupt reports whether pc is in any interrupt context.
func InInterrupt(pc uint32) bool {
	return pc&(NMIMask|HardIRQMask|SoftIRQMask) != 0
}

// InTask reports whether pc is plain task context.
func InTask(pc uint32) bool {
	return !InInterrupt(pc)
}

// Preemptible reports whether a task whose count is pc may be preempted.
// Interrupt masking is tracked elsewhere and is not part of pc.
func Preemptible(pc uint32) bool {
	return pc == 0
}
