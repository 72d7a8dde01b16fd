package count

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// InitMode selects the starting value of a State.
type InitMode int

const (
	// InitIdle is used for idle and bootstrap tasks: preemptible, nothing pending.
	InitIdle InitMode = iota
	// InitFork is used for freshly forked tasks: two disable levels held
	// until the task is first switched in.
	InitFork
)

// String returns the name of the init mode.
func (m InitMode) String() string {
	switch m {
	case InitIdle:
		return "idle"
	case InitFork:
		return "fork"
	default:
		return "unknown"
	}
}

// Byte offsets of the two halves inside the word. They depend on the
// byte order of the machine and are fixed at package init.
var countOff, flagOff uintptr

func init() {
	probe := uint64(1)
	if *(*byte)(unsafe.Pointer(&probe)) == 1 {
		countOff, flagOff = 0, 4
	} else {
		countOff, flagOff = 4, 0
	}
}

// State is the packed preemption word of one task.
//
// The zero value is a word of 0: count 0 with a reschedule pending.
// Tasks normally call Init before use.
//
// A State must not be copied after first use.
type State struct {
	// word must stay the first field so it is 8-byte aligned on 32-bit
	// platforms, which 64-bit atomics require.
	word uint64
}

func (s *State) countHalf() *uint32 {
	return (*uint32)(unsafe.Add(unsafe.Pointer(&s.word), countOff))
}

func (s *State) flagHalf() *uint32 {
	return (*uint32)(unsafe.Add(unsafe.Pointer(&s.word), flagOff))
}

// Init sets the starting value for mode. Only the owner may call it, and
// only before the task is visible to interrupt handlers.
func (s *State) Init(mode InitMode) {
	switch mode {
	case InitFork:
		atomic.StoreUint64(&s.word, ForkPreemptCount)
	default:
		atomic.StoreUint64(&s.word, PreemptEnabled)
	}
}

// Read returns the whole word with one atomic load. Safe from any context.
//
//go:nosplit
func (s *State) Read() uint64 {
	return atomic.LoadUint64(&s.word)
}

// SetCount replaces the count half with pc. The flag half is not written,
// so a need-resched set concurrently by an interrupt survives.
//
//go:nosplit
func (s *State) SetCount(pc uint32) {
	atomic.StoreUint32(s.countHalf(), pc)
}

// Add adjusts the count by delta.
//
// Load and store are separate operations. Only the owning task writes the
// count half, and the flag half is not touched, so interrupts running in
// between cannot be lost.
//
//go:nosplit
func (s *State) Add(delta int32) {
	p := s.countHalf()
	pc := atomic.LoadUint32(p)
	pc += uint32(delta)
	atomic.StoreUint32(p, pc)
}

// Sub adjusts the count by -delta. Same rules as Add.
//
//go:nosplit
func (s *State) Sub(delta int32) {
	p := s.countHalf()
	pc := atomic.LoadUint32(p)
	pc -= uint32(delta)
	atomic.StoreUint32(p, pc)
}

// DecAndTest decrements the count and reports whether the caller must
// check for a reschedule.
//
// The local copy keeps the flag half as it was before the decrement; only
// the count half is stored back. If that copy is zero the task just became
// preemptible with a reschedule pending. Otherwise the word is re-read,
// because an interrupt may have set need-resched after the load.
//
// A true result covers both "count reached zero with a reschedule already
// pending" and "a reschedule was requested in the window"; the caller
// decides what to do with it.
//
//go:nosplit
func (s *State) DecAndTest() bool {
	return s.testAfterDec(s.decStore())
}

// decStore decrements the count half and returns the decremented local
// copy of the whole word.
//
//go:nosplit
func (s *State) decStore() uint64 {
	pc := atomic.LoadUint64(&s.word)
	pc--
	atomic.StoreUint32(s.countHalf(), uint32(pc))
	return pc
}

// testAfterDec is the DecAndTest result for the local copy pc.
//
//go:nosplit
func (s *State) testAfterDec(pc uint64) bool {
	return pc == 0 || atomic.LoadUint64(&s.word) == 0
}

// SetNeedResched requests a reschedule. Callable from interrupt context.
//
//go:nosplit
func (s *State) SetNeedResched() {
	atomic.StoreUint32(s.flagHalf(), 0)
}

// ClearNeedResched withdraws a reschedule request.
//
//go:nosplit
func (s *State) ClearNeedResched() {
	atomic.StoreUint32(s.flagHalf(), 1)
}

// TestNeedResched reports whether a reschedule is pending.
//
//go:nosplit
func (s *State) TestNeedResched() bool {
	return atomic.LoadUint32(s.flagHalf()) == 0
}

// ShouldResched reports whether the whole word equals offset: the count
// is exactly offset and a reschedule is pending. Voluntary preemption
// points pass the offset they themselves hold, so a true result means
// nothing but the caller is keeping the task from being preempted.
//
//go:nosplit
func (s *State) ShouldResched(offset int32) bool {
	return atomic.LoadUint64(&s.word) == uint64(int64(offset))
}

// String formats the current word for diagnostics.
func (s *State) String() string {
	w := s.Read()
	return fmt.Sprintf("count=0x%08x need_resched=%t", Count(w), NeedResched(w))
}
