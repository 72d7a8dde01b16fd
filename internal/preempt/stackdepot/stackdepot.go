// Package stackdepot captures call stacks for misuse diagnostics and keeps
// one copy of each distinct stack.
//
// Reports for the same misuse site tend to repeat, so the depot counts
// hits per unique stack. The detector uses that to tell a single noisy
// call site from many different ones.
//
// Usage:
//
//	d := stackdepot.New()
//	pcs := d.CaptureStack(1) // stack of the caller
//	fmt.Print(stackdepot.Format(pcs))
package stackdepot

import (
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"
)

// MaxFrames is the deepest stack captured.
const MaxFrames = 16

// Handle identifies a stored stack. Zero means "no stack".
type Handle uint64

// Stack is one stored stack trace.
type Stack struct {
	PC   []uintptr
	hits atomic.Uint64
}

// Hits returns how many captures produced this stack.
func (s *Stack) Hits() uint64 {
	return s.hits.Load()
}

// Depot stores unique stacks. Safe for concurrent use.
type Depot struct {
	stacks sync.Map // Handle -> *Stack
}

// New returns an empty depot.
func New() *Depot {
	return &Depot{}
}

// CaptureStack records the calling goroutine's stack and returns its
// program counters. skip=0 starts at the caller of CaptureStack.
func (d *Depot) CaptureStack(skip int) []uintptr {
	var pcs [MaxFrames]uintptr
	// +2: runtime.Callers and CaptureStack itself.
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return nil
	}
	out := make([]uintptr, n)
	copy(out, pcs[:n])
	d.Save(out)
	return out
}

// Save stores pcs and returns its handle. Storing an existing stack only
// bumps its hit count.
func (d *Depot) Save(pcs []uintptr) Handle {
	if len(pcs) == 0 {
		return 0
	}
	h := hashStack(pcs)

	v, ok := d.stacks.Load(h)
	if !ok {
		v, _ = d.stacks.LoadOrStore(h, &Stack{PC: append([]uintptr(nil), pcs...)})
	}
	v.(*Stack).hits.Add(1)
	return h
}

// Get returns the stack for h, or nil.
func (d *Depot) Get(h Handle) *Stack {
	if h == 0 {
		return nil
	}
	v, ok := d.stacks.Load(h)
	if !ok {
		return nil
	}
	return v.(*Stack)
}

// Unique returns the number of distinct stacks stored.
func (d *Depot) Unique() int {
	n := 0
	d.stacks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reset drops all stored stacks. Not safe against concurrent Save.
func (d *Depot) Reset() {
	d.stacks = sync.Map{}
}

// hashStack is FNV-1a over the raw program counters.
func hashStack(pcs []uintptr) Handle {
	h := fnv.New64a()
	for _, pc := range pcs {
		//nolint:gosec // G103: reading the bytes of a uintptr for hashing
		b := (*[unsafe.Sizeof(uintptr(0))]byte)(unsafe.Pointer(&pc))[:]
		_, _ = h.Write(b)
	}
	sum := h.Sum64()
	if sum == 0 {
		sum = 1
	}
	return Handle(sum)
}

// Format renders pcs the way the kernel's dump_stack output reads:
// one "function+0xoff" line per frame followed by its file and line.
// runtime frames are skipped.
func Format(pcs []uintptr) string {
	if len(pcs) == 0 {
		return "  <no stack>\n"
	}

	frames := runtime.CallersFrames(pcs)
	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&buf, "  %s+0x%x\n", frame.Function, frame.PC-frame.Entry)
			fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}

// Symbolize returns "function+0xoff" for a single return address, the
// form the diagnostic's "caller is" line uses.
func Symbolize(pc uintptr) string {
	if pc == 0 {
		return "<unknown>"
	}
	// pc is a return address; step back into the call instruction.
	fn := runtime.FuncForPC(pc - 1)
	if fn == nil {
		return fmt.Sprintf("0x%x", pc)
	}
	return fmt.Sprintf("%s+0x%x", fn.Name(), pc-fn.Entry())
}
