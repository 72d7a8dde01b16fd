package detector

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/phuslu/log"

	"github.com/kolkov/preempt/internal/preempt/stackdepot"
)

// Report describes one unsafe processor-id read.
type Report struct {
	// What is the misused accessor, e.g. "smp_processor_id" or
	// "__this_cpu_read".
	What string

	// Count is the preempt count at the time of the misuse, not counting
	// the level the detector took for itself.
	Count uint32

	// CallerPC is the return address into the function that made the read.
	CallerPC uintptr

	// Caller is CallerPC rendered as "function+0xoff".
	Caller string

	// Comm and PID identify the task.
	Comm string
	PID  int32

	// CPU is the processor the task was on.
	CPU int

	// Stack is the call stack starting at the caller, if captured.
	Stack []uintptr
}

// Format writes the report in the kernel's layout:
//
//	BUG: using smp_processor_id() in preemptible [00000000] code: worker/42
//	caller is main.worker+0x1c
//	CPU: 1 PID: 42 Comm: worker
//	Call trace:
//	  main.worker+0x1c
//	      /path/to/file.go:17
//
//nolint:errcheck // diagnostic output, nothing useful to do on error
func (r *Report) Format(w io.Writer) {
	fmt.Fprintf(w, "BUG: using %s() in preemptible [%08x] code: %s/%d\n",
		r.What, r.Count, r.Comm, r.PID)
	fmt.Fprintf(w, "caller is %s\n", r.Caller)
	fmt.Fprintf(w, "CPU: %d PID: %d Comm: %s\n", r.CPU, r.PID, r.Comm)
	fmt.Fprintf(w, "Call trace:\n")
	fmt.Fprint(w, stackdepot.Format(r.Stack))
}

// String returns the formatted report.
func (r *Report) String() string {
	var sb strings.Builder
	r.Format(&sb)
	return sb.String()
}

// frames returns one "function file:line" string per non-runtime frame.
func (r *Report) frames() []string {
	if len(r.Stack) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Stack))
	fr := runtime.CallersFrames(r.Stack)
	for {
		f, more := fr.Next()
		if f.Function != "" && !strings.HasPrefix(f.Function, "runtime.") {
			out = append(out, fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return out
}

// Sink receives reports that passed the rate limiter. Emit runs with
// preemption disabled on the reporting task and must not call back into
// the detector.
type Sink interface {
	Emit(r *Report)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(r *Report)

// Emit calls f(r).
func (f SinkFunc) Emit(r *Report) { f(r) }

// WriterSink formats reports to an io.Writer, one at a time so reports
// from different tasks do not interleave.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Emit implements Sink.
func (s *WriterSink) Emit(r *Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Format(s.w)
}

// LogSink writes reports as structured log records.
type LogSink struct {
	Logger *log.Logger
}

// Emit implements Sink.
func (s LogSink) Emit(r *Report) {
	l := s.Logger
	if l == nil {
		l = &log.DefaultLogger
	}
	l.Error().
		Str("what", r.What).
		Str("preempt_count", fmt.Sprintf("%08x", r.Count)).
		Str("caller", r.Caller).
		Str("comm", r.Comm).
		Int32("pid", r.PID).
		Int("cpu", r.CPU).
		Strs("stack", r.frames()).
		Msgf("BUG: using %s() in preemptible code", r.What)
}
