package preempt

import (
	"fmt"
	"time"

	"github.com/kolkov/preempt/internal/config"
	"github.com/kolkov/preempt/internal/preempt/api"
	"github.com/kolkov/preempt/internal/preempt/detector"
)

// Report is one misuse diagnostic.
type Report = detector.Report

// Sink receives reports.
type Sink = detector.Sink

// SinkFunc adapts a function to Sink.
type SinkFunc = detector.SinkFunc

// Stats counts check outcomes.
type Stats = detector.Stats

// Mode selects whether checks run.
type Mode = api.Mode

// Modes.
const (
	ModeDefault = api.ModeDefault
	ModeOn      = api.ModeOn
	ModeOff     = api.ModeOff
)

// Options configures Init.
type Options struct {
	// Mode turns checks on or off. ModeDefault follows the build tag.
	Mode Mode

	// Sink receives reports. Defaults to kernel-style text on stderr.
	Sink Sink

	// NoStacks skips call stack capture in reports.
	NoStacks bool

	// RateLimitInterval and RateLimitBurst bound how many reports are
	// emitted. A zero interval uses the default of ten every five
	// seconds; a negative one disables limiting.
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// Init (re)initialises the runtime with opts. It is called with zero
// Options at package load, so calling it is only needed to change the
// defaults.
func Init(opts Options) {
	interval := opts.RateLimitInterval
	switch {
	case interval == 0:
		interval = detector.DefaultRateLimitInterval
	case interval < 0:
		interval = 0
	}

	api.Init(api.Options{
		Mode:     opts.Mode,
		Sink:     opts.Sink,
		NoStacks: opts.NoStacks,
		Limiter: detector.NewRateLimiter(detector.RateLimitConfig{
			Interval: interval,
			Burst:    opts.RateLimitBurst,
		}),
	})
}

// InitFromConfig initialises the runtime from the [detector] section of
// a TOML configuration file. It fails if the file asks for a newer
// version than this one.
func InitFromConfig(path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.CheckVersion("v" + Version); err != nil {
		return err
	}

	opts, err := api.OptionsFromConfig(cfg.Detector)
	if err != nil {
		return err
	}
	api.Init(opts)
	return nil
}

// Fini turns checks off and prints a summary to stderr.
//
// Usage:
//
//	func main() {
//		preempt.Init(preempt.Options{Mode: preempt.ModeOn})
//		defer preempt.Fini()
//		// ...
//	}
func Fini() {
	api.Fini()
}

// SMPProcessorID returns the CPU the calling goroutine's thread runs on.
// With checks on, a call made while the caller could migrate is
// reported.
//
//go:noinline
func SMPProcessorID() int {
	return api.ProcessorID(1)
}

// RawSMPProcessorID returns the CPU without any check.
func RawSMPProcessorID() int {
	return api.RawProcessorID()
}

// ThisCPUPreemptCheck checks a per-CPU operation named op, reported as
// "__this_cpu_<op>()".
//
//go:noinline
func ThisCPUPreemptCheck(op string) {
	api.PreemptCheck(op, 1)
}

// Disable disables preemption for the calling goroutine. Calls nest.
func Disable() {
	api.Disable()
}

// Enable undoes one Disable. If that makes the goroutine preemptible and
// a reschedule is pending, it yields and returns true.
func Enable() bool {
	return api.Enable()
}

// EnableNoResched undoes one Disable without yielding.
func EnableNoResched() {
	api.EnableNoResched()
}

// SetNeedResched asks the calling goroutine to yield at its next Enable.
func SetNeedResched() {
	api.SetNeedResched()
}

// Count returns the calling goroutine's preempt count.
func Count() uint32 {
	return api.Count()
}

// Preemptible reports whether the calling goroutine's count is zero.
func Preemptible() bool {
	return Count() == 0
}

// ShouldResched reports whether a voluntary preemption point holding
// offset levels should yield now: the count is exactly offset and a
// reschedule is pending. A count of offset alone is not enough.
func ShouldResched(offset int32) bool {
	return api.ShouldResched(offset)
}

// GetStats returns the check statistics since the last Init.
func GetStats() Stats {
	return api.Stats()
}
