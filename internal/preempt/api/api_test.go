package api

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/kolkov/preempt/internal/config"
	"github.com/kolkov/preempt/internal/preempt/count"
	"github.com/kolkov/preempt/internal/preempt/cpumask"
	"github.com/kolkov/preempt/internal/preempt/detector"
	"github.com/kolkov/preempt/internal/preempt/env"
	"github.com/kolkov/preempt/internal/preempt/machine"
	"github.com/kolkov/preempt/internal/preempt/task"
)

type reports struct {
	mu   sync.Mutex
	list []*detector.Report
}

func (r *reports) Emit(rep *detector.Report) {
	r.mu.Lock()
	r.list = append(r.list, rep)
	r.mu.Unlock()
}

func (r *reports) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

// setup installs a two-CPU running machine with an unlimited detector and
// restores the default runtime afterwards.
func setup(t *testing.T) (*machine.Machine, *reports) {
	t.Helper()
	m, err := machine.New(2)
	if err != nil {
		t.Fatal(err)
	}
	m.SetBootPhase(env.SystemRunning)

	sink := &reports{}
	Init(Options{
		Mode:    ModeOn,
		Env:     m,
		Sink:    sink,
		Limiter: detector.NewRateLimiter(detector.RateLimitConfig{}),
	})
	t.Cleanup(func() { Init(Options{}) })
	return m, sink
}

//go:noinline
func readViaWrapper() int {
	return ProcessorID(1)
}

func TestProcessorIDMisuse(t *testing.T) {
	_, sink := setup(t)

	// The lazily created task may run on both CPUs and is preemptible.
	if got := Current().Allowed(); got != cpumask.First(2) {
		t.Fatalf("allowed = %s, want 0-1", got.String())
	}
	if cpu := readViaWrapper(); cpu != 0 {
		t.Errorf("ProcessorID = %d, want 0", cpu)
	}
	if sink.len() != 1 {
		t.Fatalf("got %d reports, want 1", sink.len())
	}
	r := sink.list[0]
	if !strings.Contains(r.Caller, "TestProcessorIDMisuse") {
		t.Errorf("Caller = %q, want the test function", r.Caller)
	}
	if r.Comm != comm {
		t.Errorf("Comm = %q, want %q", r.Comm, comm)
	}
}

func TestProcessorIDUnderDisable(t *testing.T) {
	_, sink := setup(t)

	Disable()
	ProcessorID(0)
	PreemptCheck("read", 0)
	EnableNoResched()

	if sink.len() != 0 {
		t.Errorf("got %d reports under Disable, want 0", sink.len())
	}
	if s := Stats(); s.SafePreemptDisabled != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestBoundTaskPinned(t *testing.T) {
	_, sink := setup(t)

	pinned := task.New(100, "pinned", count.InitIdle, cpumask.Of(1), 1)
	Bind(pinned)
	defer Unbind()

	if Current() != pinned {
		t.Fatal("Current() is not the bound task")
	}
	if cpu := ProcessorID(0); cpu != 1 {
		t.Errorf("ProcessorID = %d, want 1", cpu)
	}
	if sink.len() != 0 {
		t.Errorf("pinned task reported")
	}
}

func TestUnbindCreatesNewTask(t *testing.T) {
	setup(t)

	first := Current()
	Unbind()
	if Current() == first {
		t.Error("Unbind did not forget the task")
	}
}

func TestTasksPerGoroutine(t *testing.T) {
	setup(t)

	mine := Current()
	var other *task.Task
	done := make(chan struct{})
	go func() {
		defer close(done)
		other = Current()
	}()
	<-done

	if other == nil || other == mine {
		t.Fatal("goroutines share a task")
	}
	if count.Count(other.Preempt.Read()) != 0 {
		t.Error("lazily created task is not preemptible")
	}
}

func TestEnableReschedules(t *testing.T) {
	setup(t)

	Disable()
	SetNeedResched()
	if !Enable() {
		t.Error("Enable did not reschedule with a pending request")
	}
	if Reschedules() != 1 {
		t.Errorf("Reschedules() = %d, want 1", Reschedules())
	}

	Disable()
	if Enable() {
		t.Error("Enable rescheduled with nothing pending")
	}
}

func TestModeOffSkipsChecks(t *testing.T) {
	sink := &reports{}
	Init(Options{Mode: ModeOff, Sink: sink})
	t.Cleanup(func() { Init(Options{}) })

	ProcessorID(0)
	if sink.len() != 0 || Stats().Checks != 0 {
		t.Error("checks ran with ModeOff")
	}
	if Detector().Enabled() {
		t.Error("detector enabled with ModeOff")
	}
}

func TestModeDefault(t *testing.T) {
	Init(Options{})
	if Detector().Enabled() != debugDefault {
		t.Errorf("Enabled() = %v, want build default %v", Detector().Enabled(), debugDefault)
	}
	if Environment().BootPhase() != env.SystemRunning {
		t.Error("default host environment not marked running")
	}
}

func TestFini(t *testing.T) {
	_, _ = setup(t)

	var buf bytes.Buffer
	saved := finiOutput
	finiOutput = &buf
	t.Cleanup(func() { finiOutput = saved })

	ProcessorID(0)
	ProcessorID(0)
	Fini()

	out := buf.String()
	if !strings.Contains(out, "Preempt Check Report") || !strings.Contains(out, "2 preemptible processor-id read(s)") {
		t.Errorf("unexpected summary:\n%s", out)
	}
	if Detector().Enabled() {
		t.Error("Fini left checks on")
	}

	buf.Reset()
	Fini()
	if !strings.Contains(buf.String(), "No preemptible processor-id reads detected.") {
		t.Errorf("second Fini summary:\n%s", buf.String())
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Detector
	cfg.Sink = "log"
	cfg.Stacks = false

	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("OptionsFromConfig: %v", err)
	}
	if opts.Mode != ModeOn || !opts.NoStacks {
		t.Errorf("opts = %+v", opts)
	}
	if _, ok := opts.Sink.(detector.LogSink); !ok {
		t.Errorf("Sink = %T, want detector.LogSink", opts.Sink)
	}
	rl, ok := opts.Limiter.(*detector.RateLimiter)
	if !ok || rl.Burst() != 10 {
		t.Errorf("Limiter = %#v", opts.Limiter)
	}

	cfg.Enabled = false
	cfg.Sink = "stderr"
	opts, _ = OptionsFromConfig(cfg)
	if opts.Mode != ModeOff || opts.Sink != nil {
		t.Errorf("opts = %+v", opts)
	}

	cfg.RateLimit.Interval = "bogus"
	if _, err := OptionsFromConfig(cfg); err == nil {
		t.Error("bad interval accepted")
	}
}

// boundTasks returns the number of goroutines with a task.
func boundTasks() int {
	n := 0
	tasks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestExitedGoroutinesLeaveNoTasks(t *testing.T) {
	_, sink := setup(t)
	before := boundTasks()

	const goroutines = 1000
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 4 {
			case 0:
				ProcessorID(0)
			case 1:
				PreemptCheck("read", 0)
				_ = RawProcessorID()
				_ = Count()
			case 2:
				Disable()
				Disable()
				ProcessorID(0)
				EnableNoResched()
				Enable()
			default:
				Disable()
				SetNeedResched()
				Enable()
			}
		}(i)
	}
	wg.Wait()

	if after := boundTasks(); after != before {
		t.Errorf("bound tasks = %d after %d goroutines exited, want %d", after, goroutines, before)
	}
	if got, want := sink.len(), goroutines/2; got != want {
		t.Errorf("got %d reports, want %d", got, want)
	}
}

func TestDisableKeepsTaskUntilEnable(t *testing.T) {
	setup(t)
	before := boundTasks()

	Disable()
	if boundTasks() != before+1 || Count() != 1 {
		t.Fatalf("Disable: bound %d, count %d", boundTasks(), Count())
	}
	first := Current()

	Disable()
	Enable()
	if Current() != first {
		t.Error("inner Enable dropped the task")
	}

	Enable()
	if boundTasks() != before || Count() != 0 {
		t.Errorf("outermost Enable: bound %d, count %d", boundTasks(), Count())
	}
}

func TestPendingReschedKeepsTask(t *testing.T) {
	setup(t)
	before := boundTasks()

	Disable()
	SetNeedResched()
	EnableNoResched()
	if boundTasks() != before+1 {
		t.Fatal("pending reschedule was dropped with the task")
	}

	Disable()
	if !Enable() {
		t.Error("Enable did not take the pending reschedule")
	}
	if boundTasks() != before {
		t.Errorf("bound tasks = %d, want %d", boundTasks(), before)
	}
}

func TestBoundTaskSurvivesEnable(t *testing.T) {
	setup(t)

	mine := task.New(7, "mine", count.InitIdle, cpumask.First(2), 0)
	Bind(mine)
	defer Unbind()

	Disable()
	Enable()
	if Current() != mine {
		t.Error("Enable released a task bound with Bind")
	}
}

func TestShouldResched(t *testing.T) {
	setup(t)

	if ShouldResched(0) {
		t.Error("ShouldResched(0) = true with no task bound")
	}

	Disable()
	defer Enable()
	if ShouldResched(1) {
		t.Error("ShouldResched(1) = true with nothing pending")
	}
	SetNeedResched()
	if !ShouldResched(1) || ShouldResched(2) {
		t.Error("ShouldResched does not match count 1 with a reschedule pending")
	}
}
