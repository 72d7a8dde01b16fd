//go:build linux

package hostenv

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kolkov/preempt/internal/preempt/cpumask"
)

// currentCPU returns the CPU the calling thread is on via getcpu(2).
// On failure it returns 0.
func currentCPU() int {
	var c uint32
	_, _, errno := unix.RawSyscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&c)), 0, 0)
	if errno != 0 {
		return 0
	}
	return int(c)
}

// allowedCPUs returns the affinity mask of the calling thread. If the
// kernel refuses, every CPU the runtime knows about is reported.
func allowedCPUs() cpumask.Mask {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return cpumask.First(runtime.NumCPU())
	}

	var m cpumask.Mask
	for c := 0; c < cpumask.MaxCPUs; c++ {
		if set.IsSet(c) {
			m.Set(c)
		}
	}
	return m
}
