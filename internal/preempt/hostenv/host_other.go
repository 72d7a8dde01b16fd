//go:build !linux

package hostenv

import (
	"runtime"

	"github.com/kolkov/preempt/internal/preempt/cpumask"
)

// currentCPU has no portable implementation; every thread reports CPU 0.
func currentCPU() int {
	return 0
}

// allowedCPUs reports every CPU the runtime knows about.
func allowedCPUs() cpumask.Mask {
	return cpumask.First(runtime.NumCPU())
}
