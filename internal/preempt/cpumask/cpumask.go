// Package cpumask provides a fixed-size set of processor numbers.
//
// Mask is a value type and is comparable with ==, so two masks can be
// checked for equality without allocation. That is the comparison the
// misuse detector uses to decide whether a task is pinned to the CPU it
// is running on.
package cpumask

import (
	"math/bits"
	"strconv"
	"strings"
)

const (
	// MaxCPUs is the largest number of processors a Mask can describe.
	MaxCPUs = 1024

	wordBits = 64
	words    = MaxCPUs / wordBits
)

// Mask is a set of processor numbers in [0, MaxCPUs).
type Mask struct {
	w [words]uint64
}

// Of returns the singleton mask containing only cpu.
// Out-of-range CPUs produce an empty mask.
func Of(cpu int) Mask {
	var m Mask
	m.Set(cpu)
	return m
}

// First returns the mask containing CPUs 0 through n-1.
func First(n int) Mask {
	var m Mask
	for cpu := 0; cpu < n && cpu < MaxCPUs; cpu++ {
		m.Set(cpu)
	}
	return m
}

// FromList returns the mask containing the given CPUs.
func FromList(cpus ...int) Mask {
	var m Mask
	for _, cpu := range cpus {
		m.Set(cpu)
	}
	return m
}

func valid(cpu int) bool {
	return cpu >= 0 && cpu < MaxCPUs
}

// Set adds cpu to the mask.
func (m *Mask) Set(cpu int) {
	if !valid(cpu) {
		return
	}
	m.w[cpu/wordBits] |= 1 << (uint(cpu) % wordBits)
}

// Clear removes cpu from the mask.
func (m *Mask) Clear(cpu int) {
	if !valid(cpu) {
		return
	}
	m.w[cpu/wordBits] &^= 1 << (uint(cpu) % wordBits)
}

// Has reports whether cpu is in the mask.
func (m Mask) Has(cpu int) bool {
	if !valid(cpu) {
		return false
	}
	return m.w[cpu/wordBits]&(1<<(uint(cpu)%wordBits)) != 0
}

// Count returns the number of CPUs in the mask.
func (m Mask) Count() int {
	n := 0
	for _, w := range m.w {
		n += bits.OnesCount64(w)
	}
	return n
}

// Empty reports whether the mask has no CPUs.
func (m Mask) Empty() bool {
	return m == Mask{}
}

// Equal reports whether both masks contain the same CPUs.
func (m Mask) Equal(o Mask) bool {
	return m == o
}

// And returns the intersection of m and o.
func (m Mask) And(o Mask) Mask {
	for i := range m.w {
		m.w[i] &= o.w[i]
	}
	return m
}

// CPUs returns the members in ascending order.
func (m Mask) CPUs() []int {
	out := make([]int, 0, m.Count())
	for i, w := range m.w {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, i*wordBits+b)
			w &^= 1 << uint(b)
		}
	}
	return out
}

// String formats the mask as a CPU list, e.g. "0-3,6".
func (m Mask) String() string {
	cpus := m.CPUs()
	if len(cpus) == 0 {
		return ""
	}

	var sb strings.Builder
	for i := 0; i < len(cpus); {
		j := i
		for j+1 < len(cpus) && cpus[j+1] == cpus[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(cpus[i]))
		if j > i {
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(cpus[j]))
		}
		i = j + 1
	}
	return sb.String()
}
