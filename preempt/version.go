package preempt

import "github.com/kolkov/preempt/internal/preempt/api"

// Version information.
const (
	// Version is the current version of the preempt runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Encoding describes the preempt word layout.
	Encoding string

	// Enabled indicates whether checks are active.
	Enabled bool
}

// GetInfo returns information about the runtime.
//
// Example:
//
//	info := preempt.GetInfo()
//	fmt.Printf("preempt %s (%s)\n", info.Version, info.Encoding)
func GetInfo() Info {
	return Info{
		Version:  Version,
		Encoding: "64-bit word: count low, inverted need-resched high",
		Enabled:  api.Detector().Enabled(),
	}
}
