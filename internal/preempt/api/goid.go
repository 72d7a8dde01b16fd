// Copyright 2025 The racedetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Goroutine ID extraction.
//
// Tasks are bound to goroutines by id. The id is parsed from the first
// line of runtime.Stack output, which is stable across Go versions and
// architectures.

package api

import "runtime"

// getGoroutineID returns the current goroutine ID, or 0 if it cannot be
// parsed.
func getGoroutineID() int64 {
	// Only the first line is needed: "goroutine 123 [running]:\n..."
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGID(buf[:n])
}

// parseGID extracts the goroutine ID from stack trace bytes.
//
// Expected format: "goroutine 123 [running]:..."
// Returns the numeric ID (123 in this example) or 0 if parsing fails.
func parseGID(buf []byte) int64 {
	const prefix = "goroutine "
	const prefixLen = 10 // len("goroutine ")

	if len(buf) < prefixLen || string(buf[:prefixLen]) != prefix {
		return 0
	}

	var gid int64
	for i := prefixLen; i < len(buf); i++ {
		//nolint:gosec // G602: i is always < len(buf) due to loop condition
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		gid = gid*10 + int64(c-'0')
	}

	return gid
}
