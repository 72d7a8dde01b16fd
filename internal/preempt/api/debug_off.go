//go:build !preemptdebug

package api

// debugDefault leaves checks off unless Init turns them on. Build with
// -tags preemptdebug to flip the default.
const debugDefault = false
