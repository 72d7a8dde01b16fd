//go:build preemptdebug

package api

// debugDefault enables checks unless Init says otherwise.
const debugDefault = true
