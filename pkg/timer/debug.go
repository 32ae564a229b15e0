//go:build tinyapm_debug

package timer

const debugChecks = true
