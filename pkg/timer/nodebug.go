//go:build !tinyapm_debug

package timer

const debugChecks = false
