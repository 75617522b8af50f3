// Package security provides secure handling for monitor key material:
// wiping, constant-time comparison and swap-resistant buffers.
package security

import (
	"crypto/subtle"
	"runtime"
)

// Wipe overwrites data with zeros. Explicit writes plus a KeepAlive
// keep the loop from being optimized away.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// ConstantTimeEqual compares two byte slices without leaking the
// mismatch position through timing.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
