//go:build unix

package security

import "golang.org/x/sys/unix"

// lockMemory pins the buffer so it cannot be swapped out. Failure is
// non-fatal: unprivileged processes fall back to unlocked memory.
func lockMemory(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Mlock(data)
}

func unlockMemory(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Munlock(data)
}
