//go:build !unix

package security

func lockMemory(data []byte) error { return nil }

func unlockMemory(data []byte) {}
