package security

import (
	"runtime"
	"sync"
)

// LockedBuffer holds long-lived secrets (the monitor signing key, the
// device root seed). The backing memory is pinned against swapping
// where the platform allows and wiped on Destroy or finalization.
type LockedBuffer struct {
	mu        sync.Mutex
	data      []byte
	destroyed bool
}

// NewLockedBuffer copies src into a locked buffer and wipes src.
func NewLockedBuffer(src []byte) *LockedBuffer {
	b := &LockedBuffer{data: make([]byte, len(src))}
	copy(b.data, src)
	Wipe(src)
	_ = lockMemory(b.data)
	runtime.SetFinalizer(b, func(b *LockedBuffer) { b.Destroy() })
	return b
}

// Bytes returns the secret. The slice aliases the locked memory; do
// not retain it past the buffer's lifetime.
func (b *LockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil
	}
	return b.data
}

// Destroy wipes and unlocks the buffer.
func (b *LockedBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	Wipe(b.data)
	unlockMemory(b.data)
	b.destroyed = true
}
