package security

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWipe(t *testing.T) {
	data := []byte("sensitive key material")
	Wipe(data)
	assert.Equal(t, make([]byte, len(data)), data)

	Wipe(nil) // must not panic
}

func TestConstantTimeEqual(t *testing.T) {
	a := bytes.Repeat([]byte{0x41}, 32)
	b := bytes.Repeat([]byte{0x41}, 32)
	assert.True(t, ConstantTimeEqual(a, b))

	b[31] ^= 1
	assert.False(t, ConstantTimeEqual(a, b))
	assert.False(t, ConstantTimeEqual(a, a[:16]), "length mismatch")
	assert.True(t, ConstantTimeEqual(nil, nil))
}

func TestLockedBuffer(t *testing.T) {
	src := []byte("monitor signing key seed bytes!!")
	keep := append([]byte(nil), src...)

	b := NewLockedBuffer(src)
	assert.Equal(t, make([]byte, len(src)), src, "source is wiped on construction")
	assert.Equal(t, keep, b.Bytes())

	b.Destroy()
	assert.Nil(t, b.Bytes())
	b.Destroy() // idempotent
}
