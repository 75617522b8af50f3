package identity

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"
)

func TestDeriveCDI(t *testing.T) {
	parent := make([]byte, CDISize)
	hash := bytes.Repeat([]byte{0x5a}, 64)

	cdi1 := DeriveCDI(parent, hash)
	cdi2 := DeriveCDI(parent, hash)
	assert.Equal(t, cdi1, cdi2, "CDI derivation is deterministic")

	// Matches the definition: SHA3-512(parent ‖ hash).
	h := sha3.New512()
	h.Write(parent)
	h.Write(hash)
	assert.Equal(t, h.Sum(nil), cdi1[:])

	hash[0] ^= 1
	cdi3 := DeriveCDI(parent, hash)
	assert.NotEqual(t, cdi1, cdi3)
}

func TestAttestationKeypair(t *testing.T) {
	cdi := bytes.Repeat([]byte{7}, CDISize)
	pub1, priv1 := AttestationKeypair(cdi)
	pub2, priv2 := AttestationKeypair(cdi)
	assert.Equal(t, pub1, pub2)
	assert.Equal(t, priv1, priv2)

	msg := []byte("bind me")
	sig := Sign(priv1[:], msg)
	assert.True(t, Verify(pub1[:], msg, sig[:]))
	assert.False(t, Verify(pub1[:], []byte("other"), sig[:]))
}

func TestDerivedKeypairsAreDistinct(t *testing.T) {
	cdi := bytes.Repeat([]byte{9}, CDISize)

	seen := make(map[[PublicKeySize]byte]bool)
	for i := 0; i < 10; i++ {
		pub, priv, err := DerivedKeypair(cdi, i)
		require.NoError(t, err)
		assert.False(t, seen[pub], "index %d collided", i)
		seen[pub] = true

		sig := Sign(priv[:], []byte("x"))
		assert.True(t, Verify(pub[:], []byte("x"), sig[:]))
	}

	_, _, err := DerivedKeypair(cdi, 10)
	assert.ErrorIs(t, err, ErrDerivation)
	_, _, err = DerivedKeypair(cdi, -1)
	assert.ErrorIs(t, err, ErrDerivation)

	// Same index, same keypair.
	a, _, err := DerivedKeypair(cdi, 4)
	require.NoError(t, err)
	b, _, err := DerivedKeypair(cdi, 4)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSealingKey(t *testing.T) {
	root := bytes.Repeat([]byte{1}, 32)
	hash := bytes.Repeat([]byte{2}, 64)

	k1, err := SealingKey(root, hash, []byte("ident-a"))
	require.NoError(t, err)
	assert.Len(t, k1, SealingKeySize)

	k2, err := SealingKey(root, hash, []byte("ident-a"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "same inputs, same key")

	k3, err := SealingKey(root, hash, []byte("ident-b"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "identifier separates keys")

	otherHash := bytes.Repeat([]byte{3}, 64)
	k4, err := SealingKey(root, otherHash, []byte("ident-a"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4, "measurement separates keys")
}
