// Package identity implements the DICE-style derivation chain that
// gives each enclave its cryptographic identity: measurement → CDI →
// local attestation keypair, plus the deterministic keypairs and
// sealing keys an enclave can request at run time.
//
// All derivations are deterministic in their inputs. Compromise of a
// derived key never reveals the parent secret; transient seeds are
// wiped as soon as the keypair exists.
package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"keystonesm/internal/security"
)

// Key and digest sizes, fixed by the wire formats.
const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
	CDISize        = 64
	SealingKeySize = 128
)

// ErrDerivation is returned when a key derivation primitive fails.
var ErrDerivation = errors.New("identity: key derivation failed")

// DeriveCDI computes the compound device identifier for an enclave:
// SHA3-512(parent CDI ‖ enclave measurement).
func DeriveCDI(parent, measurement []byte) [CDISize]byte {
	var cdi [CDISize]byte
	h := sha3.New512()
	h.Write(parent)
	h.Write(measurement)
	h.Sum(cdi[:0])
	return cdi
}

// AttestationKeypair derives the enclave's local attestation keypair
// directly from its CDI.
func AttestationKeypair(cdi []byte) (pub [PublicKeySize]byte, priv [PrivateKeySize]byte) {
	key := ed25519.NewKeyFromSeed(cdi[:ed25519.SeedSize])
	copy(priv[:], key)
	copy(pub[:], key.Public().(ed25519.PublicKey))
	security.Wipe(key)
	return pub, priv
}

// DerivedKeypair derives enclave keypair number index:
// seed = SHA3-512(CDI ‖ ascii digit of index). The transient seed is
// wiped before returning.
func DerivedKeypair(cdi []byte, index int) (pub [PublicKeySize]byte, priv [PrivateKeySize]byte, err error) {
	if index < 0 || index > 9 {
		return pub, priv, fmt.Errorf("%w: keypair index %d out of digit range", ErrDerivation, index)
	}
	seed := make([]byte, 0, CDISize+1)
	seed = append(seed, cdi...)
	seed = append(seed, byte('0'+index))

	var digest [CDISize]byte
	h := sha3.New512()
	h.Write(seed)
	h.Sum(digest[:0])
	security.Wipe(seed)

	key := ed25519.NewKeyFromSeed(digest[:ed25519.SeedSize])
	copy(priv[:], key)
	copy(pub[:], key.Public().(ed25519.PublicKey))
	security.Wipe(digest[:])
	security.Wipe(key)
	return pub, priv, nil
}

// SealingKey derives the per-enclave sealing key from the monitor
// root secret, the enclave measurement and a caller-chosen identifier.
func SealingKey(root, measurement, ident []byte) ([]byte, error) {
	r := hkdf.New(sha3.New512, root, measurement, ident)
	key := make([]byte, SealingKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return key, nil
}

// Sign signs msg with a 64-byte private key produced by this package.
func Sign(priv []byte, msg []byte) [SignatureSize]byte {
	var sig [SignatureSize]byte
	copy(sig[:], ed25519.Sign(ed25519.PrivateKey(priv), msg))
	return sig
}

// Verify checks an Ed25519 signature.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
