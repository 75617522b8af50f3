// Package boot provisions the security monitor's own identity: the
// device root public key, the monitor keypair, the monitor
// measurement and the two lower certificates of the attestation
// chain. On hardware these arrive from the boot ROM; the package also
// derives a deterministic development chain so the host tools and
// tests can run unprovisioned.
package boot

import (
	"crypto"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/sha3"

	"keystonesm/internal/dice"
	"keystonesm/internal/identity"
	"keystonesm/internal/security"
)

// Common names on the provisioned certificates.
const (
	DeviceRootCN      = "Device Root Key"
	SecurityMonitorCN = "Security Monitor"
)

var ErrProvisioning = errors.New("boot: provisioning failed")

// Identity is the monitor's provisioned identity, read-only after
// boot.
type Identity struct {
	DevPublicKey [identity.PublicKeySize]byte
	SMHash       [64]byte
	SMSignature  [identity.SignatureSize]byte
	SMPublic     ed25519.PublicKey
	SMCertDER    []byte
	DevCertDER   []byte

	smPriv *security.LockedBuffer
}

// signer adapts the locked monitor key to crypto.Signer for the
// certificate builder.
type signer struct{ id *Identity }

func (s signer) Public() crypto.PublicKey { return s.id.SMPublic }

func (s signer) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	return ed25519.Sign(ed25519.PrivateKey(s.id.smPriv.Bytes()), digest), nil
}

// Signer returns the monitor key as a crypto.Signer for certificate
// issuance.
func (id *Identity) Signer() crypto.Signer { return signer{id} }

// Sign signs msg with the monitor private key.
func (id *Identity) Sign(msg []byte) [identity.SignatureSize]byte {
	var sig [identity.SignatureSize]byte
	copy(sig[:], ed25519.Sign(ed25519.PrivateKey(id.smPriv.Bytes()), msg))
	return sig
}

// SealingRoot returns the monitor secret feeding the sealing-key KDF.
func (id *Identity) SealingRoot() []byte {
	return id.smPriv.Bytes()[:ed25519.SeedSize]
}

// Destroy wipes the monitor private key.
func (id *Identity) Destroy() {
	if id.smPriv != nil {
		id.smPriv.Destroy()
	}
}

// Derive builds a fully deterministic identity chain from a device
// secret: device root keypair, monitor keypair, monitor measurement,
// and the device-root and monitor certificates. Mirrors what the boot
// ROM performs during measured boot.
func Derive(deviceSecret []byte) (*Identity, error) {
	// Device root keypair from the device secret.
	devSeed := digest64(append([]byte("device-root"), deviceSecret...))
	devKey := ed25519.NewKeyFromSeed(devSeed[:ed25519.SeedSize])
	devPub := devKey.Public().(ed25519.PublicKey)

	// Monitor keypair from the device secret under its own label.
	smSeed := digest64(append([]byte("security-monitor"), deviceSecret...))
	smKey := ed25519.NewKeyFromSeed(smSeed[:ed25519.SeedSize])
	security.Wipe(devSeed[:])
	security.Wipe(smSeed[:])

	id := &Identity{
		SMPublic: smKey.Public().(ed25519.PublicKey),
		smPriv:   security.NewLockedBuffer(smKey),
	}
	copy(id.DevPublicKey[:], devPub)

	// The monitor measurement: on hardware the boot ROM hashes the
	// monitor image; the derived chain pins the monitor public key.
	h := sha3.New512()
	h.Write([]byte("sm-image"))
	h.Write(id.SMPublic)
	h.Sum(id.SMHash[:0])
	copy(id.SMSignature[:], ed25519.Sign(devKey, id.SMHash[:]))

	notBefore := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	devBuilder := &dice.Builder{
		Issuer:     DeviceRootCN,
		Subject:    DeviceRootCN,
		Serial:     []byte{1},
		NotBefore:  notBefore,
		NotAfter:   notAfter,
		SubjectKey: devPub,
		TcbDigest:  id.SMHash[:],
	}
	devDER, err := devBuilder.Sign(ed25519Signer{devKey})
	if err != nil {
		return nil, fmt.Errorf("%w: device root certificate: %v", ErrProvisioning, err)
	}
	id.DevCertDER = devDER

	smBuilder := &dice.Builder{
		Issuer:     DeviceRootCN,
		Subject:    SecurityMonitorCN,
		Serial:     []byte{2},
		NotBefore:  notBefore,
		NotAfter:   notAfter,
		SubjectKey: id.SMPublic,
		TcbDigest:  id.SMHash[:],
	}
	smDER, err := smBuilder.Sign(ed25519Signer{devKey})
	if err != nil {
		return nil, fmt.Errorf("%w: monitor certificate: %v", ErrProvisioning, err)
	}
	id.SMCertDER = smDER

	security.Wipe(devKey)
	return id, nil
}

// Load reads a provisioned identity: a raw 32-byte monitor key seed,
// the DER device-root and monitor certificates emitted at
// manufacturing time, and optionally the device-root signature over
// the monitor measurement.
func Load(smSeedPath, devCertPath, smCertPath, smSigPath string) (*Identity, error) {
	seed, err := os.ReadFile(smSeedPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read monitor seed: %v", ErrProvisioning, err)
	}
	if len(seed) != ed25519.SeedSize {
		security.Wipe(seed)
		return nil, fmt.Errorf("%w: monitor seed must be %d raw bytes", ErrProvisioning, ed25519.SeedSize)
	}
	smKey := ed25519.NewKeyFromSeed(seed)
	security.Wipe(seed)

	devDER, err := os.ReadFile(devCertPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read device certificate: %v", ErrProvisioning, err)
	}
	smDER, err := os.ReadFile(smCertPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read monitor certificate: %v", ErrProvisioning, err)
	}
	devPub, err := dice.PublicKey(devDER)
	if err != nil {
		return nil, fmt.Errorf("%w: device certificate: %v", ErrProvisioning, err)
	}

	id := &Identity{
		SMPublic:   smKey.Public().(ed25519.PublicKey),
		smPriv:     security.NewLockedBuffer(smKey),
		SMCertDER:  smDER,
		DevCertDER: devDER,
	}
	copy(id.DevPublicKey[:], devPub)

	// The provisioned monitor certificate pins the boot-time monitor
	// measurement; recover it rather than recomputing.
	if md, err := dice.Measurement(smDER); err == nil && len(md) == len(id.SMHash) {
		copy(id.SMHash[:], md)
	}

	if smSigPath != "" {
		sig, err := os.ReadFile(smSigPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read monitor signature: %v", ErrProvisioning, err)
		}
		if len(sig) != identity.SignatureSize {
			return nil, fmt.Errorf("%w: monitor signature must be %d bytes", ErrProvisioning, identity.SignatureSize)
		}
		copy(id.SMSignature[:], sig)
	}
	return id, nil
}

type ed25519Signer struct{ key ed25519.PrivateKey }

func (s ed25519Signer) Public() crypto.PublicKey { return s.key.Public() }

func (s ed25519Signer) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	return ed25519.Sign(s.key, digest), nil
}

func digest64(in []byte) [64]byte {
	var out [64]byte
	h := sha3.New512()
	h.Write(in)
	h.Sum(out[:0])
	return out
}
