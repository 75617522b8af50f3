// Package dice builds and checks the X.509 certificates that carry
// enclave measurements: DER emission with a DICE TcbInfo extension,
// a pluggable issuer signer, and chain verification for the
// device-root → monitor-ECA → enclave-LAK hierarchy.
package dice

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// MaxCertSize bounds a stored DER certificate.
const MaxCertSize = 1024

// OIDs: the DICE TcbInfo extension and the SHA3-512 digest algorithm
// named inside its measure entry.
var (
	OIDTcbInfo = asn1.ObjectIdentifier{2, 23, 133, 5, 4, 1}
	OIDSHA3512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 10}
)

// Errors
var (
	ErrEmit      = errors.New("dice: certificate emission failed")
	ErrBadChain  = errors.New("dice: certificate chain verification failed")
	ErrNoTcbInfo = errors.New("dice: certificate carries no TcbInfo extension")
)

// Measure is one measured-component entry of the TcbInfo extension.
type Measure struct {
	HashAlg asn1.ObjectIdentifier
	Digest  []byte
}

type tcbInfo struct {
	FWIDs []Measure `asn1:"tag:6"`
}

// Builder describes one certificate to be issued. The zero value is
// not usable; fill every field.
type Builder struct {
	Issuer     string // issuer CN
	Subject    string // subject CN
	Serial     []byte // raw serial, big-endian
	NotBefore  time.Time
	NotAfter   time.Time
	SubjectKey ed25519.PublicKey
	TcbDigest  []byte // measurement pinned by the TcbInfo extension
}

// Sign emits the DER certificate signed by the issuer key.
func (b *Builder) Sign(issuerKey crypto.Signer) ([]byte, error) {
	ext, err := asn1.Marshal(tcbInfo{FWIDs: []Measure{{HashAlg: OIDSHA3512, Digest: b.TcbDigest}}})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmit, err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:       new(big.Int).SetBytes(b.Serial),
		Subject:            pkix.Name{CommonName: b.Subject},
		NotBefore:          b.NotBefore,
		NotAfter:           b.NotAfter,
		KeyUsage:           x509.KeyUsageDigitalSignature,
		SignatureAlgorithm: x509.PureEd25519,
		ExtraExtensions: []pkix.Extension{{
			Id:    OIDTcbInfo,
			Value: ext,
		}},
	}
	parent := &x509.Certificate{Subject: pkix.Name{CommonName: b.Issuer}}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, b.SubjectKey, issuerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmit, err)
	}
	if len(der) > MaxCertSize {
		return nil, fmt.Errorf("%w: certificate exceeds %d bytes", ErrEmit, MaxCertSize)
	}
	return der, nil
}

// EmitTail emits the certificate into the tail of buf, the way the
// firmware emitter fills a fixed buffer back-to-front, and returns the
// tail slice plus its length.
func (b *Builder) EmitTail(buf []byte, issuerKey crypto.Signer) ([]byte, int, error) {
	der, err := b.Sign(issuerKey)
	if err != nil {
		return nil, 0, err
	}
	if len(der) > len(buf) {
		return nil, 0, fmt.Errorf("%w: buffer too small for %d-byte certificate", ErrEmit, len(der))
	}
	tail := buf[len(buf)-len(der):]
	copy(tail, der)
	return tail, len(der), nil
}

// Chain is the on-the-wire certificate chain handed to enclaves:
// enclave LAK, monitor ECA, device root, in that order.
type Chain struct {
	LAK []byte
	SM  []byte
	Dev []byte
}

// SubjectCN returns the subject common name of a DER certificate.
func SubjectCN(der []byte) (string, error) {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return "", err
	}
	return c.Subject.CommonName, nil
}

// PublicKey returns the Ed25519 subject key of a DER certificate.
func PublicKey(der []byte) (ed25519.PublicKey, error) {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pub, ok := c.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: subject key is not Ed25519", ErrBadChain)
	}
	return pub, nil
}

// VerifySignedBy checks that der's signature was produced by the
// holder of parentPub.
func VerifySignedBy(der []byte, parentPub ed25519.PublicKey) error {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadChain, err)
	}
	if !ed25519.Verify(parentPub, c.RawTBSCertificate, c.Signature) {
		return fmt.Errorf("%w: signature mismatch for %q", ErrBadChain, c.Subject.CommonName)
	}
	return nil
}

// VerifyChain walks LAK→SM→Dev: the LAK certificate must be signed by
// the monitor key, the monitor certificate by the device root, and
// the device root by itself.
func VerifyChain(ch Chain) error {
	smPub, err := PublicKey(ch.SM)
	if err != nil {
		return err
	}
	devPub, err := PublicKey(ch.Dev)
	if err != nil {
		return err
	}
	if err := VerifySignedBy(ch.LAK, smPub); err != nil {
		return err
	}
	if err := VerifySignedBy(ch.SM, devPub); err != nil {
		return err
	}
	return VerifySignedBy(ch.Dev, devPub)
}

// Measurement extracts the measure digest pinned by the certificate's
// TcbInfo extension.
func Measurement(der []byte) ([]byte, error) {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	for _, ext := range c.Extensions {
		if !ext.Id.Equal(OIDTcbInfo) {
			continue
		}
		var info tcbInfo
		if _, err := asn1.Unmarshal(ext.Value, &info); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoTcbInfo, err)
		}
		if len(info.FWIDs) == 0 {
			return nil, ErrNoTcbInfo
		}
		return info.FWIDs[0].Digest, nil
	}
	return nil, ErrNoTcbInfo
}
