package enclave

import (
	"encoding/binary"
	"fmt"

	"keystonesm/internal/identity"
)

// Report layout sizes.
const (
	MDSize = 64

	enclaveReportSize = MDSize + 8 + AttestDataMaxLen + identity.SignatureSize
	smReportSize      = MDSize + identity.PublicKeySize + identity.SignatureSize
	ReportSize        = identity.PublicKeySize + smReportSize + enclaveReportSize
)

// EnclaveReport is the enclave sub-record of an attestation report.
// The signature covers the fixed prefix (hash, data_len) plus exactly
// DataLen bytes of Data.
type EnclaveReport struct {
	Hash      [MDSize]byte
	DataLen   uint64
	Data      [AttestDataMaxLen]byte
	Signature [identity.SignatureSize]byte
}

// SMReport identifies the monitor inside a report.
type SMReport struct {
	Hash      [MDSize]byte
	PublicKey [identity.PublicKeySize]byte
	Signature [identity.SignatureSize]byte
}

// Report is the signed bundle returned by attestation.
type Report struct {
	DevPublicKey [identity.PublicKeySize]byte
	SM           SMReport
	Enclave      EnclaveReport
}

// SignedPrefix returns the bytes the enclave signature covers.
func (r *EnclaveReport) SignedPrefix() []byte {
	n := int(r.DataLen)
	buf := make([]byte, 0, MDSize+8+n)
	buf = append(buf, r.Hash[:]...)
	var l [8]byte
	binary.LittleEndian.PutUint64(l[:], r.DataLen)
	buf = append(buf, l[:]...)
	buf = append(buf, r.Data[:n]...)
	return buf
}

// MarshalBinary encodes the report in its fixed wire layout,
// little-endian words, fields in declaration order.
func (r *Report) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, ReportSize)
	buf = append(buf, r.DevPublicKey[:]...)
	buf = append(buf, r.SM.Hash[:]...)
	buf = append(buf, r.SM.PublicKey[:]...)
	buf = append(buf, r.SM.Signature[:]...)
	buf = append(buf, r.Enclave.Hash[:]...)
	var l [8]byte
	binary.LittleEndian.PutUint64(l[:], r.Enclave.DataLen)
	buf = append(buf, l[:]...)
	buf = append(buf, r.Enclave.Data[:]...)
	buf = append(buf, r.Enclave.Signature[:]...)
	return buf, nil
}

// UnmarshalBinary decodes a report from its wire layout.
func (r *Report) UnmarshalBinary(data []byte) error {
	if len(data) != ReportSize {
		return fmt.Errorf("%w: report must be %d bytes", ErrIllegalArgument, ReportSize)
	}
	off := 0
	take := func(n int) []byte {
		b := data[off : off+n]
		off += n
		return b
	}
	copy(r.DevPublicKey[:], take(identity.PublicKeySize))
	copy(r.SM.Hash[:], take(MDSize))
	copy(r.SM.PublicKey[:], take(identity.PublicKeySize))
	copy(r.SM.Signature[:], take(identity.SignatureSize))
	copy(r.Enclave.Hash[:], take(MDSize))
	r.Enclave.DataLen = binary.LittleEndian.Uint64(take(8))
	copy(r.Enclave.Data[:], take(AttestDataMaxLen))
	copy(r.Enclave.Signature[:], take(identity.SignatureSize))
	if r.Enclave.DataLen > AttestDataMaxLen {
		return fmt.Errorf("%w: data length %d", ErrIllegalArgument, r.Enclave.DataLen)
	}
	return nil
}

// Verify checks the enclave signature against the monitor public key
// embedded in the report.
func (r *Report) Verify() bool {
	return identity.Verify(r.SM.PublicKey[:], r.Enclave.SignedPrefix(), r.Enclave.Signature[:])
}
