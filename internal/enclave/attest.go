package enclave

import (
	"encoding/binary"

	"keystonesm/internal/identity"
	"keystonesm/internal/logging"
	"keystonesm/internal/phys"
	"keystonesm/internal/security"
)

// Attest builds and signs an attestation report over size bytes of
// enclave-supplied data and writes it back to reportAddr in the
// enclave. The lock is released across signing.
func (m *Monitor) Attest(reportAddr, dataAddr, size uint64, eid uint32) error {
	if size > AttestDataMaxLen {
		return ErrIllegalArgument
	}

	var report Report

	m.mu.Lock()
	attestable := m.exists(eid) && m.enclaves[eid].state >= Fresh
	if !attestable {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if err := phys.CopyToSM(m.mem, m.sm, report.Enclave.Data[:], dataAddr, size); err != nil {
		m.mu.Unlock()
		return ErrNotAccessible
	}
	report.Enclave.DataLen = size
	report.Enclave.Hash = m.enclaves[eid].hash
	m.mu.Unlock() // no need to hold the table across signing

	report.DevPublicKey = m.id.DevPublicKey
	report.SM.Hash = m.id.SMHash
	copy(report.SM.PublicKey[:], m.id.SMPublic)
	report.SM.Signature = m.id.SMSignature
	report.Enclave.Signature = m.id.Sign(report.Enclave.SignedPrefix())

	encoded, err := report.MarshalBinary()
	if err != nil {
		return ErrUnknown
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := phys.CopyFromSM(m.mem, m.sm, reportAddr, encoded); err != nil {
		return ErrIllegalArgument
	}
	m.met.attests.Inc()
	m.audit.Success(logging.AuditAttestation, eid, "attest")
	return nil
}

// SealingKey layout: the derived key followed by the monitor
// signature over it.
const SealingKeyRecordSize = identity.SealingKeySize + identity.SignatureSize

// GetSealingKey derives the enclave's sealing key for a caller-chosen
// identifier and writes the key-plus-signature record to keyAddr.
func (m *Monitor) GetSealingKey(keyAddr, identAddr, identSize uint64, eid uint32) error {
	if identSize > CryptoDataMaxLen {
		return ErrIllegalArgument
	}

	m.mu.Lock()
	if !m.exists(eid) || m.enclaves[eid].state < Fresh {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	hash := m.enclaves[eid].hash
	m.mu.Unlock()

	ident := make([]byte, identSize)
	if err := phys.CopyToSM(m.mem, m.sm, ident, identAddr, identSize); err != nil {
		return ErrNotAccessible
	}

	key, err := identity.SealingKey(m.id.SealingRoot(), hash[:], ident)
	if err != nil {
		return ErrUnknown
	}
	sig := m.id.Sign(key)

	record := make([]byte, 0, SealingKeyRecordSize)
	record = append(record, key...)
	record = append(record, sig[:]...)
	security.Wipe(key)

	err = phys.CopyFromSM(m.mem, m.sm, keyAddr, record)
	security.Wipe(record)
	if err != nil {
		return ErrIllegalArgument
	}
	m.audit.Success(logging.AuditSealingKey, eid, "sealing_key")
	return nil
}

// Random returns one machine word of monitor entropy.
func (m *Monitor) Random() (uint64, error) {
	var buf [8]byte
	if _, err := cryptoRandRead(buf[:]); err != nil {
		return 0, ErrUnknown
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
