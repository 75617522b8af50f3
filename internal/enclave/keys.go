package enclave

import (
	"crypto/rand"
	"time"

	"golang.org/x/crypto/sha3"

	"keystonesm/internal/dice"
	"keystonesm/internal/identity"
	"keystonesm/internal/logging"
	"keystonesm/internal/phys"
	"keystonesm/internal/security"
)

var cryptoRandRead = rand.Read

// CreateKeypair derives enclave keypair number index from the CDI and
// writes the public key to pkAddr. The first keypair an enclave
// requests becomes its LDevID and additionally receives a certificate,
// written to crtAddr with its length at crtLenAddr.
func (m *Monitor) CreateKeypair(eid uint32, pkAddr uint64, index int, crtAddr, crtLenAddr uint64) error {
	m.mu.Lock()
	if !m.exists(eid) || m.enclaves[eid].state < Fresh {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	e := &m.enclaves[eid]
	if e.nKeypair >= MaxKeypairs {
		m.mu.Unlock()
		return ErrNoFreeResource
	}
	pub, priv, err := identity.DerivedKeypair(e.cdi[:], index)
	if err != nil {
		m.mu.Unlock()
		return ErrIllegalArgument
	}
	e.pkArray[e.nKeypair] = pub
	e.skArray[e.nKeypair] = priv
	if e.nKeypair == 0 {
		e.pkLdev = pub
		e.skLdev = priv
	}
	e.nKeypair++
	first := e.nKeypair == 1
	hash := e.hash
	m.mu.Unlock()

	if err := phys.CopyFromSM(m.mem, m.sm, pkAddr, pub[:]); err != nil {
		return ErrIllegalArgument
	}
	security.Wipe(priv[:])

	m.audit.Success(logging.AuditKeypairCreated, eid, "create_keypair")
	if !first {
		return nil
	}

	ldev := &dice.Builder{
		Issuer:     "Security Monitor",
		Subject:    "Enclave LDevID",
		Serial:     []byte{byte(10*eid + 1)},
		NotBefore:  time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		SubjectKey: pub[:],
		TcbDigest:  hash[:],
	}
	var certBuf [dice.MaxCertSize]byte
	tail, n, err := ldev.EmitTail(certBuf[:], m.id.Signer())
	if err != nil {
		return ErrUnknown
	}

	m.mu.Lock()
	e.ldevCertDER = make([]byte, n)
	copy(e.ldevCertDER, tail)
	m.mu.Unlock()

	if err := phys.WriteWord(m.mem, m.sm, crtLenAddr, uint64(n)); err != nil {
		return ErrIllegalArgument
	}
	if err := phys.CopyFromSM(m.mem, m.sm, crtAddr, tail); err != nil {
		return ErrIllegalArgument
	}
	return nil
}

// CertChain returns the enclave's certificate chain in wire order:
// LAK, monitor ECA, device root.
func (m *Monitor) CertChain(eid uint32) (dice.Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists(eid) || m.enclaves[eid].state < Fresh {
		return dice.Chain{}, ErrNotInitialized
	}
	return dice.Chain{
		LAK: m.enclaves[eid].lakCertDER,
		SM:  m.id.SMCertDER,
		Dev: m.id.DevCertDER,
	}, nil
}

// WriteCertChain services the enclave-facing chain call: certsAddr
// points at three destination pointers in enclave memory, sizesAddr at
// three length words.
func (m *Monitor) WriteCertChain(eid uint32, certsAddr, sizesAddr uint64) error {
	chain, err := m.CertChain(eid)
	if err != nil {
		return err
	}
	ders := [3][]byte{chain.LAK, chain.SM, chain.Dev}

	var dests [3]uint64
	for i := range dests {
		d, err := phys.ReadWord(m.mem, m.sm, certsAddr+uint64(i*8))
		if err != nil {
			return ErrIllegalArgument
		}
		dests[i] = d
	}
	for i, der := range ders {
		if err := phys.WriteWord(m.mem, m.sm, sizesAddr+uint64(i*8), uint64(len(der))); err != nil {
			return ErrIllegalArgument
		}
		if err := phys.CopyFromSM(m.mem, m.sm, dests[i], der); err != nil {
			return ErrIllegalArgument
		}
	}
	return nil
}

// Crypto operation flags.
const (
	CryptoOpSignTCI  = 1 // sign SHA3(data ‖ measurement ‖ LDevID pk) with the LAK
	CryptoOpSignWith = 2 // sign data with a previously created keypair
)

// CryptoOp services the enclave crypto interface. Output is always a
// 64-byte signature written to outAddr, with its length at outLenAddr.
func (m *Monitor) CryptoOp(eid uint32, flag uint64, dataAddr, dataLen, outAddr, outLenAddr, pkAddr uint64) error {
	if dataLen > CryptoDataMaxLen {
		return ErrIllegalArgument
	}
	data := make([]byte, dataLen)
	if err := phys.CopyToSM(m.mem, m.sm, data, dataAddr, dataLen); err != nil {
		return ErrIllegalArgument
	}
	var pk [identity.PublicKeySize]byte
	if err := phys.CopyToSM(m.mem, m.sm, pk[:], pkAddr, identity.PublicKeySize); err != nil {
		return ErrIllegalArgument
	}

	m.mu.Lock()
	if !m.exists(eid) || m.enclaves[eid].state < Fresh {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	e := &m.enclaves[eid]

	var sig [identity.SignatureSize]byte
	switch flag {
	case CryptoOpSignTCI:
		h := sha3.New512()
		h.Write(data)
		h.Write(e.hash[:])
		h.Write(e.pkLdev[:])
		var digest [64]byte
		h.Sum(digest[:0])
		sig = identity.Sign(e.localAttPriv[:], digest[:])
	case CryptoOpSignWith:
		pos := -1
		for i := 0; i < e.nKeypair; i++ {
			if security.ConstantTimeEqual(e.pkArray[i][:], pk[:]) {
				pos = i
				break
			}
		}
		if pos == -1 {
			m.mu.Unlock()
			return ErrIllegalArgument
		}
		sig = identity.Sign(e.skArray[pos][:], data)
	default:
		m.mu.Unlock()
		return ErrIllegalArgument
	}
	m.mu.Unlock()

	if err := phys.CopyFromSM(m.mem, m.sm, outAddr, sig[:]); err != nil {
		return ErrIllegalArgument
	}
	if err := phys.WriteWord(m.mem, m.sm, outLenAddr, identity.SignatureSize); err != nil {
		return ErrIllegalArgument
	}
	return nil
}

// scrubSecrets wipes all per-enclave key material during destruction.
func (e *slot) scrubSecrets() {
	security.Wipe(e.hash[:])
	security.Wipe(e.parentCDI[:])
	security.Wipe(e.cdi[:])
	security.Wipe(e.localAttPub[:])
	security.Wipe(e.localAttPriv[:])
	for i := range e.skArray {
		security.Wipe(e.skArray[i][:])
		security.Wipe(e.pkArray[i][:])
	}
	security.Wipe(e.pkLdev[:])
	security.Wipe(e.skLdev[:])
	e.lakCertDER = nil
	e.ldevCertDER = nil
	e.nKeypair = 0
}
