package enclave

import (
	"fmt"
	"time"

	"keystonesm/internal/dice"
	"keystonesm/internal/hart"
	"keystonesm/internal/identity"
	"keystonesm/internal/logging"
	"keystonesm/internal/measure"
	"keystonesm/internal/pmp"
)

// validateCreateArgs applies the creation argument rules: positive
// private size, no range overflow, runtime/user/free inside the EPM
// and in order.
func validateCreateArgs(a *CreateArgs) bool {
	if a.EPM.Size == 0 {
		return false
	}
	if a.EPM.Base+a.EPM.Size < a.EPM.Base {
		return false
	}
	if a.UTM.Base+a.UTM.Size < a.UTM.Base {
		return false
	}
	epmEnd := a.EPM.End()
	if a.RuntimePAddr < a.EPM.Base || a.RuntimePAddr >= epmEnd {
		return false
	}
	if a.UserPAddr < a.EPM.Base || a.UserPAddr >= epmEnd {
		return false
	}
	// free == end is legal when the enclave has no free memory.
	if a.FreePAddr < a.EPM.Base || a.FreePAddr > epmEnd {
		return false
	}
	if a.RuntimePAddr > a.UserPAddr || a.UserPAddr > a.FreePAddr {
		return false
	}
	return true
}

// allocEID finds a free slot and moves it to Allocated.
func (m *Monitor) allocEID() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for eid := uint32(0); eid < MaxEnclaves; eid++ {
		if m.enclaves[eid].state == Invalid {
			m.enclaves[eid].state = Allocated
			m.met.live.Inc()
			return eid, nil
		}
	}
	return 0, ErrNoFreeResource
}

func (m *Monitor) freeEID(eid uint32) {
	m.mu.Lock()
	m.enclaves[eid].state = Invalid
	m.met.live.Dec()
	m.mu.Unlock()
}

// Create builds a new enclave from host-supplied regions: PMP
// reservation, shared-memory scrub, slot population, validation and
// measurement, then identity derivation and LAK certification. On any
// failure all prior side effects are rolled back in reverse order.
func (m *Monitor) Create(args CreateArgs) (uint32, error) {
	if !validateCreateArgs(&args) {
		return 0, ErrIllegalArgument
	}

	params := RuntimeParams{
		DRAMBase:      args.EPM.Base,
		DRAMSize:      args.EPM.Size,
		RuntimeBase:   args.RuntimePAddr,
		UserBase:      args.UserPAddr,
		FreeBase:      args.FreePAddr,
		UntrustedBase: args.UTM.Base,
		UntrustedSize: args.UTM.Size,
		FreeRequested: args.FreeRequested,
	}

	eid, err := m.allocEID()
	if err != nil {
		m.audit.Failure(logging.AuditEnclaveCreated, 0, "create", err)
		return 0, err
	}

	region, err := m.pmp.Init(args.EPM.Base, args.EPM.Size, pmp.PriorityAny, false)
	if err != nil {
		m.freeEID(eid)
		return 0, fmt.Errorf("%w: %v", ErrPMPFailure, err)
	}
	sharedRegion, err := m.pmp.Init(args.UTM.Base, args.UTM.Size, pmp.PriorityBottom, false)
	if err != nil {
		m.pmp.Free(region)
		m.freeEID(eid)
		return 0, fmt.Errorf("%w: %v", ErrPMPFailure, err)
	}
	if err := m.pmp.SetGlobal(region, pmp.NoPerm); err != nil {
		m.pmp.Free(sharedRegion)
		m.pmp.Free(region)
		m.freeEID(eid)
		return 0, fmt.Errorf("%w: %v", ErrPMPFailure, err)
	}

	// The shared window may be in an indeterminate state; scrub it.
	if err := m.mem.Zero(args.UTM.Base, args.UTM.Size); err != nil {
		m.rollbackCreate(eid, region, sharedRegion, false)
		return 0, ErrIllegalArgument
	}

	e := &m.enclaves[eid]
	e.eid = eid
	e.regions[0] = Region{Type: RegionEPM, PMP: region}
	e.regions[1] = Region{Type: RegionUTM, PMP: sharedRegion}
	e.satp = measure.EncodeSATP(args.EPM.Base)
	e.nThread = 0
	e.params = params
	e.threads = [MaxThreadsCap]ThreadState{}
	e.threadBusy = [MaxThreadsCap]bool{}
	e.hartThread = nil
	e.parentCDI = [identity.CDISize]byte{}
	e.nKeypair = 0

	// Platform create runs last before measurement since it may amend
	// the slot (e.g. seed the parent CDI).
	if err := m.platform.CreateEnclave(eid, &e.parentCDI); err != nil {
		m.rollbackCreate(eid, region, sharedRegion, false)
		return 0, ErrUnknown
	}

	m.mu.Lock()
	hash, err := measure.HashEnclave(m.mem, args.EPM, measure.Params(params))
	if err != nil {
		m.mu.Unlock()
		m.rollbackCreate(eid, region, sharedRegion, true)
		m.audit.Failure(logging.AuditEnclaveCreated, eid, "create", err)
		return 0, ErrIllegalArgument
	}
	e.hash = hash

	// The enclave is fresh once validated and hashed but not yet run.
	e.state = Fresh

	e.cdi = identity.DeriveCDI(e.parentCDI[:], e.hash[:])
	e.localAttPub, e.localAttPriv = identity.AttestationKeypair(e.cdi[:])

	lak := &dice.Builder{
		Issuer:     "Security Monitor",
		Subject:    "Enclave LAK",
		Serial:     []byte{byte(eid)},
		NotBefore:  time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		SubjectKey: e.localAttPub[:],
		TcbDigest:  e.hash[:],
	}
	var certBuf [dice.MaxCertSize]byte
	tail, n, err := lak.EmitTail(certBuf[:], m.id.Signer())
	if err != nil {
		m.mu.Unlock()
		m.rollbackCreate(eid, region, sharedRegion, true)
		m.audit.Failure(logging.AuditEnclaveCreated, eid, "create", err)
		return 0, ErrUnknown
	}
	e.lakCertDER = make([]byte, n)
	copy(e.lakCertDER, tail)
	m.mu.Unlock()

	m.met.created.Inc()
	m.audit.Success(logging.AuditEnclaveCreated, eid, "create")
	m.log.Info("enclave created", "eid", eid,
		"epm_base", args.EPM.Base, "epm_size", args.EPM.Size,
		"utm_base", args.UTM.Base, "utm_size", args.UTM.Size)
	return eid, nil
}

// rollbackCreate undoes creation side effects in reverse order.
func (m *Monitor) rollbackCreate(eid uint32, region, sharedRegion pmp.RegionID, platformCreated bool) {
	if platformCreated {
		m.platform.DestroyEnclave(eid)
	}
	e := &m.enclaves[eid]
	for i := range e.regions {
		e.regions[i] = Region{Type: RegionInvalid}
	}
	e.satp = 0
	e.params = RuntimeParams{}
	e.scrubSecrets()
	m.pmp.Free(sharedRegion)
	m.pmp.Free(region)
	m.freeEID(eid)
}

// Run starts a fresh enclave on the calling hart as its first thread.
func (m *Monitor) Run(h hart.Hart, regs *hart.Regs, eid uint32) error {
	m.mu.Lock()
	runnable := m.exists(eid) && m.enclaves[eid].state == Fresh
	if runnable {
		m.enclaves[eid].state = Running
		m.enclaves[eid].nThread++
		m.enclaves[eid].threadBusy[0] = true
	}
	m.mu.Unlock()

	if !runnable {
		return ErrNotFresh
	}
	m.enterEnclave(h, regs, eid, 0, true)
	m.met.runs.Inc()
	m.audit.Success(logging.AuditEnclaveRun, eid, "run")
	return nil
}

// Exit leaves the enclave for good on this hart.
func (m *Monitor) Exit(h hart.Hart, regs *hart.Regs, eid uint32) error {
	m.mu.Lock()
	exitable := m.exists(eid) && m.enclaves[eid].state == Running
	if exitable {
		m.enclaves[eid].nThread--
		if m.enclaves[eid].nThread == 0 {
			m.enclaves[eid].state = Stopped
		}
	}
	m.mu.Unlock()

	if !exitable {
		return ErrNotRunning
	}
	m.exitEnclave(h, regs, eid, false)
	m.audit.Success(logging.AuditEnclaveStopped, eid, "exit")
	return nil
}

// Stop suspends the enclave on this hart and reports why: the control
// returns ErrInterrupted and ErrEdgeCallHost surface at the SBI
// boundary exactly like error codes.
func (m *Monitor) Stop(h hart.Hart, regs *hart.Regs, request StopRequest, eid uint32) error {
	m.mu.Lock()
	stoppable := m.exists(eid) && m.enclaves[eid].state == Running
	if stoppable {
		m.enclaves[eid].nThread--
		if m.enclaves[eid].nThread == 0 {
			m.enclaves[eid].state = Stopped
		}
	}
	m.mu.Unlock()

	if !stoppable {
		return ErrNotRunning
	}
	m.exitEnclave(h, regs, eid, request == StopEdgeCallHost)
	m.met.stops.Inc()
	m.audit.Success(logging.AuditEnclaveStopped, eid, "stop")

	switch request {
	case StopTimerInterrupt:
		return ErrInterrupted
	case StopEdgeCallHost:
		return ErrEdgeCallHost
	default:
		return ErrUnknown
	}
}

// Resume re-enters a stopped enclave, or an already-running one when
// the SMP policy switch permits additional harts.
func (m *Monitor) Resume(h hart.Hart, regs *hart.Regs, eid uint32) error {
	m.mu.Lock()
	if eid >= MaxEnclaves {
		m.mu.Unlock()
		return ErrNotResumable
	}
	e := &m.enclaves[eid]
	stateOK := e.state == Stopped || (m.allowSMPResume && e.state == Running)
	resumable := m.exists(eid) && stateOK && e.nThread < m.maxThreads
	var tid int
	if resumable {
		// Claim the lowest free thread slot; slot numbers are not
		// dense once harts stop out of order.
		tid = -1
		for i := 0; i < m.maxThreads; i++ {
			if !e.threadBusy[i] {
				tid = i
				break
			}
		}
		if tid == -1 {
			resumable = false
		} else {
			e.threadBusy[tid] = true
			e.nThread++
			e.state = Running
		}
	}
	m.mu.Unlock()

	if !resumable {
		return ErrNotResumable
	}
	m.enterEnclave(h, regs, eid, tid, false)
	m.met.resumes.Inc()
	m.audit.Success(logging.AuditEnclaveResumed, eid, "resume")
	return nil
}

// Destroy tears an enclave down: private memory is zeroed before its
// protection entry is released, the shared window is returned to the
// host untouched, and the slot is scrubbed back to Invalid.
func (m *Monitor) Destroy(eid uint32) error {
	m.mu.Lock()
	destroyable := m.exists(eid) &&
		m.enclaves[eid].state >= Allocated && m.enclaves[eid].state <= Stopped
	// Flip state first so no hart can run the enclave any longer.
	if destroyable {
		m.enclaves[eid].state = Destroying
	}
	m.mu.Unlock()

	if !destroyable {
		m.audit.Failure(logging.AuditEnclaveDestroyed, eid, "destroy", ErrNotDestroyable)
		return ErrNotDestroyable
	}

	m.platform.DestroyEnclave(eid)

	// Single runner from here: no lock needed while scrubbing.
	e := &m.enclaves[eid]
	for i := range e.regions {
		r := e.regions[i]
		if r.Type == RegionInvalid || r.Type == RegionUTM {
			continue
		}
		base := m.pmp.Addr(r.PMP)
		size := m.pmp.Size(r.PMP)
		m.mem.Zero(base, size)
		m.pmp.SetGlobal(r.PMP, pmp.NoPerm)
		m.pmp.Free(r.PMP)
	}
	for i := range e.regions {
		if e.regions[i].Type == RegionUTM {
			m.pmp.Free(e.regions[i].PMP)
		}
	}

	e.satp = 0
	e.nThread = 0
	e.threadBusy = [MaxThreadsCap]bool{}
	e.hartThread = nil
	e.params = RuntimeParams{}
	for i := range e.regions {
		e.regions[i] = Region{Type: RegionInvalid}
	}
	e.scrubSecrets()

	m.mu.Lock()
	e.state = Invalid
	m.met.live.Dec()
	m.mu.Unlock()

	m.met.destroyed.Inc()
	m.audit.Success(logging.AuditEnclaveDestroyed, eid, "destroy")
	m.log.Info("enclave destroyed", "eid", eid)
	return nil
}
