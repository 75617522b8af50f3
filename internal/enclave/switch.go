package enclave

import (
	"keystonesm/internal/hart"
	"keystonesm/internal/pmp"
)

// ThreadState is one hart's stashed context while the other world
// runs: the full register file plus the mepc/mstatus pair. Written
// only during world switches.
type ThreadState struct {
	Regs    hart.Regs
	MEPC    uint64
	MSTATUS uint64
}

// swapContext exchanges the live trap frame with the stashed one and
// plants retval in the stashed context's a0, where it appears when
// that context is swapped back in.
func swapContext(ts *ThreadState, regs *hart.Regs, retval uint64) {
	ts.Regs.GP, regs.GP = regs.GP, ts.Regs.GP
	ts.MEPC, regs.MEPC = regs.MEPC, ts.MEPC
	ts.MSTATUS, regs.MSTATUS = regs.MSTATUS, ts.MSTATUS
	ts.Regs.SetA(0, retval)
}

// enterEnclave performs the world switch into an enclave on the
// current hart. The caller has already committed the state-machine
// transition; eid is valid and tid names the thread slot to run.
func (m *Monitor) enterEnclave(h hart.Hart, regs *hart.Regs, eid uint32, tid int, loadParameters bool) {
	e := &m.enclaves[eid]

	swapContext(&e.threads[tid], regs, 1)
	m.mu.Lock()
	if e.hartThread == nil {
		e.hartThread = make(map[int]int)
	}
	e.hartThread[h.ID()] = tid
	m.mu.Unlock()

	// All interrupts trap to the monitor while the enclave runs.
	h.WriteMIDeleg(0)

	if loadParameters {
		p := e.params
		// The ecall return path adds 4; land exactly on the base.
		regs.MEPC = p.DRAMBase - 4
		regs.MSTATUS = hart.MstatusMPPSupervisor
		regs.SetA(1, p.DRAMBase)
		regs.SetA(2, p.DRAMSize)
		regs.SetA(3, p.RuntimeBase)
		regs.SetA(4, p.UserBase)
		regs.SetA(5, p.FreeBase)
		regs.SetA(6, p.UntrustedBase)
		regs.SetA(7, p.UntrustedSize)
		// First run is in bare physical addressing.
		h.WriteSATP(0)
	}

	h.SwitchVector(hart.VectorEnclave)

	// Revoke the catch-all, grant the enclave's regions on this hart.
	m.pmp.SetLocal(h.ID(), m.osmRID, pmp.NoPerm)
	for _, r := range e.regions {
		if r.Type != RegionInvalid {
			m.pmp.SetLocal(h.ID(), r.PMP, pmp.AllPerm)
		}
	}

	m.platform.SwitchToEnclave(eid)
	h.EnterEnclave(eid)
	h.Fence()
	m.met.switches.Inc()
}

// exitEnclave performs the symmetric world switch back to the host.
// returnOnResume is planted in the stashed enclave context's a0.
func (m *Monitor) exitEnclave(h hart.Hart, regs *hart.Regs, eid uint32, returnOnResume bool) {
	e := &m.enclaves[eid]

	// Private memory closes; the shared window stays open to the host.
	for _, r := range e.regions {
		switch r.Type {
		case RegionUTM:
			m.pmp.SetLocal(h.ID(), r.PMP, pmp.AllPerm)
		case RegionEPM:
			m.pmp.SetLocal(h.ID(), r.PMP, pmp.NoPerm)
		}
	}
	m.pmp.SetLocal(h.ID(), m.osmRID, pmp.AllPerm)

	h.WriteMIDeleg(hart.DelegSupervisor)

	m.mu.Lock()
	tid := 0
	if t, ok := e.hartThread[h.ID()]; ok {
		tid = t
		delete(e.hartThread, h.ID())
	}
	e.threadBusy[tid] = false
	m.mu.Unlock()
	var retval uint64
	if returnOnResume {
		retval = 1
	}
	swapContext(&e.threads[tid], regs, retval)

	h.SwitchVector(hart.VectorHost)

	// Demote pending machine interrupts to their supervisor
	// counterparts so the returning host handles them.
	pending := h.ReadMIP()
	if pending&hart.MIPMTIP != 0 {
		h.ClearMIP(hart.MIPMTIP)
		h.SetMIP(hart.MIPSTIP)
	}
	if pending&hart.MIPMSIP != 0 {
		h.ClearMIP(hart.MIPMSIP)
		h.SetMIP(hart.MIPSSIP)
	}
	if pending&hart.MIPMEIP != 0 {
		h.ClearMIP(hart.MIPMEIP)
		h.SetMIP(hart.MIPSEIP)
	}

	m.platform.SwitchFromEnclave(eid)
	h.ExitEnclave()
	h.Fence()
	m.met.switches.Inc()
}
