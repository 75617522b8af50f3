package sbi

import (
	"errors"
	"log/slog"

	"keystonesm/internal/enclave"
	"keystonesm/internal/hart"
	"keystonesm/internal/phys"
)

// Dispatcher routes ecalls for the enclave extension into the monitor
// core.
type Dispatcher struct {
	Monitor *enclave.Monitor
	Memory  phys.Memory
	SM      phys.Extent
	Log     *slog.Logger
}

// Dispatch services one ecall trap: a7 carries the extension id, a6
// the function id, a0..a5 the arguments. The error code is written to
// a0, the value to a1, and mepc advances past the ecall, exactly as
// the firmware trap exit does.
func (d *Dispatcher) Dispatch(h hart.Hart, regs *hart.Regs) {
	ext := regs.A(7)
	fid := regs.A(6)
	code, value := d.handle(h, regs, ext, fid)
	regs.SetA(0, code)
	regs.SetA(1, value)
	regs.MEPC += 4
}

func (d *Dispatcher) handle(h hart.Hart, regs *hart.Regs, ext, fid uint64) (uint64, uint64) {
	if ext != ExtensionID {
		return CodeNotImplemented, 0
	}
	if fid <= FIDRangeDeprecated {
		return CodeNotImplemented, 0
	}
	if fid <= FIDRangeHost {
		return d.handleHost(h, regs, fid)
	}
	if fid <= FIDRangeEnclave {
		return d.handleEnclave(h, regs, fid)
	}
	if fid <= FIDRangeCustom {
		return d.handlePlugin(h, regs, fid)
	}
	return CodeNotImplemented, 0
}

// handleHost services the host-originated range. Calls from inside an
// enclave are rejected outright.
func (d *Dispatcher) handleHost(h hart.Hart, regs *hart.Regs, fid uint64) (uint64, uint64) {
	if _, inside := h.RunningEnclave(); inside {
		return CodeNotImplemented, 0
	}
	switch fid {
	case FIDCreateEnclave:
		var buf [CreateArgsSize]byte
		if err := phys.CopyToSM(d.Memory, d.SM, buf[:], regs.A(0), CreateArgsSize); err != nil {
			if errors.Is(err, phys.ErrRegionOverlaps) {
				return CodeRegionOverlaps, 0
			}
			return CodeIllegalArgument, 0
		}
		args, err := DecodeCreateArgs(buf[:])
		if err != nil {
			return CodeIllegalArgument, 0
		}
		eid, err := d.Monitor.Create(args)
		return CodeFor(err), uint64(eid)

	case FIDDestroyEnclave:
		return CodeFor(d.Monitor.Destroy(uint32(regs.A(0)))), 0

	case FIDRunEnclave:
		return CodeFor(d.Monitor.Run(h, regs, uint32(regs.A(0)))), 0

	case FIDResumeEnclave:
		return CodeFor(d.Monitor.Resume(h, regs, uint32(regs.A(0)))), 0

	case FIDPrintMessage:
		d.Log.Info("Hello world!")
		return CodeSuccess, 0
	}
	return CodeNotImplemented, 0
}

// handleEnclave services the enclave-originated range; the caller
// must be the enclave currently entered on this hart.
func (d *Dispatcher) handleEnclave(h hart.Hart, regs *hart.Regs, fid uint64) (uint64, uint64) {
	eid, inside := h.RunningEnclave()
	if !inside {
		return CodeNotImplemented, 0
	}
	switch fid {
	case FIDRandom:
		v, err := d.Monitor.Random()
		return CodeFor(err), v

	case FIDAttestEnclave:
		return CodeFor(d.Monitor.Attest(regs.A(0), regs.A(1), regs.A(2), eid)), 0

	case FIDGetSealingKey:
		return CodeFor(d.Monitor.GetSealingKey(regs.A(0), regs.A(1), regs.A(2), eid)), 0

	case FIDStopEnclave:
		req := enclave.StopRequest(regs.A(0))
		return CodeFor(d.Monitor.Stop(h, regs, req, eid)), 0

	case FIDExitEnclave:
		retval := regs.A(0)
		if err := d.Monitor.Exit(h, regs, eid); err != nil {
			return CodeFor(err), 0
		}
		// The host observes the enclave's return value alongside the
		// success code.
		return CodeSuccess, retval

	case FIDCreateKeypair:
		return CodeFor(d.Monitor.CreateKeypair(eid, regs.A(0), int(regs.A(1)), regs.A(2), regs.A(3))), 0

	case FIDGetChain:
		return CodeFor(d.Monitor.WriteCertChain(eid, regs.A(0), regs.A(1))), 0

	case FIDCryptoInterface:
		return CodeFor(d.Monitor.CryptoOp(eid,
			regs.A(0), regs.A(1), regs.A(2), regs.A(3), regs.A(4), regs.A(5))), 0
	}
	return CodeNotImplemented, 0
}

// handlePlugin services the experimental range.
func (d *Dispatcher) handlePlugin(h hart.Hart, regs *hart.Regs, fid uint64) (uint64, uint64) {
	eid, inside := h.RunningEnclave()
	if !inside || fid != FIDCallPlugin {
		return CodeNotImplemented, 0
	}
	if regs.A(0) != MultimemPluginID {
		return CodeNotImplemented, 0
	}
	epm, ok := d.Monitor.RegionExtent(eid, enclave.RegionEPM)
	if !ok {
		return CodeNotInitialized, 0
	}
	switch regs.A(1) {
	case MultimemCallGetSize:
		return CodeSuccess, epm.Size
	case MultimemCallGetAddr:
		return CodeSuccess, epm.Base
	}
	return CodeNotImplemented, 0
}
