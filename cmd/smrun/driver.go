package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"

	"keystonesm/internal/enclave"
	"keystonesm/internal/hart"
	"keystonesm/internal/measure"
	"keystonesm/internal/phys"
	"keystonesm/internal/sbi"
	"keystonesm/internal/scenario"
	"keystonesm/internal/store"
)

// Offsets inside the shared window used for call argument passing,
// mirroring how an enclave runtime lays out its edge-call buffers.
const (
	utmReportOff = 0x1000
	utmDataOff   = 0x800
	utmPtrsOff   = 0x100
	utmSizesOff  = 0x140
	utmCertOff   = 0x2000
	utmCertStep  = 0x1000
	utmPkOff     = 0x500
	utmCrtLenOff = 0x5f0
	utmCrtOff    = 0x600
)

// driver executes scenario steps against the booted machine on hart 0.
type driver struct {
	mem   phys.Memory
	sm    phys.Extent
	disp  *sbi.Dispatcher
	mon   *enclave.Monitor
	harts []*hart.Simulated
	regs  []*hart.Regs
	store *store.Store
	eids  map[string]uint32
	utms  map[string]phys.Extent
}

func (d *driver) Close() {
	if d.store != nil {
		d.store.Close()
	}
}

// ecall issues one SBI call on hart 0 and returns (error code, value).
func (d *driver) ecall(fid uint64, args ...uint64) (uint64, uint64) {
	h, regs := d.harts[0], d.regs[0]
	regs.SetA(7, sbi.ExtensionID)
	regs.SetA(6, fid)
	for i := 0; i < 6; i++ {
		var v uint64
		if i < len(args) {
			v = args[i]
		}
		regs.SetA(i, v)
	}
	d.disp.Dispatch(h, regs)
	return regs.A(0), regs.A(1)
}

// Execute runs all scenario steps in order, failing on the first
// unexpected error code.
func (d *driver) Execute(sc *scenario.Scenario, log *slog.Logger) error {
	for i, step := range sc.Steps {
		if err := d.step(step, log); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}
	return nil
}

func (d *driver) step(s scenario.Step, log *slog.Logger) error {
	switch s.Op {
	case "create":
		return d.create(s, log)
	case "run":
		return d.expectOK(sbi.FIDRunEnclave, uint64(d.eids[s.Enclave]))
	case "resume":
		return d.expectOK(sbi.FIDResumeEnclave, uint64(d.eids[s.Enclave]))
	case "stop":
		return d.stop(s)
	case "exit":
		code, val := d.ecall(sbi.FIDExitEnclave, s.Retval)
		if code != sbi.CodeSuccess {
			return fmt.Errorf("exit returned code %d", code)
		}
		log.Info("enclave exited", "enclave", s.Enclave, "retval", val)
		return nil
	case "attest":
		return d.attest(s, log)
	case "chain":
		return d.chain(s, log)
	case "keypair":
		return d.keypair(s, log)
	case "destroy":
		return d.expectOK(sbi.FIDDestroyEnclave, uint64(d.eids[s.Enclave]))
	}
	return fmt.Errorf("unknown op %q", s.Op)
}

func (d *driver) expectOK(fid uint64, args ...uint64) error {
	code, _ := d.ecall(fid, args...)
	if code != sbi.CodeSuccess {
		return fmt.Errorf("sbi call %d returned code %d", fid, code)
	}
	return nil
}

func (d *driver) stop(s scenario.Step) error {
	var req uint64
	switch s.Request {
	case "edge_call":
		req = uint64(enclave.StopEdgeCallHost)
	case "exit":
		req = uint64(enclave.StopExitEnclave)
	default:
		req = uint64(enclave.StopTimerInterrupt)
	}
	code, _ := d.ecall(sbi.FIDStopEnclave, req)
	switch code {
	case sbi.CodeInterrupted, sbi.CodeEdgeCallHost:
		return nil
	}
	return fmt.Errorf("stop returned code %d", code)
}

// create builds a minimal measured image inside the requested private
// region (page tables at the base, payload on the user page), then
// issues CREATE_ENCLAVE with the argument record placed in the shared
// window the way the kernel driver stages it.
func (d *driver) create(s scenario.Step, log *slog.Logger) error {
	epmBase, err := parseHex(s.EPMBase)
	if err != nil {
		return err
	}
	epmSize, err := parseHex(s.EPMSize)
	if err != nil {
		return err
	}
	utmBase, err := parseHex(s.UTMBase)
	if err != nil {
		return err
	}
	utmSize, err := parseHex(s.UTMSize)
	if err != nil {
		return err
	}

	epm := phys.Extent{Base: epmBase, Size: epmSize}
	args := enclave.CreateArgs{
		EPM:           epm,
		UTM:           phys.Extent{Base: utmBase, Size: utmSize},
		RuntimePAddr:  epmBase,
		UserPAddr:     (epmBase + epmSize/4) &^ uint64(measure.PageSize-1),
		FreePAddr:     (epmBase + epmSize/2) &^ uint64(measure.PageSize-1),
		FreeRequested: 0,
	}

	if err := buildImage(d.mem, epm, args, []byte(s.Payload)); err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	// Stage the argument record in host memory in the last bytes of the
	// shared window, then create.
	argAddr := utmBase + utmSize - sbi.CreateArgsSize
	if err := d.mem.Write(argAddr, sbi.EncodeCreateArgs(args)); err != nil {
		return err
	}
	code, eid := d.ecall(sbi.FIDCreateEnclave, argAddr)
	if code != sbi.CodeSuccess {
		return fmt.Errorf("create returned code %d", code)
	}
	d.eids[s.Enclave] = uint32(eid)
	d.utms[s.Enclave] = phys.Extent{Base: utmBase, Size: utmSize}
	log.Info("enclave created", "enclave", s.Enclave, "eid", eid)
	return nil
}

// buildImage lays out the initial page-table tree and payload.
func buildImage(mem phys.Memory, epm phys.Extent, args enclave.CreateArgs, payload []byte) error {
	b, err := measure.NewTableBuilder(mem, epm)
	if err != nil {
		return err
	}
	// Runtime entry: the base page, executable.
	if err := b.Map(args.RuntimePAddr, args.RuntimePAddr, measure.PTERead|measure.PTEExec); err != nil {
		return err
	}
	// User entry page carries the payload.
	if err := b.Map(args.UserPAddr, args.UserPAddr, measure.PTERead|measure.PTEExec|measure.PTEUser); err != nil {
		return err
	}
	if len(payload) > measure.PageSize {
		payload = payload[:measure.PageSize]
	}
	if err := mem.Zero(args.UserPAddr, measure.PageSize); err != nil {
		return err
	}
	return mem.Write(args.UserPAddr, payload)
}

func (d *driver) attest(s scenario.Step, log *slog.Logger) error {
	utm, ok := d.utms[s.Enclave]
	if !ok {
		return fmt.Errorf("unknown enclave %q", s.Enclave)
	}
	data, err := hex.DecodeString(s.Data)
	if err != nil {
		return fmt.Errorf("attest data must be hex: %w", err)
	}
	if err := d.mem.Write(utm.Base+utmDataOff, data); err != nil {
		return err
	}
	reportAddr := utm.Base + utmReportOff
	code, _ := d.ecall(sbi.FIDAttestEnclave, reportAddr, utm.Base+utmDataOff, uint64(len(data)))
	if code != sbi.CodeSuccess {
		return fmt.Errorf("attest returned code %d", code)
	}

	raw := make([]byte, enclave.ReportSize)
	if err := d.mem.Read(reportAddr, raw); err != nil {
		return err
	}
	var rep enclave.Report
	if err := rep.UnmarshalBinary(raw); err != nil {
		return err
	}
	if !rep.Verify() {
		return fmt.Errorf("report signature did not verify")
	}
	id, err := d.store.PutReport(&store.Report{
		EnclaveID:   d.eids[s.Enclave],
		EnclaveHash: rep.Enclave.Hash[:],
		UserData:    data,
		Raw:         raw,
	})
	if err != nil {
		return err
	}
	log.Info("report stored", "enclave", s.Enclave, "record", id)
	return nil
}

func (d *driver) chain(s scenario.Step, log *slog.Logger) error {
	utm, ok := d.utms[s.Enclave]
	if !ok {
		return fmt.Errorf("unknown enclave %q", s.Enclave)
	}
	// Three destination buffers plus the pointer and size arrays the
	// call expects in enclave-visible memory.
	for i := 0; i < 3; i++ {
		dst := utm.Base + utmCertOff + uint64(i)*utmCertStep
		if err := phys.WriteWord(d.mem, d.sm, utm.Base+utmPtrsOff+uint64(i*8), dst); err != nil {
			return err
		}
	}
	code, _ := d.ecall(sbi.FIDGetChain, utm.Base+utmPtrsOff, utm.Base+utmSizesOff)
	if code != sbi.CodeSuccess {
		return fmt.Errorf("get chain returned code %d", code)
	}

	var ders [3][]byte
	for i := 0; i < 3; i++ {
		size, err := phys.ReadWord(d.mem, d.sm, utm.Base+utmSizesOff+uint64(i*8))
		if err != nil {
			return err
		}
		ders[i] = make([]byte, size)
		if err := d.mem.Read(utm.Base+utmCertOff+uint64(i)*utmCertStep, ders[i]); err != nil {
			return err
		}
	}
	id, err := d.store.PutChain(&store.Chain{
		EnclaveID: d.eids[s.Enclave],
		LAK:       ders[0],
		SM:        ders[1],
		Dev:       ders[2],
	})
	if err != nil {
		return err
	}
	log.Info("certificate chain stored", "enclave", s.Enclave, "record", id)
	return nil
}

func (d *driver) keypair(s scenario.Step, log *slog.Logger) error {
	utm, ok := d.utms[s.Enclave]
	if !ok {
		return fmt.Errorf("unknown enclave %q", s.Enclave)
	}
	code, _ := d.ecall(sbi.FIDCreateKeypair,
		utm.Base+utmPkOff, uint64(s.Index), utm.Base+utmCrtOff, utm.Base+utmCrtLenOff)
	if code != sbi.CodeSuccess {
		return fmt.Errorf("create keypair returned code %d", code)
	}
	log.Info("keypair created", "enclave", s.Enclave, "index", s.Index)
	return nil
}

func parseHex(s string) (uint64, error) {
	if len(s) < 3 || s[:2] != "0x" {
		return 0, fmt.Errorf("expected 0x-prefixed hex, got %q", s)
	}
	return strconv.ParseUint(s[2:], 16, 64)
}
