// Package enclave implements the security monitor core: the enclave
// table and its state machine, creation with validation and
// measurement, world switches, destruction, attestation, sealing and
// the enclave-facing crypto services.
//
// All state-machine transitions happen under one global lock. The
// lock is only held across non-blocking table operations; hashing,
// key derivation and signing run after the slot has been moved into a
// state that forbids conflicting operations.
package enclave

import (
	"errors"
	"log/slog"
	"sync"

	"keystonesm/internal/boot"
	"keystonesm/internal/identity"
	"keystonesm/internal/logging"
	"keystonesm/internal/metrics"
	"keystonesm/internal/phys"
	"keystonesm/internal/pmp"
)

// Table dimensions and service limits.
const (
	MaxEnclaves   = 16
	RegionsMax    = 8
	MaxThreadsCap = 4
	MaxKeypairs   = 8

	AttestDataMaxLen = 1024
	CryptoDataMaxLen = 2048
)

// State is an enclave slot's lifecycle state. Order matters: the
// destroy guard is state <= Stopped, attestation requires
// state >= Fresh.
type State int

const (
	Invalid    State = -1
	Destroying State = iota - 1
	Allocated
	Fresh
	Stopped
	Running
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Destroying:
		return "destroying"
	case Allocated:
		return "allocated"
	case Fresh:
		return "fresh"
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	}
	return "unknown"
}

// Errors surfaced at the SBI boundary. Stop's control returns travel
// the same channel as errors, as they do on the wire.
var (
	ErrIllegalArgument = errors.New("enclave: illegal argument")
	ErrNotAccessible   = errors.New("enclave: caller memory not accessible")
	ErrNoFreeResource  = errors.New("enclave: no free resource")
	ErrPMPFailure      = errors.New("enclave: pmp failure")
	ErrNotFresh        = errors.New("enclave: not fresh")
	ErrNotRunning      = errors.New("enclave: not running")
	ErrNotResumable    = errors.New("enclave: not resumable")
	ErrNotDestroyable  = errors.New("enclave: not destroyable")
	ErrNotInitialized  = errors.New("enclave: not initialized")
	ErrUnknown         = errors.New("enclave: unknown error")

	ErrInterrupted  = errors.New("enclave: interrupted")
	ErrEdgeCallHost = errors.New("enclave: edge call to host")
)

// StopRequest is the reason an enclave passes to stop.
type StopRequest uint64

const (
	StopTimerInterrupt StopRequest = 0
	StopEdgeCallHost   StopRequest = 1
	StopExitEnclave    StopRequest = 2
)

// RegionType tags an enclave memory region.
type RegionType int

const (
	RegionInvalid RegionType = iota
	RegionEPM
	RegionUTM
)

// Region binds a region type to its PMP handle.
type Region struct {
	Type RegionType
	PMP  pmp.RegionID
}

// RuntimeParams is the physical layout handed to the enclave runtime
// on first entry.
type RuntimeParams struct {
	DRAMBase      uint64
	DRAMSize      uint64
	RuntimeBase   uint64
	UserBase      uint64
	FreeBase      uint64
	UntrustedBase uint64
	UntrustedSize uint64
	FreeRequested uint64
}

// CreateArgs is the host's creation request, copied out of host
// memory in one bounded operation.
type CreateArgs struct {
	EPM           phys.Extent
	UTM           phys.Extent
	RuntimePAddr  uint64
	UserPAddr     uint64
	FreePAddr     uint64
	FreeRequested uint64
}

// slot is one entry of the enclave table.
type slot struct {
	state   State
	eid     uint32
	regions [RegionsMax]Region
	params  RuntimeParams
	satp    uint64

	nThread    int
	threads    [MaxThreadsCap]ThreadState
	threadBusy [MaxThreadsCap]bool
	hartThread map[int]int // hart id -> thread slot while entered

	hash      [64]byte
	parentCDI [identity.CDISize]byte
	cdi       [identity.CDISize]byte

	localAttPub  [identity.PublicKeySize]byte
	localAttPriv [identity.PrivateKeySize]byte
	lakCertDER   []byte

	pkArray  [MaxKeypairs][identity.PublicKeySize]byte
	skArray  [MaxKeypairs][identity.PrivateKeySize]byte
	nKeypair int

	pkLdev      [identity.PublicKeySize]byte
	skLdev      [identity.PrivateKeySize]byte
	ldevCertDER []byte
}

// Platform hooks let an integration amend enclave creation and world
// switches. All methods must be non-blocking.
type Platform interface {
	// CreateEnclave runs after the slot is populated and before
	// measurement; it may seed the parent CDI.
	CreateEnclave(eid uint32, parentCDI *[identity.CDISize]byte) error
	DestroyEnclave(eid uint32)
	SwitchToEnclave(eid uint32)
	SwitchFromEnclave(eid uint32)
}

// NopPlatform is the default, hookless platform.
type NopPlatform struct{}

func (NopPlatform) CreateEnclave(uint32, *[identity.CDISize]byte) error { return nil }
func (NopPlatform) DestroyEnclave(uint32)                               {}
func (NopPlatform) SwitchToEnclave(uint32)                              {}
func (NopPlatform) SwitchFromEnclave(uint32)                            {}

// Options configures a Monitor.
type Options struct {
	Memory   phys.Memory
	SMExtent phys.Extent
	PMP      *pmp.Manager
	Identity *boot.Identity
	Platform Platform
	Logger   *slog.Logger
	Auditor  *logging.Auditor
	Metrics  *metrics.Registry

	// MaxThreads bounds concurrent hart entries per enclave, 1..MaxThreadsCap.
	MaxThreads int
	// AllowSMPResume permits resume while Running (additional harts);
	// with it off, resume requires Stopped.
	AllowSMPResume bool
}

type monitorMetrics struct {
	created   *metrics.Counter
	destroyed *metrics.Counter
	runs      *metrics.Counter
	stops     *metrics.Counter
	resumes   *metrics.Counter
	attests   *metrics.Counter
	switches  *metrics.Counter
	live      *metrics.Gauge
}

// Monitor is the security monitor core.
type Monitor struct {
	mu sync.Mutex // the global enclave lock

	mem      phys.Memory
	sm       phys.Extent
	pmp      *pmp.Manager
	smRID    pmp.RegionID
	osmRID   pmp.RegionID
	id       *boot.Identity
	platform Platform
	log      *slog.Logger
	audit    *logging.Auditor
	met      monitorMetrics

	maxThreads     int
	allowSMPResume bool

	enclaves [MaxEnclaves]slot
}

// NewMonitor boots the monitor core: reserves the monitor's own PMP
// region at top priority and the catch-all other-memory region at the
// bottom, and initializes the enclave table.
func NewMonitor(o Options) (*Monitor, error) {
	if o.MaxThreads <= 0 {
		o.MaxThreads = 1
	}
	if o.MaxThreads > MaxThreadsCap {
		o.MaxThreads = MaxThreadsCap
	}
	if o.Platform == nil {
		o.Platform = NopPlatform{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewRegistry()
	}

	m := &Monitor{
		mem:            o.Memory,
		sm:             o.SMExtent,
		pmp:            o.PMP,
		id:             o.Identity,
		platform:       o.Platform,
		log:            o.Logger,
		audit:          o.Auditor,
		maxThreads:     o.MaxThreads,
		allowSMPResume: o.AllowSMPResume,
	}
	m.met = monitorMetrics{
		created:   o.Metrics.Counter("sm_enclaves_created_total", "enclaves successfully created"),
		destroyed: o.Metrics.Counter("sm_enclaves_destroyed_total", "enclaves destroyed"),
		runs:      o.Metrics.Counter("sm_enclave_runs_total", "successful run calls"),
		stops:     o.Metrics.Counter("sm_enclave_stops_total", "successful stop calls"),
		resumes:   o.Metrics.Counter("sm_enclave_resumes_total", "successful resume calls"),
		attests:   o.Metrics.Counter("sm_attestations_total", "attestation reports issued"),
		switches:  o.Metrics.Counter("sm_context_switches_total", "world switches in either direction"),
		live:      o.Metrics.Gauge("sm_enclaves_live", "enclave slots not invalid"),
	}

	// The monitor's own memory: strictly highest priority, never
	// accessible to less-privileged modes.
	smRID, err := m.pmp.Init(o.SMExtent.Base, o.SMExtent.Size, pmp.PriorityTop, false)
	if err != nil {
		return nil, err
	}
	if err := m.pmp.SetGlobal(smRID, pmp.NoPerm); err != nil {
		return nil, err
	}
	m.smRID = smRID

	// Other-memory: the bottom-priority catch-all granting the host
	// everything no higher-priority entry claims.
	dram := o.Memory.Extent()
	osmRID, err := m.pmp.Init(dram.Base, dram.Size, pmp.PriorityBottom, true)
	if err != nil {
		return nil, err
	}
	if err := m.pmp.SetGlobal(osmRID, pmp.AllPerm); err != nil {
		return nil, err
	}
	m.osmRID = osmRID

	for i := range m.enclaves {
		m.enclaves[i].state = Invalid
		for j := range m.enclaves[i].regions {
			m.enclaves[i].regions[j].Type = RegionInvalid
		}
	}
	return m, nil
}

// exists reports whether eid names a live slot. Caller holds the lock.
func (m *Monitor) exists(eid uint32) bool {
	return eid < MaxEnclaves && m.enclaves[eid].state > Invalid
}

// State returns the current state of a slot.
func (m *Monitor) State(eid uint32) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eid >= MaxEnclaves {
		return Invalid
	}
	return m.enclaves[eid].state
}

// ThreadCount returns the number of harts currently entered.
func (m *Monitor) ThreadCount(eid uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eid >= MaxEnclaves {
		return 0
	}
	return m.enclaves[eid].nThread
}

// RegionExtent returns the physical extent of the enclave's region of
// the given type.
func (m *Monitor) RegionExtent(eid uint32, t RegionType) (phys.Extent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists(eid) {
		return phys.Extent{}, false
	}
	for _, r := range m.enclaves[eid].regions {
		if r.Type == t {
			return phys.Extent{Base: m.pmp.Addr(r.PMP), Size: m.pmp.Size(r.PMP)}, true
		}
	}
	return phys.Extent{}, false
}

// Measurement returns the enclave's measurement digest, defined from
// Fresh onward.
func (m *Monitor) Measurement(eid uint32) ([64]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists(eid) || m.enclaves[eid].state < Fresh {
		return [64]byte{}, false
	}
	return m.enclaves[eid].hash, true
}
