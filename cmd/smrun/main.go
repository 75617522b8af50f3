// Command smrun boots a simulated RISC-V machine with the security
// monitor and drives a JSON scenario through the SBI boundary exactly
// as the kernel driver would: enclave creation, runs, attestation,
// certificate-chain retrieval, destruction. Resulting reports and
// chains are recorded in the evidence store for offline verification
// with smverify.
//
// Usage:
//
//	smrun [flags] <scenario.json>
//
// Examples:
//
//	# Run a scenario with the default machine shape
//	smrun create-run-exit.json
//
//	# Custom config and verbose logging
//	smrun -config sm.toml -log-level debug scenario.json
//
//	# Print an example scenario and exit
//	smrun -example
package main

import (
	"flag"
	"fmt"
	"os"

	"keystonesm/internal/boot"
	"keystonesm/internal/config"
	"keystonesm/internal/enclave"
	"keystonesm/internal/hart"
	"keystonesm/internal/logging"
	"keystonesm/internal/metrics"
	"keystonesm/internal/phys"
	"keystonesm/internal/pmp"
	"keystonesm/internal/sbi"
	"keystonesm/internal/scenario"
	"keystonesm/internal/store"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

const exampleScenario = `{
  "name": "create-run-exit-destroy",
  "steps": [
    {
      "op": "create", "enclave": "hello",
      "epm_base": "0x80400000", "epm_size": "0x200000",
      "utm_base": "0x80700000", "utm_size": "0x10000",
      "payload": "hello enclave payload"
    },
    {"op": "run", "enclave": "hello"},
    {"op": "attest", "enclave": "hello", "data": "736d72756e2d7265706f7274"},
    {"op": "chain", "enclave": "hello"},
    {"op": "keypair", "enclave": "hello", "index": 0},
    {"op": "exit", "enclave": "hello", "retval": 7},
    {"op": "destroy", "enclave": "hello"}
  ]
}`

func main() {
	configPath := flag.String("config", "", "configuration file (TOML)")
	logLevel := flag.String("log-level", "", "override log level: debug, info, warn, error")
	storePath := flag.String("store", "", "override evidence store path")
	example := flag.Bool("example", false, "print an example scenario and exit")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "smrun - drive the security monitor through a scenario\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <scenario.json>\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("smrun %s (%s)\n", Version, Commit)
		return
	}
	if *example {
		fmt.Println(exampleScenario)
		return
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}

	log := logging.New("smrun", logging.ParseLevel(cfg.LogLevel), os.Stderr)

	sc, err := scenario.Load(flag.Arg(0))
	if err != nil {
		log.Error("scenario rejected", "error", err)
		os.Exit(1)
	}

	d, err := bootMachine(cfg)
	if err != nil {
		log.Error("machine boot failed", "error", err)
		os.Exit(1)
	}
	defer d.Close()

	if err := d.Execute(sc, log); err != nil {
		log.Error("scenario failed", "scenario", sc.Name, "error", err)
		os.Exit(1)
	}
	log.Info("scenario complete", "scenario", sc.Name)
}

// bootMachine assembles DRAM, harts, the PMP register file, the
// monitor identity and the monitor itself from configuration.
func bootMachine(cfg *config.Config) (*driver, error) {
	log := logging.New("sm", logging.ParseLevel(cfg.LogLevel), os.Stderr)

	dram := phys.NewDRAM(cfg.DRAMBase, cfg.DRAMSize)
	machine := pmp.NewSimMachine(cfg.Harts)
	mgr := pmp.New(machine, cfg.PMPRegisters)
	smExtent := phys.Extent{Base: cfg.SMBase, Size: cfg.SMSize}

	var id *boot.Identity
	var err error
	if cfg.SMSeedPath != "" {
		id, err = boot.Load(cfg.SMSeedPath, cfg.DevCertPath, cfg.SMCertPath, cfg.SMSigPath)
	} else {
		id, err = boot.Derive([]byte(cfg.DeviceSecret))
	}
	if err != nil {
		return nil, err
	}

	reg := metrics.NewRegistry()
	mon, err := enclave.NewMonitor(enclave.Options{
		Memory:         dram,
		SMExtent:       smExtent,
		PMP:            mgr,
		Identity:       id,
		Logger:         log,
		Auditor:        logging.NewAuditor(log),
		Metrics:        reg,
		MaxThreads:     cfg.MaxThreads,
		AllowSMPResume: cfg.AllowSMPResume,
	})
	if err != nil {
		return nil, err
	}

	harts := make([]*hart.Simulated, cfg.Harts)
	regs := make([]*hart.Regs, cfg.Harts)
	for i := range harts {
		harts[i] = hart.NewSimulated(i)
		regs[i] = &hart.Regs{}
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	return &driver{
		mem:   dram,
		sm:    smExtent,
		disp:  &sbi.Dispatcher{Monitor: mon, Memory: dram, SM: smExtent, Log: log},
		mon:   mon,
		harts: harts,
		regs:  regs,
		store: st,
		eids:  make(map[string]uint32),
		utms:  make(map[string]phys.Extent),
	}, nil
}
