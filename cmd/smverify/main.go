// Command smverify re-verifies evidence captured by smrun without a
// running monitor: report signatures against the monitor public key
// and certificate chains along LAK → Security Monitor → device root,
// including the measurement pinned by the DICE TcbInfo extension.
//
// Usage:
//
//	smverify [flags]
//
// Examples:
//
//	# Verify everything in the default store
//	smverify
//
//	# Explicit store, machine-readable summary
//	smverify -store evidence.db -format json
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"keystonesm/internal/config"
	"keystonesm/internal/dice"
	"keystonesm/internal/enclave"
	"keystonesm/internal/security"
	"keystonesm/internal/store"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

type result struct {
	Kind      string `json:"kind"` // "report" or "chain"
	Record    int64  `json:"record"`
	EnclaveID uint32 `json:"enclave_id"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
}

func main() {
	storePath := flag.String("store", "", "evidence store path (default: from config)")
	configPath := flag.String("config", "", "configuration file (TOML)")
	format := flag.String("format", "text", "output format: text, json")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("smverify %s (%s)\n", Version, Commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	path := cfg.StorePath
	if *storePath != "" {
		path = *storePath
	}

	st, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	var results []result
	failures := 0

	reports, err := st.Reports()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read reports: %v\n", err)
		os.Exit(1)
	}
	for _, r := range reports {
		res := verifyReport(r)
		if !res.OK {
			failures++
		}
		results = append(results, res)
	}

	chains, err := st.Chains()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read chains: %v\n", err)
		os.Exit(1)
	}
	for _, c := range chains {
		res := verifyChain(c)
		if !res.OK {
			failures++
		}
		results = append(results, res)
	}

	switch *format {
	case "json":
		json.NewEncoder(os.Stdout).Encode(results)
	default:
		for _, res := range results {
			status := "PASS"
			if !res.OK {
				status = "FAIL"
			}
			fmt.Printf("%s %s #%d (enclave %d)", status, res.Kind, res.Record, res.EnclaveID)
			if res.Detail != "" {
				fmt.Printf(": %s", res.Detail)
			}
			fmt.Println()
		}
		fmt.Printf("%d records, %d failures\n", len(results), failures)
	}
	if failures > 0 {
		os.Exit(1)
	}
}

func verifyReport(r store.Report) result {
	res := result{Kind: "report", Record: r.ID, EnclaveID: r.EnclaveID}
	var rep enclave.Report
	if err := rep.UnmarshalBinary(r.Raw); err != nil {
		res.Detail = err.Error()
		return res
	}
	if !rep.Verify() {
		res.Detail = "enclave signature did not verify against monitor key"
		return res
	}
	if int(rep.Enclave.DataLen) != len(r.UserData) ||
		!security.ConstantTimeEqual(rep.Enclave.Data[:rep.Enclave.DataLen], r.UserData) {
		res.Detail = "report user data does not match stored data"
		return res
	}
	if !security.ConstantTimeEqual(rep.Enclave.Hash[:], r.EnclaveHash) {
		res.Detail = "report measurement does not match stored measurement"
		return res
	}
	res.OK = true
	return res
}

func verifyChain(c store.Chain) result {
	res := result{Kind: "chain", Record: c.ID, EnclaveID: c.EnclaveID}
	ch := dice.Chain{LAK: c.LAK, SM: c.SM, Dev: c.Dev}
	if err := dice.VerifyChain(ch); err != nil {
		res.Detail = err.Error()
		return res
	}
	md, err := dice.Measurement(c.LAK)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	res.Detail = "measurement " + hex.EncodeToString(md[:8]) + "…"
	res.OK = true
	return res
}
