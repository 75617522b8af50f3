// Package sbi is the supervisor-binary-interface boundary of the
// security monitor: the extension and function identifiers, the error
// code taxonomy, the exact creation-argument wire layout, and the
// dispatcher routing host- and enclave-originated calls into the
// enclave core.
package sbi

import (
	"errors"

	"keystonesm/internal/enclave"
	"keystonesm/internal/phys"
	"keystonesm/internal/pmp"
)

// ExtensionID is the Keystone enclave SBI extension ("BKE").
const ExtensionID = 0x08424b45

// Function-id ranges: 2000-2999 host-called, 3000-3999 enclave-called,
// 4000-4999 experimental.
const (
	FIDRangeDeprecated = 1999
	FIDRangeHost       = 2999
	FIDRangeEnclave    = 3999
	FIDRangeCustom     = 4999
)

// Host-called functions.
const (
	FIDCreateEnclave  = 2001
	FIDDestroyEnclave = 2002
	FIDRunEnclave     = 2003
	FIDResumeEnclave  = 2005
	FIDPrintMessage   = 2010
)

// Enclave-called functions.
const (
	FIDRandom          = 3001
	FIDAttestEnclave   = 3002
	FIDGetSealingKey   = 3003
	FIDStopEnclave     = 3004
	FIDExitEnclave     = 3006
	FIDCreateKeypair   = 3007
	FIDGetChain        = 3008
	FIDCryptoInterface = 3009
)

// Experimental plugin surface.
const (
	FIDCallPlugin = 4000

	MultimemPluginID    = 0x01
	MultimemCallGetSize = 0x01
	MultimemCallGetAddr = 0x02
)

// SBI error codes as seen by callers.
const (
	CodeSuccess         = 0
	CodeUnknownError    = 100000
	CodeInvalidID       = 100001
	CodeInterrupted     = 100002
	CodePMPFailure      = 100003
	CodeNotRunnable     = 100004
	CodeNotDestroyable  = 100005
	CodeRegionOverlaps  = 100006
	CodeNotAccessible   = 100007
	CodeIllegalArgument = 100008
	CodeNotRunning      = 100009
	CodeNotResumable    = 100010
	CodeEdgeCallHost    = 100011
	CodeNotInitialized  = 100012
	CodeNoFreeResource  = 100013
	CodeNotFresh        = 100014
	CodeNotImplemented  = 100016
)

// CodeFor maps a core error to its SBI error code. Nil maps to
// success; unrecognized errors surface as unknown rather than
// escalating.
func CodeFor(err error) uint64 {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, enclave.ErrInterrupted):
		return CodeInterrupted
	case errors.Is(err, enclave.ErrEdgeCallHost):
		return CodeEdgeCallHost
	case errors.Is(err, enclave.ErrIllegalArgument):
		return CodeIllegalArgument
	case errors.Is(err, enclave.ErrNotAccessible):
		return CodeNotAccessible
	case errors.Is(err, enclave.ErrNoFreeResource):
		return CodeNoFreeResource
	case errors.Is(err, enclave.ErrPMPFailure), errors.Is(err, pmp.ErrFailure):
		return CodePMPFailure
	case errors.Is(err, enclave.ErrNotFresh):
		return CodeNotFresh
	case errors.Is(err, enclave.ErrNotRunning):
		return CodeNotRunning
	case errors.Is(err, enclave.ErrNotResumable):
		return CodeNotResumable
	case errors.Is(err, enclave.ErrNotDestroyable):
		return CodeNotDestroyable
	case errors.Is(err, enclave.ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, phys.ErrRegionOverlaps):
		return CodeRegionOverlaps
	default:
		return CodeUnknownError
	}
}
