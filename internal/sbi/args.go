package sbi

import (
	"encoding/binary"
	"fmt"

	"keystonesm/internal/enclave"
	"keystonesm/internal/phys"
)

// CreateArgsSize is the size of the host creation record: eight
// machine words at natural alignment.
const CreateArgsSize = 8 * 8

// DecodeCreateArgs parses the host creation record. Field order is
// fixed: epm.paddr, epm.size, utm.paddr, utm.size, runtime_paddr,
// user_paddr, free_paddr, free_requested.
func DecodeCreateArgs(buf []byte) (enclave.CreateArgs, error) {
	var a enclave.CreateArgs
	if len(buf) != CreateArgsSize {
		return a, fmt.Errorf("create record must be %d bytes, got %d", CreateArgsSize, len(buf))
	}
	w := func(i int) uint64 { return binary.LittleEndian.Uint64(buf[i*8:]) }
	a.EPM = phys.Extent{Base: w(0), Size: w(1)}
	a.UTM = phys.Extent{Base: w(2), Size: w(3)}
	a.RuntimePAddr = w(4)
	a.UserPAddr = w(5)
	a.FreePAddr = w(6)
	a.FreeRequested = w(7)
	return a, nil
}

// EncodeCreateArgs renders the record the way a host writes it before
// issuing CREATE_ENCLAVE.
func EncodeCreateArgs(a enclave.CreateArgs) []byte {
	buf := make([]byte, CreateArgsSize)
	words := []uint64{
		a.EPM.Base, a.EPM.Size, a.UTM.Base, a.UTM.Size,
		a.RuntimePAddr, a.UserPAddr, a.FreePAddr, a.FreeRequested,
	}
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	return buf
}
