// Package measure validates an enclave's initial page tables and
// produces the SHA3-512 measurement over its private memory.
//
// The walk is a fixed, address-ordered SV39 traversal rooted at the
// enclave's DRAM base. Any structural violation fails validation; the
// digest is only defined for a well-formed image.
package measure

import (
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"

	"keystonesm/internal/phys"
)

// Digest sizes and paging constants.
const (
	DigestSize = 64

	PageSize  = 4096
	PageShift = 12

	ptesPerPage = PageSize / 8
	sv39Levels  = 3
)

// SATP encoding.
const (
	SatpModeSV39  = 8
	satpModeShift = 60
)

// EncodeSATP builds the SV39 satp value for a page-table root.
func EncodeSATP(root uint64) uint64 {
	return (root >> PageShift) | (uint64(SatpModeSV39) << satpModeShift)
}

// SV39 PTE bits.
const (
	PTEValid = 1 << 0
	PTERead  = 1 << 1
	PTEWrite = 1 << 2
	PTEExec  = 1 << 3
	PTEUser  = 1 << 4

	pteLeafMask = PTERead | PTEWrite | PTEExec
	ptePPNShift = 10
)

// ErrBadImage covers every validation failure: out-of-EPM mappings,
// malformed trees, unmapped entry points, writable-executable runtime
// pages.
var ErrBadImage = errors.New("measure: invalid enclave image")

// Params are the creation-time physical layout parameters folded into
// the measurement ahead of the page contents.
type Params struct {
	DRAMBase      uint64
	DRAMSize      uint64
	RuntimeBase   uint64
	UserBase      uint64
	FreeBase      uint64
	UntrustedBase uint64
	UntrustedSize uint64
	FreeRequested uint64
}

type walker struct {
	mem phys.Memory
	epm phys.Extent
	p   Params
	h   hash.Hash

	runtimeMapped bool
	userMapped    bool
}

// HashEnclave walks the initial page tables rooted at the enclave's
// DRAM base and returns the measurement digest.
func HashEnclave(mem phys.Memory, epm phys.Extent, p Params) ([DigestSize]byte, error) {
	var digest [DigestSize]byte

	w := &walker{mem: mem, epm: epm, p: p, h: sha3.New512()}

	var word [8]byte
	for _, v := range []uint64{
		p.DRAMBase, p.DRAMSize, p.RuntimeBase, p.UserBase,
		p.FreeBase, p.UntrustedBase, p.UntrustedSize, p.FreeRequested,
	} {
		putWord(word[:], v)
		w.h.Write(word[:])
	}

	if err := w.walkTable(p.DRAMBase, sv39Levels-1); err != nil {
		return digest, err
	}
	if !w.runtimeMapped {
		return digest, fmt.Errorf("%w: runtime entry point not mapped", ErrBadImage)
	}
	if !w.userMapped {
		return digest, fmt.Errorf("%w: user entry point not mapped", ErrBadImage)
	}
	w.h.Sum(digest[:0])
	return digest, nil
}

// walkTable validates and hashes one page-table page and everything
// it maps, in ascending index order so the traversal is total on VA.
func (w *walker) walkTable(table uint64, level int) error {
	if !w.epm.Contains(table, PageSize) {
		return fmt.Errorf("%w: page table at %#x outside private memory", ErrBadImage, table)
	}
	var raw [PageSize]byte
	if err := w.mem.Read(table, raw[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	for i := 0; i < ptesPerPage; i++ {
		pte := getWord(raw[i*8:])
		if pte&PTEValid == 0 {
			continue
		}
		if pte&PTEWrite != 0 && pte&PTERead == 0 {
			return fmt.Errorf("%w: reserved W-without-R encoding", ErrBadImage)
		}
		pa := (pte >> ptePPNShift) << PageShift
		if pte&pteLeafMask == 0 {
			// Pointer to the next level; only levels above zero may
			// carry one.
			if level == 0 {
				return fmt.Errorf("%w: non-leaf entry at leaf level", ErrBadImage)
			}
			if err := w.walkTable(pa, level-1); err != nil {
				return err
			}
			continue
		}
		if level != 0 {
			return fmt.Errorf("%w: superpage mapping not allowed in initial image", ErrBadImage)
		}
		if err := w.leaf(pa, pte); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) leaf(pa, pte uint64) error {
	if !w.epm.Contains(pa, PageSize) {
		return fmt.Errorf("%w: mapping to %#x outside private memory", ErrBadImage, pa)
	}
	runtimeSeg := pa >= pageOf(w.p.RuntimeBase) && pa < pageOf(w.p.UserBase)
	if runtimeSeg && pte&PTEWrite != 0 && pte&PTEExec != 0 {
		return fmt.Errorf("%w: writable-executable page in runtime segment", ErrBadImage)
	}
	if pa == pageOf(w.p.RuntimeBase) {
		w.runtimeMapped = true
	}
	if pa == pageOf(w.p.UserBase) {
		w.userMapped = true
	}
	var page [PageSize]byte
	if err := w.mem.Read(pa, page[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	w.h.Write(page[:])
	return nil
}

func pageOf(addr uint64) uint64 { return addr &^ uint64(PageSize-1) }

func putWord(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getWord(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
