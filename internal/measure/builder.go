package measure

import (
	"fmt"

	"keystonesm/internal/phys"
)

// TableBuilder constructs an SV39 initial page-table tree inside an
// enclave's private memory, the way the loader lays one out before
// asking the monitor to create the enclave. The root page lives at the
// DRAM base; further page-table pages are bump-allocated behind it.
//
// Tests and the host tools use it to produce valid (and deliberately
// invalid) images.
type TableBuilder struct {
	mem  phys.Memory
	epm  phys.Extent
	next uint64
}

// NewTableBuilder zeroes the root page at epm.Base and prepares the
// allocator. Page-table pages are carved from the pages immediately
// after the root.
func NewTableBuilder(mem phys.Memory, epm phys.Extent) (*TableBuilder, error) {
	if err := mem.Zero(epm.Base, PageSize); err != nil {
		return nil, err
	}
	return &TableBuilder{mem: mem, epm: epm, next: epm.Base + PageSize}, nil
}

// allocTable hands out the next free page-table page.
func (b *TableBuilder) allocTable() (uint64, error) {
	pa := b.next
	if !b.epm.Contains(pa, PageSize) {
		return 0, fmt.Errorf("page-table allocation at %#x outside private memory", pa)
	}
	b.next += PageSize
	if err := b.mem.Zero(pa, PageSize); err != nil {
		return 0, err
	}
	return pa, nil
}

// FirstFree returns the lowest address not consumed by page-table
// pages; payload pages should be placed at or above it.
func (b *TableBuilder) FirstFree() uint64 { return b.next }

// Map installs a 4 KiB mapping va→pa with the given leaf PTE
// permission bits (PTEValid is implied).
func (b *TableBuilder) Map(va, pa uint64, perm uint64) error {
	table := b.epm.Base
	for level := sv39Levels - 1; level > 0; level-- {
		idx := vpn(va, level)
		pte, err := b.readPTE(table, idx)
		if err != nil {
			return err
		}
		var child uint64
		if pte&PTEValid == 0 {
			child, err = b.allocTable()
			if err != nil {
				return err
			}
			if err := b.writePTE(table, idx, (child>>PageShift)<<ptePPNShift|PTEValid); err != nil {
				return err
			}
		} else {
			child = (pte >> ptePPNShift) << PageShift
		}
		table = child
	}
	return b.writePTE(table, vpn(va, 0), (pa>>PageShift)<<ptePPNShift|PTEValid|perm)
}

// MapRange identity-style maps size bytes from va to pa in page steps.
func (b *TableBuilder) MapRange(va, pa, size uint64, perm uint64) error {
	for off := uint64(0); off < size; off += PageSize {
		if err := b.Map(va+off, pa+off, perm); err != nil {
			return err
		}
	}
	return nil
}

func vpn(va uint64, level int) int {
	return int((va >> (PageShift + 9*level)) & 0x1ff)
}

func (b *TableBuilder) readPTE(table uint64, idx int) (uint64, error) {
	var buf [8]byte
	if err := b.mem.Read(table+uint64(idx*8), buf[:]); err != nil {
		return 0, err
	}
	return getWord(buf[:]), nil
}

func (b *TableBuilder) writePTE(table uint64, idx int, pte uint64) error {
	var buf [8]byte
	putWord(buf[:], pte)
	return b.mem.Write(table+uint64(idx*8), buf[:])
}
