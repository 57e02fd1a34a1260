package vmcore

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift

	pteP  = 1 << 0 // present
	ptePS = 1 << 7 // page size (terminal large-page entry)

	frameMask   = 0x000ffffffffff000 // bits 51:12
	frameMask2M = 0x000fffffffe00000 // bits 51:21
	frameMask1G = 0x000fffffc0000000 // bits 51:30

	tlbEntries = 4096
)

// PageFaultError reports a virtual address with no valid translation in
// the walked address space.
type PageFaultError struct {
	Addr uint64
}

func (e *PageFaultError) Error() string {
	return fmt.Sprintf("no translation for %#x", e.Addr)
}

// mmu performs the 4-level x86-64 page-table walk over dump memory.
// Translations are cached per (table root, virtual page); the dump
// never changes, so entries cannot go stale within a session.
type mmu struct {
	phys *physMemory
	tlb  *lru.Cache
}

type tlbKey struct {
	dtb, page uint64
}

func newMMU(phys *physMemory) (*mmu, error) {
	tlb, err := lru.New(tlbEntries)
	if err != nil {
		return nil, err
	}
	return &mmu{phys: phys, tlb: tlb}, nil
}

// readVirtual reads guest virtual memory through the tables rooted at
// dtb, one page at a time.
func (m *mmu) readVirtual(buf []byte, addr, dtb uint64) (int, error) {
	n := 0
	for len(buf) > 0 {
		page := addr &^ uint64(pageSize-1)
		off := addr & uint64(pageSize-1)
		phys, err := m.translatePage(dtb, page)
		if err != nil {
			return n, err
		}
		chunk := uint64(pageSize) - off
		if uint64(len(buf)) < chunk {
			chunk = uint64(len(buf))
		}
		pn, err := m.phys.ReadPhysical(buf[:chunk], phys+off)
		n += pn
		if err != nil {
			return n, err
		}
		buf = buf[chunk:]
		addr += chunk
	}
	return n, nil
}

func (m *mmu) translatePage(dtb, page uint64) (uint64, error) {
	key := tlbKey{dtb, page}
	if v, ok := m.tlb.Get(key); ok {
		return v.(uint64), nil
	}
	phys, err := m.walk(dtb, page)
	if err != nil {
		return 0, err
	}
	m.tlb.Add(key, phys)
	return phys, nil
}

// walk resolves one page-aligned virtual address. Large-page entries
// terminate the walk early at the 1 GiB and 2 MiB levels.
func (m *mmu) walk(dtb, virt uint64) (uint64, error) {
	if s := virt >> 47; s != 0 && s != 0x1ffff {
		return 0, &PageFaultError{Addr: virt} // non-canonical
	}

	pml4e, err := m.entry(dtb&frameMask, virt>>39)
	if err != nil {
		return 0, err
	}
	if pml4e&pteP == 0 {
		return 0, &PageFaultError{Addr: virt}
	}

	pdpte, err := m.entry(pml4e&frameMask, virt>>30)
	if err != nil {
		return 0, err
	}
	if pdpte&pteP == 0 {
		return 0, &PageFaultError{Addr: virt}
	}
	if pdpte&ptePS != 0 {
		return pdpte&frameMask1G | virt&(1<<30-1), nil
	}

	pde, err := m.entry(pdpte&frameMask, virt>>21)
	if err != nil {
		return 0, err
	}
	if pde&pteP == 0 {
		return 0, &PageFaultError{Addr: virt}
	}
	if pde&ptePS != 0 {
		return pde&frameMask2M | virt&(1<<21-1), nil
	}

	pte, err := m.entry(pde&frameMask, virt>>12)
	if err != nil {
		return 0, err
	}
	if pte&pteP == 0 {
		return 0, &PageFaultError{Addr: virt}
	}
	return pte & frameMask, nil
}

func (m *mmu) entry(table, index uint64) (uint64, error) {
	var buf [8]byte
	addr := table + (index&0x1ff)*8
	if _, err := m.phys.ReadPhysical(buf[:], addr); err != nil {
		return 0, fmt.Errorf("page table entry at %#x: %w", addr, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
