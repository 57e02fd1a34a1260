package winnt

import (
	"encoding/binary"
	"fmt"

	"github.com/hyperlens/hyperlens/pkg/guest"
)

// ListModules walks p's loader list in load order. The walk runs in
// p's address space; a process without a PEB (System, Idle) yields a
// successful empty walk. Loader lists are short and live in pageable
// memory the process itself depends on, so a broken link here is
// corruption worth surfacing, not something to skip over.
func (nt *OS) ListModules(p guest.Proc, visit func(guest.Mod) bool) error {
	peb, err := guest.ReadPointer(nt.core, p.Addr+nt.members[eprocessPeb])
	if err != nil {
		return fmt.Errorf("reading EPROCESS.Peb of %#x: %w", p.Addr, err)
	}
	if peb == 0 {
		return nil
	}

	restore, err := nt.core.SwitchProcess(p)
	if err != nil {
		return err
	}
	defer restore()

	ldr, err := guest.ReadPointer(nt.core, peb+nt.members[pebLdr])
	if err != nil {
		return fmt.Errorf("reading PEB.Ldr: %w", err)
	}
	head := ldr + nt.members[pebLdrDataInLoadOrderModuleList]
	link, err := guest.ReadPointer(nt.core, head)
	if err != nil {
		return fmt.Errorf("module list head at %#x: %w", head, err)
	}
	for link != 0 && link != head {
		if !visit(guest.Mod(link - nt.members[ldrDataTableEntryInLoadOrderLinks])) {
			break
		}
		next, err := guest.ReadPointer(nt.core, link)
		if err != nil {
			return fmt.Errorf("module list link at %#x: %w", link, err)
		}
		link = next
	}
	return nil
}

// ModuleName returns the full loader-recorded path of m.
func (nt *OS) ModuleName(p guest.Proc, m guest.Mod) (string, error) {
	restore, err := nt.core.SwitchProcess(p)
	if err != nil {
		return "", err
	}
	defer restore()
	return nt.readUnicodeString(uint64(m) + nt.members[ldrDataTableEntryFullDllName])
}

// ModuleSpan returns the mapped range of m.
func (nt *OS) ModuleSpan(p guest.Proc, m guest.Mod) (guest.Span, error) {
	restore, err := nt.core.SwitchProcess(p)
	if err != nil {
		return guest.Span{}, err
	}
	defer restore()

	base, err := guest.ReadPointer(nt.core, uint64(m)+nt.members[ldrDataTableEntryDllBase])
	if err != nil {
		return guest.Span{}, fmt.Errorf("reading LDR_DATA_TABLE_ENTRY.DllBase: %w", err)
	}
	var sizeBuf [4]byte
	if err := guest.ReadFull(nt.core, sizeBuf[:], uint64(m)+nt.members[ldrDataTableEntrySizeOfImage]); err != nil {
		return guest.Span{}, fmt.Errorf("reading LDR_DATA_TABLE_ENTRY.SizeOfImage: %w", err)
	}
	return guest.Span{Addr: base, Size: uint64(binary.LittleEndian.Uint32(sizeBuf[:]))}, nil
}

// HasVirtualMemory reports whether p owns a user address space.
func (nt *OS) HasVirtualMemory(p guest.Proc) (bool, error) {
	vadRoot, err := guest.ReadPointer(nt.core, p.Addr+nt.members[eprocessVadRoot])
	if err != nil {
		return false, fmt.Errorf("reading EPROCESS.VadRoot of %#x: %w", p.Addr, err)
	}
	return vadRoot != 0, nil
}
