// Package vmcore reconstructs a paused virtual machine from a saved
// memory dump and a register sidecar file.
//
// Physical memory comes from a raw image or a LiME-format dump mapped
// read-only. Virtual reads are translated by a software walk of the
// guest's own page tables, rooted at the directory-table base of the
// currently selected address space.
package vmcore

import (
	"fmt"

	"github.com/hyperlens/hyperlens/pkg/guest"
	"github.com/hyperlens/hyperlens/pkg/logflags"
)

// Core exposes one dump as an attached virtual machine.
type Core struct {
	phys      *physMemory
	closeDump func() error
	regs      *registers
	mmu       *mmu
	syms      guest.SymbolStore
	log       logflags.Logger

	dtb uint64 // page-table root of the selected address space
}

var _ guest.Core = (*Core)(nil)

// Open maps the dump at dumpPath, loads the register sidecar at
// regsPath and returns a core with the boot address space selected.
func Open(dumpPath, regsPath string, syms guest.SymbolStore) (*Core, error) {
	log := logflags.VMCoreLogger()

	phys, closeDump, err := openDump(dumpPath)
	if err != nil {
		return nil, err
	}
	regs, err := loadRegisters(regsPath)
	if err != nil {
		closeDump()
		return nil, err
	}
	cr3, err := regs.ReadMSR(guest.CR3)
	if err != nil {
		closeDump()
		return nil, fmt.Errorf("register file %s: %w", regsPath, err)
	}

	mmu, err := newMMU(phys)
	if err != nil {
		closeDump()
		return nil, err
	}
	log.Debugf("loaded %s: %d physical ranges, boot dtb %#x", dumpPath, len(phys.regions), cr3)
	return &Core{
		phys:      phys,
		closeDump: closeDump,
		regs:      regs,
		mmu:       mmu,
		syms:      syms,
		log:       log,
		dtb:       cr3 & frameMask,
	}, nil
}

// Close releases the dump mapping. The core is unusable afterwards.
func (c *Core) Close() error {
	return c.closeDump()
}

// ReadMemory reads guest virtual memory through the selected address
// space.
func (c *Core) ReadMemory(buf []byte, addr uint64) (int, error) {
	return c.mmu.readVirtual(buf, addr, c.dtb)
}

// ReadMSR returns the value captured in the register sidecar.
func (c *Core) ReadMSR(msr guest.MSR) (uint64, error) {
	return c.regs.ReadMSR(msr)
}

// SwitchProcess selects p's address space. The returned function
// restores the previous selection.
func (c *Core) SwitchProcess(p guest.Proc) (func(), error) {
	if p.DTB == 0 {
		return nil, fmt.Errorf("process %#x has no page-table base", p.Addr)
	}
	prev := c.dtb
	c.dtb = p.DTB & frameMask
	c.log.Debugf("address space %#x selected (was %#x)", c.dtb, prev)
	return func() { c.dtb = prev }, nil
}

// Symbols returns the symbol store bound at Open.
func (c *Core) Symbols() guest.SymbolStore {
	return c.syms
}
