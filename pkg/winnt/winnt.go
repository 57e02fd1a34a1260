// Package winnt interprets the kernel structures of a 64-bit Windows
// guest. It locates the kernel image from the machine's syscall entry
// point, binds the matching debug-symbol profile, and reconstructs
// processes and loaded modules by walking the lists the kernel itself
// maintains.
package winnt

import (
	"fmt"

	"github.com/hyperlens/hyperlens/pkg/guest"
	"github.com/hyperlens/hyperlens/pkg/logflags"
)

// PDBMismatchError means the loaded symbol profile does not describe
// the running kernel: the profile places the syscall entry point
// somewhere other than where the CPU says it is.
type PDBMismatchError struct {
	LSTAR          uint64
	KiSystemCall64 uint64
}

func (e *PDBMismatchError) Error() string {
	return fmt.Sprintf("symbol profile mismatch: lstar %#x, profile KiSystemCall64 %#x", e.LSTAR, e.KiSystemCall64)
}

// OS interprets one attached machine. All methods are fallible reads of
// a live structure graph; none of them mutate the guest.
type OS struct {
	core   guest.Core
	log    logflags.Logger
	kernel guest.Span

	members [memberOffsetCount]uint64
	symbols [symbolOffsetCount]uint64
}

// Kernel returns the range of the kernel image located during setup.
func (nt *OS) Kernel() guest.Span { return nt.kernel }

var _ guest.OS = (*OS)(nil)

// New attaches the interpreter to core. It returns a usable handle only
// if the kernel image is found, its symbol profile loads, the whole
// offset catalog resolves, and the profile matches the running kernel.
func New(core guest.Core) (*OS, error) {
	nt := &OS{core: core, log: logflags.WinNTLogger()}
	if err := nt.setup(); err != nil {
		return nil, err
	}
	return nt, nil
}

func (nt *OS) setup() error {
	lstar, err := nt.core.ReadMSR(guest.LSTAR)
	if err != nil {
		return fmt.Errorf("reading lstar: %w", err)
	}
	kernel, err := findKernel(nt.core, lstar, nt.log)
	if err != nil {
		return err
	}
	nt.kernel = kernel
	nt.log.Infof("kernel: %#x-%#x (%d bytes)", kernel.Addr, kernel.End(), kernel.Size)

	image := make([]byte, kernel.Size)
	if err := guest.ReadFull(nt.core, image, kernel.Addr); err != nil {
		return fmt.Errorf("reading kernel image: %w", err)
	}
	if err := nt.core.Symbols().Insert("nt", kernel, image); err != nil {
		return fmt.Errorf("loading kernel symbols: %w", err)
	}

	// Resolve the whole catalog before failing so a stale profile
	// reports everything it is missing at once.
	unresolved := 0
	for i, desc := range symbolDescs {
		addr, err := nt.core.Symbols().Symbol(desc.module, desc.name)
		if err != nil {
			unresolved++
			nt.log.Errorf("unable to resolve %s!%s: %v", desc.module, desc.name, err)
			continue
		}
		nt.symbols[i] = addr
	}
	for i, desc := range memberDescs {
		off, err := nt.core.Symbols().StrucOffset(desc.module, desc.struc, desc.member)
		if err != nil {
			unresolved++
			nt.log.Errorf("unable to resolve %s!%s.%s: %v", desc.module, desc.struc, desc.member, err)
			continue
		}
		nt.members[i] = off
	}
	if unresolved > 0 {
		return fmt.Errorf("%d catalog entries unresolved", unresolved)
	}

	if got := nt.symbols[kiSystemCall64]; got != lstar {
		return &PDBMismatchError{LSTAR: lstar, KiSystemCall64: got}
	}
	return nil
}
