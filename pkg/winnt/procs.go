package winnt

import (
	"fmt"
	"strings"

	"github.com/hyperlens/hyperlens/pkg/guest"
)

// kernelAddressMask selects the top bits every kernel-space address
// carries. A GS base without them belongs to user mode, meaning the
// machine was stopped before SWAPGS and the kernel base sits in the
// swap slot instead.
const kernelAddressMask = 0xFFF0000000000000

// ListProcesses walks the active-process list. A process whose
// page-table base cannot be read is logged and skipped; a broken list
// link aborts the walk.
func (nt *OS) ListProcesses(visit func(guest.Proc) bool) error {
	head := nt.symbols[psActiveProcessHead]
	link, err := guest.ReadPointer(nt.core, head)
	if err != nil {
		return fmt.Errorf("process list head at %#x: %w", head, err)
	}
	for link != head {
		eproc := link - nt.members[eprocessActiveProcessLinks]
		dtb, err := guest.ReadPointer(nt.core, eproc+nt.members[eprocessPcb]+nt.members[kprocessDirectoryTableBase])
		if err != nil {
			nt.log.Errorf("unable to read KPROCESS.DirectoryTableBase from %#x: %v", eproc, err)
		} else if !visit(guest.Proc{Addr: eproc, DTB: dtb}) {
			break
		}
		next, err := guest.ReadPointer(nt.core, link)
		if err != nil {
			return fmt.Errorf("process list link at %#x: %w", link, err)
		}
		link = next
	}
	return nil
}

func (nt *OS) readGSBase() (uint64, error) {
	gs, err := nt.core.ReadMSR(guest.GSBase)
	if err != nil {
		return 0, err
	}
	if gs&kernelAddressMask != 0 {
		return gs, nil
	}
	return nt.core.ReadMSR(guest.KernelGSBase)
}

// CurrentProcess resolves the process running on the boot CPU through
// its processor control region.
func (nt *OS) CurrentProcess() (guest.Proc, error) {
	gs, err := nt.readGSBase()
	if err != nil {
		return guest.Proc{}, fmt.Errorf("reading gs base: %w", err)
	}
	thread, err := guest.ReadPointer(nt.core, gs+nt.members[kpcrPrcb]+nt.members[kprcbCurrentThread])
	if err != nil {
		return guest.Proc{}, fmt.Errorf("reading KPCR.Prcb.CurrentThread: %w", err)
	}
	kproc, err := guest.ReadPointer(nt.core, thread+nt.members[kthreadProcess])
	if err != nil {
		return guest.Proc{}, fmt.Errorf("reading KTHREAD.Process: %w", err)
	}
	dtb, err := guest.ReadPointer(nt.core, kproc+nt.members[kprocessDirectoryTableBase])
	if err != nil {
		return guest.Proc{}, fmt.Errorf("reading KPROCESS.DirectoryTableBase: %w", err)
	}
	return guest.Proc{Addr: kproc - nt.members[eprocessPcb], DTB: dtb}, nil
}

// ProcessByName returns the first process whose executable name equals
// name. Processes whose name cannot be read are skipped.
func (nt *OS) ProcessByName(name string) (guest.Proc, bool, error) {
	var found guest.Proc
	var ok bool
	err := nt.ListProcesses(func(p guest.Proc) bool {
		got, err := nt.ProcessName(p)
		if err != nil || got != name {
			return true
		}
		found, ok = p, true
		return false
	})
	if err != nil {
		return guest.Proc{}, false, err
	}
	return found, ok, nil
}

// ProcessName returns the executable name of p. The kernel keeps only
// the first 14 characters inline; when those are exhausted the full
// name is recovered from the audit path recorded at process creation,
// falling back to the truncated form if that chain is broken.
func (nt *OS) ProcessName(p guest.Proc) (string, error) {
	// _EPROCESS.ImageFileName is 16 bytes, of which only 14 are used
	var buf [15]byte
	if err := guest.ReadFull(nt.core, buf[:], p.Addr+nt.members[eprocessImageFileName]); err != nil {
		return "", fmt.Errorf("reading EPROCESS.ImageFileName of %#x: %w", p.Addr, err)
	}
	buf[len(buf)-1] = 0
	name := string(buf[:])
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if len(name) < len(buf)-1 {
		return name, nil
	}

	imageFileName, err := guest.ReadPointer(nt.core, p.Addr+nt.members[eprocessSeAuditProcessCreationInfo]+nt.members[seAuditProcessCreationInfoImageFileName])
	if err != nil {
		return name, nil
	}
	path, err := nt.readUnicodeString(imageFileName + nt.members[objectNameInformationName])
	if err != nil {
		return name, nil
	}
	return basename(path), nil
}

// basename returns the final path component; guest paths may use
// either separator.
func basename(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}
