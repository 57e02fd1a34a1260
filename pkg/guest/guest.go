// Package guest defines the interfaces through which operating-system
// interpreters observe a virtual machine: memory reads, model-specific
// registers, address-space selection and the kernel symbol database.
// Backends (saved memory dumps, hypervisor bridges) implement these
// interfaces, interpreters consume them and nothing else.
package guest

// MSR identifies a model-specific register of the guest CPU.
type MSR uint32

const (
	// LSTAR holds the long-mode SYSCALL entry point.
	LSTAR MSR = 0xC0000082
	// GSBase holds the active GS segment base.
	GSBase MSR = 0xC0000101
	// KernelGSBase holds the inactive GS base swapped in by SWAPGS.
	KernelGSBase MSR = 0xC0000102

	// CR3 is a pseudo-MSR slot through which backends that source
	// register state from a sidecar expose the boot translation context.
	CR3 MSR = 0xF0000003
)

// Proc identifies one guest process: the kernel object describing it and
// the page-table base of its address space. A Proc is only meaningful on
// the virtual machine it was read from and must not outlive it.
type Proc struct {
	Addr uint64 // kernel process object
	DTB  uint64 // directory table base (page-table root)
}

// Mod identifies one module loaded into a process by the address of its
// loader list entry. A Mod is only valid in the address space of the
// process it was enumerated from.
type Mod uint64

// Span is a contiguous range of guest virtual addresses.
type Span struct {
	Addr uint64
	Size uint64
}

// End returns the first address past the span.
func (s Span) End() uint64 { return s.Addr + s.Size }

// Contains reports whether addr falls inside the span.
func (s Span) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.Addr+s.Size
}

// Memory reads guest memory. Like io.ReaderAt, but the argument order is
// reversed and the offset is a virtual address resolved through the
// currently selected address space.
type Memory interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
}

// Registers reads the model-specific registers of the guest's boot CPU.
type Registers interface {
	ReadMSR(msr MSR) (uint64, error)
}

// AddressSpaces selects the process address space that Memory reads
// resolve through. SwitchProcess returns a function restoring the
// previous selection; callers must invoke it on every exit path, usually
// with defer. Switches nest: each restore function reinstates the
// selection that was active when its switch was made.
type AddressSpaces interface {
	SwitchProcess(p Proc) (restore func(), err error)
}

// SymbolStore resolves kernel debug symbols and structure member offsets
// for modules registered with Insert.
type SymbolStore interface {
	// Insert registers a module mapped at span, using its in-memory
	// image to identify and load the matching symbol profile.
	Insert(module string, span Span, image []byte) error
	// Symbol returns the absolute virtual address of name in module.
	Symbol(module, name string) (uint64, error)
	// StrucOffset returns the byte offset of member inside struc.
	StrucOffset(module, struc, member string) (uint64, error)
}

// Core is the handle to one attached virtual machine.
type Core interface {
	Memory
	Registers
	AddressSpaces

	// Symbols returns the symbol database of the attached machine.
	Symbols() SymbolStore
}

// OS reconstructs operating-system abstractions from the kernel
// structures of an attached machine.
type OS interface {
	// Kernel returns the range of the kernel image the interpreter
	// attached to.
	Kernel() Span

	// ListProcesses calls visit for every process until the walk
	// completes or visit returns false.
	ListProcesses(visit func(Proc) bool) error
	// CurrentProcess returns the process running on the boot CPU.
	CurrentProcess() (Proc, error)
	// ProcessByName returns the first process whose executable name
	// equals name. After a clean walk with no match, found is false and
	// err is nil.
	ProcessByName(name string) (proc Proc, found bool, err error)
	// ProcessName returns the executable name of p.
	ProcessName(p Proc) (string, error)

	// ListModules calls visit for every module loaded into p, in load
	// order, until the walk completes or visit returns false.
	ListModules(p Proc, visit func(Mod) bool) error
	// ModuleName returns the full path of m as recorded by the loader.
	ModuleName(p Proc, m Mod) (string, error)
	// ModuleSpan returns the mapped range of m.
	ModuleSpan(p Proc, m Mod) (Span, error)

	// HasVirtualMemory reports whether p owns a user address space.
	HasVirtualMemory(p Proc) (bool, error)
}

// Machine pairs raw access to a virtual machine with the interpreter
// for the operating system running inside it.
type Machine struct {
	Core
	OS
}
