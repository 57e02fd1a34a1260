package vmcore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperlens/hyperlens/pkg/guest"
)

// buildPhysImage lays out a 64 KiB physical image holding two address
// spaces: one rooted at 0x1000 mapping virtual 0x5000 to physical
// 0x5000 (plus 2 MiB and 1 GiB large-page aliases of physical zero),
// one rooted at 0x8000 mapping virtual 0x5000 to physical 0xc000.
func buildPhysImage() []byte {
	img := make([]byte, 0x10000)
	pte := func(off int, val uint64) { binary.LittleEndian.PutUint64(img[off:], val) }

	pte(0x1000, 0x2003)     // A: PML4[0]
	pte(0x2000, 0x3003)     // A: PDPT[0]
	pte(0x2008, 0x83)       // A: PDPT[1], 1 GiB page over physical 0
	pte(0x3000, 0x4003)     // A: PD[0]
	pte(0x3008, 0x83)       // A: PD[1], 2 MiB page over physical 0
	pte(0x4000+5*8, 0x5003) // A: PT[5]
	pte(0x4000+6*8, 0x7003) // A: PT[6]

	pte(0x8000, 0x9003)     // B: PML4[0]
	pte(0x9000, 0xa003)     // B: PDPT[0]
	pte(0xa000, 0xb003)     // B: PD[0]
	pte(0xb000+5*8, 0xc003) // B: PT[5]

	copy(img[0x5000:], "process-a memory")
	copy(img[0x5ff8:], "ABCDEFGH")
	copy(img[0x7000:], "IJKLMNOP")
	copy(img[0xc000:], "process-b memory")
	return img
}

const testRegs = `cr3: 0x1000
lstar: 0xfffff80142a129c0
gs_base: 0xfffff80141735000
kernel_gs_base: 0x0
msrs:
  0xc0000103: 0x123
`

func writeCoreFiles(t *testing.T, dump []byte) (dumpPath, regsPath string) {
	t.Helper()
	dir := t.TempDir()
	dumpPath = filepath.Join(dir, "mem.raw")
	regsPath = filepath.Join(dir, "regs.yml")
	if err := os.WriteFile(dumpPath, dump, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(regsPath, []byte(testRegs), 0o644); err != nil {
		t.Fatal(err)
	}
	return dumpPath, regsPath
}

func openTestCore(t *testing.T) *Core {
	t.Helper()
	dumpPath, regsPath := writeCoreFiles(t, buildPhysImage())
	c, err := Open(dumpPath, regsPath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTranslatedReads(t *testing.T) {
	c := openTestCore(t)
	readString := func(addr uint64, n int) string {
		buf := make([]byte, n)
		if err := guest.ReadFull(c, buf, addr); err != nil {
			t.Fatalf("read at %#x: %v", addr, err)
		}
		return string(buf)
	}

	if got := readString(0x5000, 16); got != "process-a memory" {
		t.Errorf("4 KiB page read = %q", got)
	}
	if got := readString(0x200000+0x5000, 16); got != "process-a memory" {
		t.Errorf("2 MiB page read = %q", got)
	}
	if got := readString(0x40000000+0x5000, 16); got != "process-a memory" {
		t.Errorf("1 GiB page read = %q", got)
	}

	// a read crossing a page boundary stitches non-adjacent frames
	if got := readString(0x5ff8, 16); got != "ABCDEFGHIJKLMNOP" {
		t.Errorf("cross-page read = %q", got)
	}
}

func TestPageFault(t *testing.T) {
	c := openTestCore(t)
	buf := make([]byte, 4)

	var pf *PageFaultError
	if _, err := c.ReadMemory(buf, 0x9000); !errors.As(err, &pf) {
		t.Errorf("unmapped page: err = %v", err)
	}
	if _, err := c.ReadMemory(buf, 0x0000800000000000); !errors.As(err, &pf) {
		t.Errorf("non-canonical address: err = %v", err)
	}

	// translation succeeds, physical backing is outside the dump
	if _, err := c.ReadMemory(buf, 0x40000000+0x20000); err == nil {
		t.Errorf("read past the dump end succeeded")
	}
}

func TestSwitchProcess(t *testing.T) {
	c := openTestCore(t)
	read := func() string {
		buf := make([]byte, 16)
		if err := guest.ReadFull(c, buf, 0x5000); err != nil {
			t.Fatalf("read: %v", err)
		}
		return string(buf)
	}

	if read() != "process-a memory" {
		t.Fatalf("boot address space not selected")
	}

	restoreB, err := c.SwitchProcess(guest.Proc{Addr: 0x100, DTB: 0x8000})
	if err != nil {
		t.Fatalf("SwitchProcess: %v", err)
	}
	if read() != "process-b memory" {
		t.Errorf("switch did not take effect")
	}

	restoreA, err := c.SwitchProcess(guest.Proc{Addr: 0x200, DTB: 0x1000})
	if err != nil {
		t.Fatalf("SwitchProcess: %v", err)
	}
	if read() != "process-a memory" {
		t.Errorf("nested switch did not take effect")
	}

	restoreA()
	if read() != "process-b memory" {
		t.Errorf("inner restore went to the wrong space")
	}
	restoreB()
	if read() != "process-a memory" {
		t.Errorf("outer restore went to the wrong space")
	}

	if _, err := c.SwitchProcess(guest.Proc{Addr: 0x300}); err == nil {
		t.Errorf("switch to a zero page-table base accepted")
	}
}

func buildLime() []byte {
	var b bytes.Buffer
	hdr := func(start, end uint64) {
		binary.Write(&b, binary.LittleEndian, uint32(limeMagic))
		binary.Write(&b, binary.LittleEndian, uint32(limeVersion))
		binary.Write(&b, binary.LittleEndian, start)
		binary.Write(&b, binary.LittleEndian, end)
		b.Write(make([]byte, 8))
	}
	page1 := make([]byte, 0x1000)
	copy(page1[0x10:], "first range")
	page2 := make([]byte, 0x1000)
	copy(page2, "second range")
	hdr(0, 0xfff)
	b.Write(page1)
	hdr(0x3000, 0x3fff)
	b.Write(page2)
	return b.Bytes()
}

func openLime(t *testing.T, data []byte) (*physMemory, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mem.lime")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	mem, closeDump, err := openDump(path)
	if err == nil {
		t.Cleanup(func() { closeDump() })
	}
	return mem, err
}

func TestLimeDump(t *testing.T) {
	mem, err := openLime(t, buildLime())
	if err != nil {
		t.Fatalf("openDump: %v", err)
	}
	if len(mem.regions) != 2 {
		t.Fatalf("regions = %d, want 2", len(mem.regions))
	}

	buf := make([]byte, 11)
	if _, err := mem.ReadPhysical(buf, 0x10); err != nil || string(buf) != "first range" {
		t.Errorf("first range: %q, %v", buf, err)
	}
	if _, err := mem.ReadPhysical(buf, 0x3000); err != nil || string(buf) != "second rang" {
		t.Errorf("second range: %q, %v", buf, err)
	}
	if _, err := mem.ReadPhysical(buf, 0x1800); err == nil {
		t.Errorf("read in the hole between ranges succeeded")
	}
	big := make([]byte, 0x100)
	if n, err := mem.ReadPhysical(big, 0xf80); err == nil {
		t.Errorf("read off a range end succeeded (%d bytes)", n)
	}
}

func TestLimeCorrupt(t *testing.T) {
	truncated := buildLime()[:40]
	if _, err := openLime(t, truncated); err == nil {
		t.Errorf("truncated dump accepted")
	}

	badVersion := buildLime()
	binary.LittleEndian.PutUint32(badVersion[4:], 9)
	if _, err := openLime(t, badVersion); err == nil {
		t.Errorf("unknown version accepted")
	}
}

func TestRegisters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regs.yml")
	if err := os.WriteFile(path, []byte(testRegs), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := loadRegisters(path)
	if err != nil {
		t.Fatalf("loadRegisters: %v", err)
	}

	for _, tc := range []struct {
		msr  guest.MSR
		want uint64
	}{
		{guest.CR3, 0x1000},
		{guest.LSTAR, 0xfffff80142a129c0},
		{guest.GSBase, 0xfffff80141735000},
		{guest.KernelGSBase, 0},
		{guest.MSR(0xc0000103), 0x123},
	} {
		got, err := r.ReadMSR(tc.msr)
		if err != nil {
			t.Errorf("ReadMSR(%#x): %v", uint32(tc.msr), err)
			continue
		}
		if got != tc.want {
			t.Errorf("ReadMSR(%#x) = %#x, want %#x", uint32(tc.msr), got, tc.want)
		}
	}

	if _, err := r.ReadMSR(guest.MSR(0x1b)); err == nil {
		t.Errorf("uncaptured msr read succeeded")
	}
}

func TestRegistersAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regs.yml")
	if err := os.WriteFile(path, []byte("cr3: 0x1000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := loadRegisters(path)
	if err != nil {
		t.Fatalf("loadRegisters: %v", err)
	}
	if _, err := r.ReadMSR(guest.LSTAR); err == nil {
		t.Errorf("absent lstar read succeeded")
	}
}
