package terminal

import (
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"testing"

	"github.com/hyperlens/hyperlens/pkg/config"
	"github.com/hyperlens/hyperlens/pkg/guest"
	"github.com/hyperlens/hyperlens/pkg/logflags"
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	os.Exit(m.Run())
}

type fakeMod struct {
	mod  guest.Mod
	span guest.Span
	name string
}

type fakeProc struct {
	proc   guest.Proc
	name   string
	hasVad bool
	mods   []fakeMod
}

// fakeGuest is a canned machine: a fixed process table and a byte-map
// memory, current process selected by index.
type fakeGuest struct {
	procs   []fakeProc
	current int
	kernel  guest.Span
	mem     map[uint64]byte
}

func (g *fakeGuest) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		b, ok := g.mem[addr+uint64(i)]
		if !ok {
			return i, fmt.Errorf("unmapped read at %#x", addr+uint64(i))
		}
		buf[i] = b
	}
	return len(buf), nil
}

func (g *fakeGuest) ReadMSR(msr guest.MSR) (uint64, error) {
	return 0, fmt.Errorf("msr %#x unavailable", uint32(msr))
}

func (g *fakeGuest) SwitchProcess(p guest.Proc) (func(), error) {
	return func() {}, nil
}

func (g *fakeGuest) Symbols() guest.SymbolStore { return nil }

func (g *fakeGuest) Kernel() guest.Span { return g.kernel }

func (g *fakeGuest) ListProcesses(visit func(guest.Proc) bool) error {
	for _, p := range g.procs {
		if !visit(p.proc) {
			break
		}
	}
	return nil
}

func (g *fakeGuest) CurrentProcess() (guest.Proc, error) {
	return g.procs[g.current].proc, nil
}

func (g *fakeGuest) ProcessByName(name string) (guest.Proc, bool, error) {
	for _, p := range g.procs {
		if p.name == name {
			return p.proc, true, nil
		}
	}
	return guest.Proc{}, false, nil
}

func (g *fakeGuest) ProcessName(p guest.Proc) (string, error) {
	fp, err := g.find(p)
	if err != nil {
		return "", err
	}
	return fp.name, nil
}

func (g *fakeGuest) ListModules(p guest.Proc, visit func(guest.Mod) bool) error {
	fp, err := g.find(p)
	if err != nil {
		return err
	}
	for _, m := range fp.mods {
		if !visit(m.mod) {
			break
		}
	}
	return nil
}

func (g *fakeGuest) ModuleName(p guest.Proc, m guest.Mod) (string, error) {
	fm, err := g.findMod(p, m)
	if err != nil {
		return "", err
	}
	return fm.name, nil
}

func (g *fakeGuest) ModuleSpan(p guest.Proc, m guest.Mod) (guest.Span, error) {
	fm, err := g.findMod(p, m)
	if err != nil {
		return guest.Span{}, err
	}
	return fm.span, nil
}

func (g *fakeGuest) HasVirtualMemory(p guest.Proc) (bool, error) {
	fp, err := g.find(p)
	if err != nil {
		return false, err
	}
	return fp.hasVad, nil
}

func (g *fakeGuest) find(p guest.Proc) (*fakeProc, error) {
	for i := range g.procs {
		if g.procs[i].proc.Addr == p.Addr {
			return &g.procs[i], nil
		}
	}
	return nil, fmt.Errorf("no process at %#x", p.Addr)
}

func (g *fakeGuest) findMod(p guest.Proc, m guest.Mod) (*fakeMod, error) {
	fp, err := g.find(p)
	if err != nil {
		return nil, err
	}
	for i := range fp.mods {
		if fp.mods[i].mod == m {
			return &fp.mods[i], nil
		}
	}
	return nil, fmt.Errorf("no module at %#x", uint64(m))
}

func testGuest() *fakeGuest {
	g := &fakeGuest{
		procs: []fakeProc{
			{proc: guest.Proc{Addr: 0xffffa80000700000, DTB: 0x111000}, name: "System"},
			{proc: guest.Proc{Addr: 0xffffa80000800000, DTB: 0x222000}, name: "lsass.exe", hasVad: true, mods: []fakeMod{
				{mod: 0x7ff7c0020000, span: guest.Span{Addr: 0x7ff700000000, Size: 0x25000}, name: `C:\Windows\System32\lsass.exe`},
				{mod: 0x7ff7c0030000, span: guest.Span{Addr: 0x7ffa10000000, Size: 0x1f8000}, name: `C:\Windows\System32\ntdll.dll`},
			}},
			{proc: guest.Proc{Addr: 0xffffa80000900000, DTB: 0x333000}, name: "Memory Compression", hasVad: true},
		},
		current: 1,
		kernel:  guest.Span{Addr: 0xfffff80140000000, Size: 0xa81000},
		mem:     make(map[uint64]byte),
	}
	for i := 0; i < 128; i++ {
		g.mem[0x2000+uint64(i)] = byte(i)
	}
	return g
}

type FakeTerminal struct {
	*Term
	t testing.TB
}

const logCommandOutput = false

func (ft *FakeTerminal) Exec(cmdstr string) (outstr string, err error) {
	outfh, err := ioutil.TempFile("", "cmdtestout")
	if err != nil {
		ft.t.Fatalf("could not create temporary file: %v", err)
	}

	stdout, stderr, termstdout := os.Stdout, os.Stderr, ft.Term.stdout
	os.Stdout, os.Stderr, ft.Term.stdout = outfh, outfh, outfh
	defer func() {
		os.Stdout, os.Stderr, ft.Term.stdout = stdout, stderr, termstdout
		outfh.Close()
		outbs, err1 := ioutil.ReadFile(outfh.Name())
		if err1 != nil {
			ft.t.Fatalf("could not read temporary output file: %v", err1)
		}
		outstr = string(outbs)
		if logCommandOutput {
			ft.t.Logf("command %q -> %q", cmdstr, outstr)
		}
		os.Remove(outfh.Name())
	}()
	err = ft.cmds.Call(cmdstr, ft.Term)
	return
}

func newFakeTerminal(t testing.TB, conf *config.Config) (*FakeTerminal, *fakeGuest) {
	g := testGuest()
	term := New(guest.Machine{Core: g, OS: g}, conf)
	t.Cleanup(term.Close)
	return &FakeTerminal{Term: term, t: t}, g
}

func TestUnknownCommand(t *testing.T) {
	ft, _ := newFakeTerminal(t, nil)
	if _, err := ft.Exec("definitely-not-a-command"); !errors.Is(err, noCmdError) {
		t.Errorf("err = %v, want noCmdError", err)
	}
	if out, err := ft.Exec(""); err != nil || out != "" {
		t.Errorf("empty command: %q, %v", out, err)
	}
}

func TestExitRequest(t *testing.T) {
	ft, _ := newFakeTerminal(t, nil)
	_, err := ft.Exec("exit")
	if _, ok := err.(ExitRequestError); !ok {
		t.Errorf("exit returned %v", err)
	}
	_, err = ft.Exec("q")
	if _, ok := err.(ExitRequestError); !ok {
		t.Errorf("q returned %v", err)
	}
}

func TestProcessesCommand(t *testing.T) {
	ft, _ := newFakeTerminal(t, nil)

	out, err := ft.Exec("processes")
	if err != nil {
		t.Fatalf("processes: %v", err)
	}
	for _, want := range []string{"System", "lsass.exe", "Memory Compression"} {
		if !strings.Contains(out, want) {
			t.Errorf("output is missing %q:\n%s", want, out)
		}
	}
	curMarked := false
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "* ") {
			curMarked = true
			if !strings.Contains(line, "lsass.exe") {
				t.Errorf("wrong process marked current: %q", line)
			}
		}
	}
	if !curMarked {
		t.Errorf("no process marked current:\n%s", out)
	}

	out, err = ft.Exec("ps lsass")
	if err != nil {
		t.Fatalf("ps lsass: %v", err)
	}
	if strings.Contains(out, "System") || !strings.Contains(out, "lsass.exe") {
		t.Errorf("filter not applied:\n%s", out)
	}

	if _, err := ft.Exec("processes ("); err == nil {
		t.Errorf("invalid filter accepted")
	}
}

func TestModulesCommand(t *testing.T) {
	ft, _ := newFakeTerminal(t, nil)

	out, err := ft.Exec("modules lsass.exe")
	if err != nil {
		t.Fatalf("modules: %v", err)
	}
	if !strings.Contains(out, `C:\Windows\System32\ntdll.dll`) || !strings.Contains(out, "0x7ffa10000000") {
		t.Errorf("module listing incomplete:\n%s", out)
	}
	if !strings.Contains(out, "0x7ff700025000") {
		t.Errorf("module end address missing:\n%s", out)
	}

	// without an argument the current process is listed
	outDefault, err := ft.Exec("mods")
	if err != nil {
		t.Fatalf("mods: %v", err)
	}
	if !strings.Contains(outDefault, "ntdll.dll") {
		t.Errorf("default process listing incomplete:\n%s", outDefault)
	}

	if _, err := ft.Exec("modules nosuch.exe"); err == nil || !strings.Contains(err.Error(), "no process named") {
		t.Errorf("unknown process: %v", err)
	}

	// quoted names reach the walker in one piece
	if _, err := ft.Exec(`modules "Memory Compression"`); err != nil {
		t.Errorf("quoted process name: %v", err)
	}

	if _, err := ft.Exec("modules one two"); err == nil {
		t.Errorf("excess arguments accepted")
	}
}

func TestCurrentCommand(t *testing.T) {
	ft, _ := newFakeTerminal(t, nil)
	out, err := ft.Exec("current")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if !strings.Contains(out, "lsass.exe") || !strings.Contains(out, "0xffffa80000800000") {
		t.Errorf("current = %q", out)
	}
}

func TestKernelCommand(t *testing.T) {
	ft, _ := newFakeTerminal(t, nil)
	out, err := ft.Exec("kernel")
	if err != nil {
		t.Fatalf("kernel: %v", err)
	}
	if !strings.Contains(out, "0xfffff80140000000-0xfffff80140a81000") {
		t.Errorf("kernel = %q", out)
	}
}

func TestVadCommand(t *testing.T) {
	ft, _ := newFakeTerminal(t, nil)

	out, err := ft.Exec("vad System")
	if err != nil {
		t.Fatalf("vad System: %v", err)
	}
	if !strings.Contains(out, "no user address space") {
		t.Errorf("vad System = %q", out)
	}

	out, err = ft.Exec("vad lsass.exe")
	if err != nil {
		t.Fatalf("vad lsass.exe: %v", err)
	}
	if !strings.Contains(out, "owns a user address space") {
		t.Errorf("vad lsass.exe = %q", out)
	}
}

func TestExamineCommand(t *testing.T) {
	ft, _ := newFakeTerminal(t, nil)

	out, err := ft.Exec("examine 0x2000 16")
	if err != nil {
		t.Fatalf("examine: %v", err)
	}
	if !strings.Contains(out, "0x2000: 00 01 02 03 04 05 06 07  08 09 0a 0b 0c 0d 0e 0f") {
		t.Errorf("examine = %q", out)
	}

	out, err = ft.Exec("x 0x2040")
	if err != nil {
		t.Fatalf("default length examine: %v", err)
	}
	if !strings.Contains(out, "0x2040:") || !strings.Contains(out, "0x2070:") {
		t.Errorf("default length dump = %q", out)
	}

	// reads past the mapped range surface the error
	if _, err := ft.Exec("examine 0x2100 16"); err == nil {
		t.Errorf("unmapped read did not fail")
	}

	for _, bad := range []string{"examine", "examine zzz", "examine 0x2000 0", "examine 0x2000 1 2 3"} {
		if _, err := ft.Exec(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

func TestHelpCommand(t *testing.T) {
	ft, _ := newFakeTerminal(t, nil)

	out, err := ft.Exec("help")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, want := range []string{"Inspecting the guest", "processes", "examine"} {
		if !strings.Contains(out, want) {
			t.Errorf("help output is missing %q", want)
		}
	}

	out, err = ft.Exec("help examine")
	if err != nil {
		t.Fatalf("help examine: %v", err)
	}
	if !strings.Contains(out, "hex dump") {
		t.Errorf("help examine = %q", out)
	}

	if _, err := ft.Exec("help nosuch"); !errors.Is(err, noCmdError) {
		t.Errorf("help nosuch: %v", err)
	}
}

func TestConfigAliases(t *testing.T) {
	conf := &config.Config{Aliases: map[string][]string{"processes": {"pl"}}}
	ft, _ := newFakeTerminal(t, conf)
	out, err := ft.Exec("pl")
	if err != nil {
		t.Fatalf("aliased command: %v", err)
	}
	if !strings.Contains(out, "System") {
		t.Errorf("alias output = %q", out)
	}
}

func TestCompletion(t *testing.T) {
	ft, _ := newFakeTerminal(t, nil)

	got := ft.complete("mod")
	found := false
	for _, s := range got {
		if s == "modules" {
			found = true
		}
	}
	if !found {
		t.Errorf("complete(mod) = %v", got)
	}

	got = ft.complete("vad Mem")
	if len(got) != 1 || got[0] != "vad Memory Compression" {
		t.Errorf("complete(vad Mem) = %v", got)
	}
}
