// Package terminal implements functions for responding to user
// input and dispatching to appropriate guest inspection commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/hyperlens/hyperlens/pkg/guest"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the Hyperlens terminal process.
type Commands struct {
	cmds []command
}

// InspectCommands returns a Commands struct with default commands defined.
func InspectCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"processes", "ps"}, group: procCmds, cmdFn: processes, helpMsg: `List the processes of the guest.

	processes [<regex>]

Prints the kernel object address, page-table base and executable name of
every process. The process currently scheduled on the boot CPU is marked
with an asterisk. If regex is specified only the processes with a name
matching it will be listed.`},
		{aliases: []string{"modules", "mods"}, group: procCmds, cmdFn: modules, helpMsg: `List the modules loaded by a process.

	modules [<process name>]

Prints the mapped range and loader path of every module of the named
process, in load order. Without an argument the current process is used.`},
		{aliases: []string{"current", "cur"}, group: procCmds, cmdFn: current, helpMsg: "Print the process running on the boot CPU."},
		{aliases: []string{"kernel"}, group: procCmds, cmdFn: kernelCmd, helpMsg: "Print the range of the guest kernel image."},
		{aliases: []string{"vad"}, group: procCmds, cmdFn: vad, helpMsg: `Report whether a process owns a user address space.

	vad [<process name>]

Kernel-only processes (System, Idle) own no user address space. Without
an argument the current process is used.`},
		{aliases: []string{"examine", "x"}, group: memCmds, cmdFn: examineMemory, helpMsg: `Examine guest memory.

	examine <address> [<length>]

Prints a hex dump of length bytes (default 64) of guest virtual memory
starting at address, read through the currently selected address space.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit the inspector."},
	}

	return c
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will replay the last command.
func (c *Commands) Find(cmdstr string) cmdfunc {
	// If <enter> use last command, if there was one.
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func processes(t *Term, args string) error {
	var filter *regexp.Regexp
	if len(args) > 0 {
		var err error
		filter, err = regexp.Compile(args)
		if err != nil {
			return fmt.Errorf("invalid filter argument: %v", err)
		}
	}

	// used only to mark the row, a failure here leaves all rows unmarked
	cur, _ := t.vm.CurrentProcess()

	w := new(tabwriter.Writer)
	w.Init(t.stdout, 4, 4, 2, ' ', 0)
	defer w.Flush()
	return t.vm.ListProcesses(func(p guest.Proc) bool {
		name, err := t.vm.ProcessName(p)
		if err != nil {
			name = fmt.Sprintf("<unreadable: %v>", err)
		}
		if filter != nil && !filter.MatchString(name) {
			return true
		}
		prefix := "  "
		if cur.Addr != 0 && p.Addr == cur.Addr {
			prefix = "* "
		}
		fmt.Fprintf(w, "%s%#x\t%#x\t%s\n", prefix, p.Addr, p.DTB, name)
		return true
	})
}

func modules(t *Term, args string) error {
	p, err := t.selectProcess(args)
	if err != nil {
		return err
	}

	w := new(tabwriter.Writer)
	w.Init(t.stdout, 4, 4, 2, ' ', 0)
	defer w.Flush()
	return t.vm.ListModules(p, func(m guest.Mod) bool {
		span, err := t.vm.ModuleSpan(p, m)
		if err != nil {
			fmt.Fprintf(w, "%#x\t?\t<unreadable: %v>\n", uint64(m), err)
			return true
		}
		name, err := t.vm.ModuleName(p, m)
		if err != nil {
			name = fmt.Sprintf("<unreadable: %v>", err)
		}
		fmt.Fprintf(w, "%#x\t%#x\t%s\n", span.Addr, span.End(), name)
		return true
	})
}

func current(t *Term, args string) error {
	p, err := t.vm.CurrentProcess()
	if err != nil {
		return err
	}
	name, err := t.vm.ProcessName(p)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s (object %#x, dtb %#x)\n", name, p.Addr, p.DTB)
	return nil
}

func kernelCmd(t *Term, args string) error {
	k := t.vm.Kernel()
	fmt.Fprintf(t.stdout, "kernel %#x-%#x (%d bytes)\n", k.Addr, k.End(), k.Size)
	return nil
}

func vad(t *Term, args string) error {
	p, err := t.selectProcess(args)
	if err != nil {
		return err
	}
	has, err := t.vm.HasVirtualMemory(p)
	if err != nil {
		return err
	}
	if has {
		fmt.Fprintf(t.stdout, "process %#x owns a user address space\n", p.Addr)
	} else {
		fmt.Fprintf(t.stdout, "process %#x has no user address space\n", p.Addr)
	}
	return nil
}

const maxExamineLen = 1 << 16

func examineMemory(t *Term, args string) error {
	v := strings.Fields(args)
	if len(v) == 0 || len(v) > 2 {
		return errors.New("wrong number of arguments: examine <address> [<length>]")
	}
	addr, err := strconv.ParseUint(v[0], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address: %v", err)
	}
	length := uint64(64)
	if len(v) == 2 {
		length, err = strconv.ParseUint(v[1], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid length: %v", err)
		}
	}
	if length == 0 || length > maxExamineLen {
		return fmt.Errorf("length must be between 1 and %d", maxExamineLen)
	}

	buf := make([]byte, length)
	if err := guest.ReadFull(t.vm, buf, addr); err != nil {
		return err
	}
	for i := 0; i < len(buf); i += 16 {
		end := i + 16
		if end > len(buf) {
			end = len(buf)
		}
		fmt.Fprintf(t.stdout, "%#x:", addr+uint64(i))
		for j := i; j < end; j++ {
			if j-i == 8 {
				fmt.Fprint(t.stdout, " ")
			}
			fmt.Fprintf(t.stdout, " %02x", buf[j])
		}
		fmt.Fprintln(t.stdout)
	}
	return nil
}

// selectProcess resolves the process a command operates on: the one
// named by args, or the current process when args is empty.
func (t *Term) selectProcess(args string) (guest.Proc, error) {
	name, err := parseProcessName(args)
	if err != nil {
		return guest.Proc{}, err
	}
	if name == "" {
		return t.vm.CurrentProcess()
	}
	p, found, err := t.vm.ProcessByName(name)
	if err != nil {
		return guest.Proc{}, err
	}
	if !found {
		return guest.Proc{}, fmt.Errorf("no process named %q", name)
	}
	return p, nil
}

// parseProcessName extracts a single, possibly quoted, process name
// from args.
func parseProcessName(args string) (string, error) {
	if args == "" {
		return "", nil
	}
	v, err := argv.Argv([]rune(args), argv.ParseEnv(os.Environ()), nil)
	if err != nil {
		return "", err
	}
	if len(v) != 1 || len(v[0]) != 1 {
		return "", fmt.Errorf("wrong number of arguments: %q", args)
	}
	return v[0][0], nil
}

// ExitRequestError is returned when the user
// exits Hyperlens.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Printf("%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
