package cmds

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperlens/hyperlens/cmd/hyperlens/cmds/helphelpers"
	"github.com/hyperlens/hyperlens/pkg/config"
	"github.com/hyperlens/hyperlens/pkg/guest"
	"github.com/hyperlens/hyperlens/pkg/guest/vmcore"
	"github.com/hyperlens/hyperlens/pkg/logflags"
	"github.com/hyperlens/hyperlens/pkg/symstore"
	"github.com/hyperlens/hyperlens/pkg/terminal"
	"github.com/hyperlens/hyperlens/pkg/version"
	"github.com/hyperlens/hyperlens/pkg/winnt"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// dumpFile is the path of the physical memory dump to inspect.
	dumpFile string
	// regsFile is the path of the register sidecar.
	regsFile string
	// profileDir is the directory searched for kernel symbol profiles.
	profileDir string
	// initFile is the path to initialization file.
	initFile string
	// versionVerbose makes the version command print the module list.
	versionVerbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const hyperlensCommandLongDesc = `Hyperlens inspects the memory of a stopped x86-64 virtual machine and
reconstructs what the operating system inside it was doing.

Given a physical memory dump and the register state of the boot CPU,
hyperlens locates the guest kernel, loads the matching symbol profile
and walks the kernel's own bookkeeping to enumerate processes and the
modules loaded into them.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main hyperlens root command.
	rootCommand = &cobra.Command{
		Use:   "hyperlens",
		Short: "Hyperlens is an inspector for the memory of x86-64 virtual machines.",
		Long:  hyperlensCommandLongDesc,
	}

	rootCommand.PersistentFlags().StringVarP(&dumpFile, "dump", "d", "", "Path of the physical memory dump to inspect.")
	rootCommand.PersistentFlags().StringVarP(&regsFile, "registers", "r", "", "Path of the register sidecar (default: the dump path with a .regs suffix).")
	rootCommand.PersistentFlags().StringVar(&profileDir, "profile-dir", "", "Directory searched for kernel symbol profiles.")
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'hyperlens help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'hyperlens help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")

	// 'repl' subcommand.
	replCommand := &cobra.Command{
		Use:   "repl",
		Short: "Open an interactive inspection session.",
		Long: `Open an interactive inspection session.

The session provides line editing, history and completion over both
command names and the names of the processes found in the guest. Type
'help' inside the session for the list of inspection commands.`,
		Run: replCmd,
	}
	rootCommand.AddCommand(replCommand)

	// 'ps' subcommand.
	psCommand := &cobra.Command{
		Use:   "ps",
		Short: "List the processes of the guest.",
		Long: `List the processes of the guest.

Prints the kernel object address, page-table base and executable name of
every process on the active-process list.`,
		Run: psCmd,
	}
	rootCommand.AddCommand(psCommand)

	// 'modules' subcommand.
	modulesCommand := &cobra.Command{
		Use:   "modules [process name]",
		Short: "List the modules loaded by a process.",
		Long: `List the modules loaded by a process.

Prints the mapped range and loader path of every module of the named
process, in load order. Without an argument the process running on the
boot CPU is used.`,
		Args: cobra.MaximumNArgs(1),
		Run:  modulesCmd,
	}
	rootCommand.AddCommand(modulesCommand)

	// 'current' subcommand.
	currentCommand := &cobra.Command{
		Use:   "current",
		Short: "Print the process running on the boot CPU.",
		Run:   currentCmd,
	}
	rootCommand.AddCommand(currentCommand)

	// 'kernel' subcommand.
	kernelCommand := &cobra.Command{
		Use:   "kernel",
		Short: "Print the range of the guest kernel image.",
		Run:   kernelCmd,
	}
	rootCommand.AddCommand(kernelCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Hyperlens Inspector\n%s\n", version.HyperlensVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	winnt		Log kernel discovery and structure walks
	vmcore		Log dump loading and address-space switches
	symstore	Log symbol profile loading

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	helpForSubcommand := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		helpForSubcommand(cmd, args)
	})
	usageForSubcommand := rootCommand.UsageFunc()
	rootCommand.SetUsageFunc(func(cmd *cobra.Command) error {
		helphelpers.Prepare(cmd)
		return usageForSubcommand(cmd)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// attach opens the dump and its register sidecar and brings up the
// operating-system interpreter on top of them.
func attach() (guest.Machine, func() error, error) {
	if dumpFile == "" {
		return guest.Machine{}, nil, errors.New("no memory dump specified (--dump)")
	}
	regs := regsFile
	if regs == "" {
		regs = dumpFile + ".regs"
	}
	dir := profileDir
	if dir == "" {
		dir = conf.ProfileDir
	}
	if dir == "" {
		var err error
		dir, err = config.GetConfigFilePath("profiles")
		if err != nil {
			return guest.Machine{}, nil, err
		}
	}

	core, err := vmcore.Open(dumpFile, regs, symstore.New(dir))
	if err != nil {
		return guest.Machine{}, nil, err
	}
	nt, err := winnt.New(core)
	if err != nil {
		core.Close()
		return guest.Machine{}, nil, err
	}
	return guest.Machine{Core: core, OS: nt}, core.Close, nil
}

// oneShot runs fn against the attached machine with logging configured
// and returns the process exit status.
func oneShot(fn func(vm guest.Machine) error) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	vm, closer, err := attach()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closer()

	if err := fn(vm); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func replCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		vm, closer, err := attach()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer closer()

		t := terminal.New(vm, conf)
		t.InitFile = initFile
		status, err := t.Run()
		if err != nil {
			fmt.Println(err)
		}
		return status
	}()
	os.Exit(status)
}

func psCmd(cmd *cobra.Command, args []string) {
	os.Exit(oneShot(func(vm guest.Machine) error {
		w := new(tabwriter.Writer)
		w.Init(os.Stdout, 4, 4, 2, ' ', 0)
		defer w.Flush()
		return vm.ListProcesses(func(p guest.Proc) bool {
			name, err := vm.ProcessName(p)
			if err != nil {
				name = fmt.Sprintf("<unreadable: %v>", err)
			}
			fmt.Fprintf(w, "%#x\t%#x\t%s\n", p.Addr, p.DTB, name)
			return true
		})
	}))
}

func modulesCmd(cmd *cobra.Command, args []string) {
	os.Exit(oneShot(func(vm guest.Machine) error {
		var p guest.Proc
		if len(args) == 0 {
			var err error
			p, err = vm.CurrentProcess()
			if err != nil {
				return err
			}
		} else {
			var found bool
			var err error
			p, found, err = vm.ProcessByName(args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no process named %q", args[0])
			}
		}

		w := new(tabwriter.Writer)
		w.Init(os.Stdout, 4, 4, 2, ' ', 0)
		defer w.Flush()
		return vm.ListModules(p, func(m guest.Mod) bool {
			span, err := vm.ModuleSpan(p, m)
			if err != nil {
				fmt.Fprintf(w, "%#x\t?\t<unreadable: %v>\n", uint64(m), err)
				return true
			}
			name, err := vm.ModuleName(p, m)
			if err != nil {
				name = fmt.Sprintf("<unreadable: %v>", err)
			}
			fmt.Fprintf(w, "%#x\t%#x\t%s\n", span.Addr, span.End(), name)
			return true
		})
	}))
}

func currentCmd(cmd *cobra.Command, args []string) {
	os.Exit(oneShot(func(vm guest.Machine) error {
		p, err := vm.CurrentProcess()
		if err != nil {
			return err
		}
		name, err := vm.ProcessName(p)
		if err != nil {
			return err
		}
		fmt.Printf("%s (object %#x, dtb %#x)\n", name, p.Addr, p.DTB)
		return nil
	}))
}

func kernelCmd(cmd *cobra.Command, args []string) {
	os.Exit(oneShot(func(vm guest.Machine) error {
		k := vm.Kernel()
		fmt.Printf("kernel %#x-%#x (%d bytes)\n", k.Addr, k.End(), k.Size)
		return nil
	}))
}
