package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"github.com/hyperlens/hyperlens/pkg/config"
	"github.com/hyperlens/hyperlens/pkg/guest"
)

const historyFile string = ".hyperlens_history"

// Term represents the terminal running hyperlens.
type Term struct {
	vm       guest.Machine
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	cmdTrie  *trie.Trie
	stdout   io.Writer
	InitFile string
}

// New returns a new Term attached to vm.
func New(vm guest.Machine, conf *config.Config) *Term {
	cmds := InspectCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	cmdTrie := trie.New()
	for _, cmd := range cmds.cmds {
		for _, alias := range cmd.aliases {
			cmdTrie.Add(alias, nil)
		}
	}

	return &Term{
		vm:      vm,
		conf:    conf,
		prompt:  "(hyperlens) ",
		line:    liner.NewLiner(),
		cmds:    cmds,
		cmdTrie: cmdTrie,
		stdout:  getColorableWriter(),
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// Run begins the read-eval loop of the inspector.
func (t *Term) Run() (int, error) {
	defer t.Close()

	t.line.SetCompleter(t.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}

	t.line.ReadHistory(f)
	f.Close()
	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			if err == liner.ErrPromptAborted {
				continue
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// complete suggests command names for the first word of the line and
// live process names for its arguments.
func (t *Term) complete(line string) (c []string) {
	if idx := strings.LastIndex(line, " "); idx >= 0 {
		prefix, word := line[:idx+1], line[idx+1:]
		names := trie.New()
		t.vm.ListProcesses(func(p guest.Proc) bool {
			if name, err := t.vm.ProcessName(p); err == nil {
				names.Add(name, nil)
			}
			return true
		})
		for _, name := range names.PrefixSearch(word) {
			c = append(c, prefix+name)
		}
		return c
	}
	return t.cmdTrie.PrefixSearch(strings.ToLower(line))
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	return 0, nil
}
