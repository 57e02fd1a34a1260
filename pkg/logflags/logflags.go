// Package logflags maps the --log-output selectors to the loggers used by
// the rest of the codebase. Every subsystem asks this package for its
// logger instead of talking to logrus directly.
package logflags

import (
	"errors"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var winnt = false
var vmcore = false
var symstore = false
var any = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	lf := loggerFactory
	if lf == nil {
		lf = newLogrusLogger
	}
	return lf(flag, fields, logOut)
}

// Any returns true if any logging is enabled.
func Any() bool {
	return any
}

// WinNT returns true if the NT kernel interpreter should log its work.
func WinNT() bool {
	return winnt
}

// WinNTLogger returns a logger for the NT kernel interpreter.
func WinNTLogger() Logger {
	return makeLogger(winnt, Fields{"layer": "winnt"})
}

// VMCore returns true if the dump-backed guest core should log its work.
func VMCore() bool {
	return vmcore
}

// VMCoreLogger returns a logger for the dump-backed guest core.
func VMCoreLogger() Logger {
	return makeLogger(vmcore, Fields{"layer": "vmcore"})
}

// SymStore returns true if the symbol store should log profile loading.
func SymStore() bool {
	return symstore
}

// SymStoreLogger returns a logger for the symbol store.
func SymStoreLogger() Logger {
	return makeLogger(symstore, Fields{"layer": "symstore"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr, sending
// output to logDest. logDest can be a file path or the numeric descriptor
// of an already open file.
func Setup(logFlag bool, logstr string, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "log-destination")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return err
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "winnt"
	}
	any = true
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value here also update the usage string of the
		// --log-output flag in cmd/hyperlens/cmds.
		switch logcmd {
		case "winnt":
			winnt = true
		case "vmcore":
			vmcore = true
		case "symstore":
			symstore = true
		default:
			return errors.New("invalid log-output value " + logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// defaultOutput picks stderr, wrapped for color when it is a terminal.
func defaultOutput() (io.Writer, bool) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return colorable.NewColorableStderr(), true
	}
	return os.Stderr, false
}

func newLogrusLogger(flag bool, fields Fields, out io.Writer) Logger {
	lg := logrus.New()
	colored := false
	if out == nil {
		out, colored = defaultOutput()
	}
	lg.Out = out
	lg.Formatter = &logrus.TextFormatter{ForceColors: colored, FullTimestamp: true}
	lg.Level = logrus.DebugLevel
	if !flag {
		lg.Level = logrus.PanicLevel
	}
	return &logrusLogger{lg.WithFields(logrus.Fields(fields))}
}
