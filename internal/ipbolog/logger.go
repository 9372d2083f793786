// Package ipbolog provides the structured, colour-aware logger shared by
// every orchestrator component.
package ipbolog

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
)

// argsToLoggerArgs converts a flat key/value variadic list to pterm's
// argument slice, pairing args[i] (key) with args[i+1] (value).
func argsToLoggerArgs(args ...any) []pterm.LoggerArgument {
	if len(args) == 0 {
		return nil
	}

	var loggerArgs []pterm.LoggerArgument

	for i := 0; i < len(args)-1; i += 2 {
		loggerArgs = append(loggerArgs, pterm.LoggerArgument{
			Key:   fmt.Sprintf("%v", args[i]),
			Value: args[i+1],
		})
	}

	return loggerArgs
}

var (
	// MultiPrinter is the shared multiprinter every concurrent writer
	// (command output, script output, validator output) drains into.
	MultiPrinter = pterm.DefaultMultiPrinter

	ptermLogger = pterm.DefaultLogger.
			WithLevel(pterm.LogLevelInfo).
			WithWriter(MultiPrinter.Writer).
			WithCaller(false).
			WithTime(true).
			WithKeyStyles(map[string]pterm.Style{
			"job":       *pterm.NewStyle(pterm.FgGreen),
			"source":    *pterm.NewStyle(pterm.FgGreen),
			"version":   *pterm.NewStyle(pterm.FgGreen),
			"distro":    *pterm.NewStyle(pterm.FgGreen),
			"arch":      *pterm.NewStyle(pterm.FgGreen),
			"session":   *pterm.NewStyle(pterm.FgCyan),
			"backend":   *pterm.NewStyle(pterm.FgCyan),
			"stage":     *pterm.NewStyle(pterm.FgYellow),
			"fail_stage": *pterm.NewStyle(pterm.FgRed, pterm.Bold),
			"duration":  *pterm.NewStyle(pterm.FgBlue),
			"path":      *pterm.NewStyle(pterm.FgLightBlue),
			"command":   *pterm.NewStyle(pterm.FgLightBlue),
			"args":      *pterm.NewStyle(pterm.FgLightBlue),
			"error":     *pterm.NewStyle(pterm.FgRed),
		})

	colorDisabled  = false
	verboseEnabled = false
)

// SetVerbose raises or lowers the logger's minimum level.
func SetVerbose(verbose bool) {
	verboseEnabled = verbose
	if verbose {
		ptermLogger = ptermLogger.WithLevel(pterm.LogLevelTrace)
	} else {
		ptermLogger = ptermLogger.WithLevel(pterm.LogLevelInfo)
	}
}

// IsColorDisabled reports whether colour output should be suppressed, either
// because it was set programmatically or because the environment asks for
// plain output (NO_COLOR, a dumb/unset TERM).
func IsColorDisabled() bool {
	if colorDisabled {
		return true
	}

	if os.Getenv("NO_COLOR") != "" {
		return true
	}

	if os.Getenv("COLORTERM") == "" && os.Getenv("TERM") == "" {
		return true
	}

	if os.Getenv("TERM") == "dumb" {
		return true
	}

	return false
}

// SetColorDisabled enables or disables colour output program-wide.
func SetColorDisabled(disabled bool) {
	colorDisabled = disabled
	if disabled {
		pterm.DisableColor()
	} else {
		pterm.EnableColor()
	}
}

func prefixed(component, msg string) string {
	return fmt.Sprintf("[%s] %s", component, msg)
}

// Logger is a component-scoped logger; every orchestrator subsystem gets its
// own via New so log lines can be attributed to the subsystem that emitted
// them (e.g. "[session]", "[resolver]", "[pipeline]").
type Logger struct {
	component string
}

// New returns a Logger scoped to component.
func New(component string) *Logger {
	return &Logger{component: component}
}

// Debug logs at debug level; suppressed unless verbose logging is enabled.
func (l *Logger) Debug(msg string, kv ...any) {
	if !verboseEnabled {
		return
	}

	if args := argsToLoggerArgs(kv...); len(args) > 0 {
		ptermLogger.Debug(prefixed(l.component, msg), args...)
	} else {
		ptermLogger.Debug(prefixed(l.component, msg))
	}
}

// Info logs at info level.
func (l *Logger) Info(msg string, kv ...any) {
	if args := argsToLoggerArgs(kv...); len(args) > 0 {
		ptermLogger.Info(prefixed(l.component, msg), args...)
	} else {
		ptermLogger.Info(prefixed(l.component, msg))
	}
}

// Warn logs at warning level.
func (l *Logger) Warn(msg string, kv ...any) {
	if args := argsToLoggerArgs(kv...); len(args) > 0 {
		ptermLogger.Warn(prefixed(l.component, msg), args...)
	} else {
		ptermLogger.Warn(prefixed(l.component, msg))
	}
}

// Error logs at error level.
func (l *Logger) Error(msg string, kv ...any) {
	if args := argsToLoggerArgs(kv...); len(args) > 0 {
		ptermLogger.Error(prefixed(l.component, msg), args...)
	} else {
		ptermLogger.Error(prefixed(l.component, msg))
	}
}

// Default is the package-wide logger used by components that have not been
// given a dedicated component name.
var Default = New("ipbo")
