// Package logmux implements the Log Multiplexer: a single writer tee'd to
// an optional log file and an optional terminal, consuming two
// distinguished control-line prefixes out of the underlying command
// stream and rewriting every subsequent line through the resulting
// filter/colour tables. Section markers are fixed ASCII rules reproduced
// byte-for-byte on every call so downstream log parsers can rely on them.
// Grounded on internal/ipbolog's pterm-backed terminal sink, generalized
// from a structured key/value logger into a raw-byte-stream tee with its
// own substitution protocol.
package logmux

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/pterm/pterm"
)

const (
	filterPrefix = "__SBUILD_FILTER_"
	colourPrefix = "__SBUILD_COLOUR_"
	ruleWidth    = 80
)

// ColourRule binds a pattern to a pterm style applied to any line
// containing it.
type ColourRule struct {
	Pattern *regexp.Regexp
	Style   pterm.Style
}

// Mux is the forked-writer log sink: every Write call is split into
// lines, control lines are consumed into the filter/colour tables, and
// every other line is rewritten and duplicated to File and TTY (either
// may be nil).
type Mux struct {
	mu sync.Mutex

	File io.Writer
	TTY  io.Writer

	filters []filterRule
	colours []ColourRule

	pending []byte
}

type filterRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// New returns a Mux writing to file and tty, either of which may be nil
// to disable that sink.
func New(file, tty io.Writer) *Mux {
	return &Mux{File: file, TTY: tty}
}

// Write implements io.Writer, buffering partial lines across calls so
// control-line detection and colour rewriting always operate on whole
// lines.
func (m *Mux) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = append(m.pending, p...)

	for {
		idx := bytes.IndexByte(m.pending, '\n')
		if idx < 0 {
			break
		}

		line := string(m.pending[:idx])
		m.pending = m.pending[idx+1:]

		if err := m.handleLine(line); err != nil {
			return len(p), err
		}
	}

	return len(p), nil
}

// Flush writes out any trailing partial line still buffered (no control
// line processing applies to a line without a terminating newline).
func (m *Mux) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return nil
	}

	line := string(m.pending)
	m.pending = nil

	return m.emit(m.rewrite(line))
}

func (m *Mux) handleLine(line string) error {
	switch {
	case matchesControlPrefix(line, filterPrefix):
		return m.consumeFilterLine(line)
	case matchesControlPrefix(line, colourPrefix):
		return m.consumeColourLine(line)
	default:
		return m.emit(m.rewrite(line))
	}
}

func matchesControlPrefix(line, prefix string) bool {
	if !strings.HasPrefix(line, prefix) {
		return false
	}

	rest := line[len(prefix):]
	colon := strings.IndexByte(rest, ':')

	return colon > 0
}

// consumeFilterLine parses `__SBUILD_FILTER_<pid>:<pattern>=<replacement>`
// and records the substitution rule; the pid itself is not tracked
// per-writer (one Mux instance serves one session's log stream).
func (m *Mux) consumeFilterLine(line string) error {
	payload := line[strings.IndexByte(line, ':')+1:]

	parts := strings.SplitN(payload, "=", 2)
	if len(parts) != 2 {
		return nil
	}

	pattern, err := regexp.Compile(regexp.QuoteMeta(parts[0]))
	if err != nil {
		return nil
	}

	m.filters = append(m.filters, filterRule{pattern: pattern, replacement: parts[1]})

	return nil
}

// consumeColourLine parses `__SBUILD_COLOUR_<pid>:<pattern>=<colour>` where
// colour is one of pterm's named foreground colours.
func (m *Mux) consumeColourLine(line string) error {
	payload := line[strings.IndexByte(line, ':')+1:]

	parts := strings.SplitN(payload, "=", 2)
	if len(parts) != 2 {
		return nil
	}

	pattern, err := regexp.Compile(regexp.QuoteMeta(parts[0]))
	if err != nil {
		return nil
	}

	style := styleForName(parts[1])

	m.colours = append(m.colours, ColourRule{Pattern: pattern, Style: style})

	return nil
}

func styleForName(name string) pterm.Style {
	switch strings.ToLower(name) {
	case "red":
		return *pterm.NewStyle(pterm.FgRed)
	case "green":
		return *pterm.NewStyle(pterm.FgGreen)
	case "yellow":
		return *pterm.NewStyle(pterm.FgYellow)
	case "blue":
		return *pterm.NewStyle(pterm.FgBlue)
	case "cyan":
		return *pterm.NewStyle(pterm.FgCyan)
	case "magenta":
		return *pterm.NewStyle(pterm.FgMagenta)
	default:
		return *pterm.NewStyle(pterm.FgDefault)
	}
}

// rewrite applies every recorded filter substitution to line, in the
// order the control lines arrived.
func (m *Mux) rewrite(line string) string {
	for _, f := range m.filters {
		line = f.pattern.ReplaceAllString(line, f.replacement)
	}

	return line
}

func (m *Mux) colouredForTTY(line string) string {
	for _, c := range m.colours {
		if c.Pattern.MatchString(line) {
			return c.Style.Sprint(line)
		}
	}

	return line
}

func (m *Mux) emit(line string) error {
	if m.File != nil {
		if _, err := fmt.Fprintln(m.File, line); err != nil {
			return err
		}
	}

	if m.TTY != nil {
		if _, err := fmt.Fprintln(m.TTY, m.colouredForTTY(line)); err != nil {
			return err
		}
	}

	return nil
}

// FilterCommand renders the control line a command can emit on its own
// stdout to install a filter rule, consumed by handleLine before it ever
// reaches the rewritten-line path.
func FilterCommand(pid int, pattern, replacement string) string {
	return fmt.Sprintf("%s%d:%s=%s", filterPrefix, pid, pattern, replacement)
}

// ColourCommand renders the analogous control line for a colour rule.
func ColourCommand(pid int, pattern, colour string) string {
	return fmt.Sprintf("%s%d:%s=%s", colourPrefix, pid, pattern, colour)
}

func centeredRule(title string) string {
	if len(title) >= ruleWidth-4 {
		return title
	}

	pad := (ruleWidth - 2 - len(title)) / 2

	return strings.Repeat(" ", pad) + title
}

// Section renders the top-level section marker: a full-width rule, the
// title, and a matching rule beneath it.
func Section(title string) string {
	rule := strings.Repeat("-", ruleWidth)

	return fmt.Sprintf("%s\n%s\n%s", rule, centeredRule(title), rule)
}

// Subsection renders the second-level marker: a lighter rule above the
// title only.
func Subsection(title string) string {
	return fmt.Sprintf("%s\n%s", strings.Repeat("+", ruleWidth), title)
}

// Subsubsection renders the third-level marker: the title followed by a
// dotted rule.
func Subsubsection(title string) string {
	return fmt.Sprintf("%s\n%s", title, strings.Repeat(".", ruleWidth))
}

// WriteSection writes a Section marker followed by a blank line to w.
func WriteSection(w io.Writer, title string) error {
	_, err := fmt.Fprintf(w, "%s\n\n", Section(title))

	return err
}

// WriteSubsection writes a Subsection marker followed by a blank line to w.
func WriteSubsection(w io.Writer, title string) error {
	_, err := fmt.Fprintf(w, "%s\n\n", Subsection(title))

	return err
}

// WriteSubsubsection writes a Subsubsection marker followed by a blank
// line to w.
func WriteSubsubsection(w io.Writer, title string) error {
	_, err := fmt.Fprintf(w, "%s\n\n", Subsubsection(title))

	return err
}

// TeeFromReader copies every line read from r into the Mux, blocking
// until r is exhausted; used to drain a build command's combined
// stdout/stderr pipe into the log stream.
func TeeFromReader(m *Mux, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if _, err := m.Write(append(scanner.Bytes(), '\n')); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	return m.Flush()
}
