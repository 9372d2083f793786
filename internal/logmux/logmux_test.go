package logmux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMuxWritesPlainLinesToBothSinks(t *testing.T) {
	t.Parallel()

	var file, tty bytes.Buffer

	m := New(&file, &tty)

	_, err := m.Write([]byte("hello world\n"))
	require.NoError(t, err)

	assert.Equal(t, "hello world\n", file.String())
	assert.Equal(t, "hello world\n", tty.String())
}

func TestMuxConsumesFilterControlLineWithoutForwarding(t *testing.T) {
	t.Parallel()

	var file bytes.Buffer

	m := New(&file, nil)

	_, err := m.Write([]byte(FilterCommand(1234, "/home/builder/secret", "***") + "\n"))
	require.NoError(t, err)
	assert.Empty(t, file.String())

	_, err = m.Write([]byte("path is /home/builder/secret/file\n"))
	require.NoError(t, err)
	assert.Equal(t, "path is ***/file\n", file.String())
}

func TestMuxConsumesColourControlLineWithoutForwarding(t *testing.T) {
	t.Parallel()

	var file, tty bytes.Buffer

	m := New(&file, &tty)

	_, err := m.Write([]byte(ColourCommand(1234, "ERROR", "red") + "\n"))
	require.NoError(t, err)
	assert.Empty(t, file.String())
	assert.Empty(t, tty.String())

	_, err = m.Write([]byte("ERROR: build failed\n"))
	require.NoError(t, err)

	assert.Equal(t, "ERROR: build failed\n", file.String())
	assert.NotEqual(t, "ERROR: build failed\n", tty.String())
	assert.Contains(t, tty.String(), "ERROR: build failed")
}

func TestMuxBuffersPartialLinesAcrossWrites(t *testing.T) {
	t.Parallel()

	var file bytes.Buffer

	m := New(&file, nil)

	_, err := m.Write([]byte("partial "))
	require.NoError(t, err)
	assert.Empty(t, file.String())

	_, err = m.Write([]byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, "partial line\n", file.String())
}

func TestMuxFlushEmitsTrailingPartialLine(t *testing.T) {
	t.Parallel()

	var file bytes.Buffer

	m := New(&file, nil)

	_, err := m.Write([]byte("no newline at eof"))
	require.NoError(t, err)
	assert.Empty(t, file.String())

	require.NoError(t, m.Flush())
	assert.Equal(t, "no newline at eof\n", file.String())
}

func TestMuxIgnoresMalformedControlLine(t *testing.T) {
	t.Parallel()

	var file bytes.Buffer

	m := New(&file, nil)

	_, err := m.Write([]byte(filterPrefix + "42:no-equals-sign\n"))
	require.NoError(t, err)
	assert.Empty(t, file.String(), "malformed control line is still consumed, not forwarded")
	assert.Empty(t, m.filters)
}

func TestSectionProducesSymmetricRule(t *testing.T) {
	t.Parallel()

	out := Section("install build dependencies")
	lines := strings.Split(out, "\n")

	require.Len(t, lines, 3)
	assert.Equal(t, lines[0], lines[2])
	assert.Len(t, lines[0], ruleWidth)
	assert.Contains(t, lines[1], "install build dependencies")
}

func TestSubsectionProducesSingleRuleAboveTitle(t *testing.T) {
	t.Parallel()

	out := Subsection("fetch source")
	lines := strings.Split(out, "\n")

	require.Len(t, lines, 2)
	assert.Equal(t, strings.Repeat("+", ruleWidth), lines[0])
	assert.Equal(t, "fetch source", lines[1])
}

func TestSubsubsectionProducesDottedRuleBelowTitle(t *testing.T) {
	t.Parallel()

	out := Subsubsection("running lintian")
	lines := strings.Split(out, "\n")

	require.Len(t, lines, 2)
	assert.Equal(t, "running lintian", lines[0])
	assert.Equal(t, strings.Repeat(".", ruleWidth), lines[1])
}

func TestWriteSectionAppendsTrailingBlankLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, WriteSection(&buf, "build"))
	assert.True(t, strings.HasSuffix(buf.String(), "\n\n"))
}

func TestTeeFromReaderDrainsReaderIntoMux(t *testing.T) {
	t.Parallel()

	var file bytes.Buffer

	m := New(&file, nil)
	r := strings.NewReader("line one\nline two\nline three")

	require.NoError(t, TeeFromReader(m, r))
	assert.Equal(t, "line one\nline two\nline three\n", file.String())
}
