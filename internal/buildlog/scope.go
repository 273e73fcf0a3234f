// Package buildlog provides per-extension output scopes so that interleaved
// output from concurrent builds stays attributable to its extension.
package buildlog

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Handles cycle through a small palette so adjacent extensions are visually
// distinct in a shared terminal.
var palette = []lipgloss.Style{
	lipgloss.NewStyle().Foreground(lipgloss.Color("6")), // Cyan
	lipgloss.NewStyle().Foreground(lipgloss.Color("5")), // Magenta
	lipgloss.NewStyle().Foreground(lipgloss.Color("3")), // Yellow
	lipgloss.NewStyle().Foreground(lipgloss.Color("4")), // Blue
	lipgloss.NewStyle().Foreground(lipgloss.Color("2")), // Green
}

// Sink hands out Scopes over one shared destination writer.
type Sink struct {
	mu   sync.Mutex
	dst  io.Writer
	next int
}

// NewSink creates a sink writing to dst.
func NewSink(dst io.Writer) *Sink {
	return &Sink{dst: dst}
}

// Scope returns a writer that prefixes every line with the handle. Scopes
// are safe to use concurrently with each other; whole lines never interleave.
// Payload bytes are passed through untouched, ANSI sequences included.
func (s *Sink) Scope(handle string) *Scope {
	s.mu.Lock()
	style := palette[s.next%len(palette)]
	s.next++
	s.mu.Unlock()

	return &Scope{
		sink:   s,
		prefix: style.Render(fmt.Sprintf("[%s]", handle)) + " ",
	}
}

// Scope is an io.Writer attributing output to one extension handle.
type Scope struct {
	sink   *Sink
	prefix string

	mu  sync.Mutex
	buf bytes.Buffer
}

// Write buffers partial lines and emits complete ones, each prefixed.
func (sc *Scope) Write(p []byte) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.buf.Write(p)
	for {
		line, err := sc.buf.ReadString('\n')
		if err != nil {
			// Partial line, keep it buffered.
			sc.buf.WriteString(line)
			break
		}
		if werr := sc.emit(line); werr != nil {
			return len(p), werr
		}
	}
	return len(p), nil
}

// Flush writes out any buffered partial line. Called when a build finishes
// without a trailing newline.
func (sc *Scope) Flush() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.buf.Len() == 0 {
		return nil
	}
	line := sc.buf.String() + "\n"
	sc.buf.Reset()
	return sc.emit(line)
}

func (sc *Scope) emit(line string) error {
	sc.sink.mu.Lock()
	defer sc.sink.mu.Unlock()
	_, err := io.WriteString(sc.sink.dst, sc.prefix+line)
	return err
}
