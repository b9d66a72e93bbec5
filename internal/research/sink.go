package research

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Sink receives the human-visible output of one node's execution. One
// sink per node: concurrent children never share formatting state.
type Sink interface {
	// Statusf logs a progress line.
	Statusf(format string, args ...any)
	// Content forwards an incremental report fragment, unbuffered.
	Content(text string)
	// Thought forwards a thinking summary fragment.
	Thought(text string)
}

// SinkFactory builds the sink for a node given its session id and depth.
type SinkFactory func(sessionID int64, depth int) Sink

// writerSink writes tagged lines to a single writer. Fragment output is
// raw so the root's stream stays legible.
type writerSink struct {
	mu  sync.Mutex
	w   io.Writer
	tag string
}

// NewWriterSink returns a sink that writes "[tag]"-prefixed status
// lines and raw content to w.
func NewWriterSink(w io.Writer, tag string) Sink {
	return &writerSink{w: w, tag: tag}
}

// StderrSinks is the default sink factory: the root streams to stderr,
// children emit prefixed status lines only.
func StderrSinks(sessionID int64, depth int) Sink {
	if depth <= 1 {
		return NewWriterSink(os.Stderr, "research")
	}
	return &statusOnlySink{Sink: NewWriterSink(os.Stderr, fmt.Sprintf("node %d", sessionID))}
}

func (s *writerSink) Statusf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "[%s] %s\n", s.tag, fmt.Sprintf(format, args...))
}

func (s *writerSink) Content(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, text)
}

func (s *writerSink) Thought(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "\n[%s] thought: %s\n", s.tag, text)
}

// statusOnlySink drops fragments; children report status lines only so
// sibling streams do not interleave into noise.
type statusOnlySink struct {
	Sink
}

func (s *statusOnlySink) Content(text string) {}
func (s *statusOnlySink) Thought(text string) {}

// nopSink discards everything.
type nopSink struct{}

func (nopSink) Statusf(format string, args ...any) {}
func (nopSink) Content(text string)                {}
func (nopSink) Thought(text string)                {}

// NopSink returns a sink that discards all output.
func NopSink() Sink { return nopSink{} }
