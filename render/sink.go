package render

import (
	"io"
	"sync"
)

// Sink is the output-writer contract the interpreter writes through,
// letting its single-threaded event loop share a destination with a
// supervisor that multiplexes several sessions onto one terminal or log
// file. Grounded on the teacher's Reporter interface: an exported behavior
// contract plus a mutex-guarded implementation (PrefixedSink). Sink itself
// adds nothing to io.Writer and guarantees no locking.
type Sink interface {
	io.Writer
}

// PrefixedSink wraps an underlying writer and prepends a per-session
// label to every write, so a supervisor tracing several PIDs can
// interleave their output without the render package needing to know
// about the other sessions.
type PrefixedSink struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string

	atLineStart bool
}

// NewPrefixedSink wraps w, prefixing every line written through the
// returned Sink with prefix (typically "[pid 1234] ").
func NewPrefixedSink(w io.Writer, prefix string) *PrefixedSink {
	return &PrefixedSink{w: w, prefix: prefix, atLineStart: true}
}

func (p *PrefixedSink) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for len(b) > 0 {
		if p.atLineStart && p.prefix != "" {
			if _, err := io.WriteString(p.w, p.prefix); err != nil {
				return n, err
			}
		}

		idx := indexByte(b, '\n')
		if idx < 0 {
			written, err := p.w.Write(b)
			n += written
			p.atLineStart = false
			return n, err
		}

		written, err := p.w.Write(b[:idx+1])
		n += written
		if err != nil {
			return n, err
		}
		p.atLineStart = true
		b = b[idx+1:]
	}

	return n, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// NullSink discards everything written to it, for callers that only care
// about a session's stderr diagnostics. (The -quiet flag does not use it:
// -quiet drops the stderr diagnostics instead.)
type NullSink struct{}

func (NullSink) Write(b []byte) (int, error) { return len(b), nil }
