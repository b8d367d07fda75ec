// Package render implements the event interpreter and call-tree renderer
// (spec.md §4.4, component C4): the largest single component, folding an
// unordered stream of small wire events into a nested, timestamped trace.
package render

import (
	"io"
	"time"

	"go.uber.org/zap"
)

// frame is one in-flight call tied to a tracer (spec.md §3 Tracer record:
// call_stack).
type frame struct {
	startUs   int64
	qualified string
	depth     int
}

// Tracer holds per-tracer render state (spec.md §3 Tracer record).
type Tracer struct {
	ID          int64
	Query       string
	CallStack   []frame
	Expressions map[int64]string

	pendingArgs  []string
	argsInOutput bool
	lastPrinted  string
}

// newTracer builds a zero-value Tracer record. This replaces the
// "auto-vivifying map" pattern (Design Notes §9): callers use
// Session.tracer, an explicit get-or-insert, instead of relying on a
// default-initialized map entry.
func newTracer(id int64) *Tracer {
	return &Tracer{ID: id, Expressions: make(map[int64]string)}
}

// Session is the single owned value folding together everything spec.md
// §3 calls "global mutable state": intern tables, tracer records, the
// render cursor, and GC bracket state. The event loop holds one Session
// by exclusive reference; there is no process-wide singleton (Design
// Notes §9).
type Session struct {
	logger *zap.SugaredLogger

	Out    io.Writer
	ErrOut io.Writer

	ControllerPID int
	Attached      bool

	Methods map[int64]string
	Classes map[int64]string
	Tracers map[int64]*Tracer

	Nesting        int
	MaxNestingSeen int
	LastNesting    int
	GCStartUs      *int64

	ShowTime     bool
	ShowDuration bool
	PrefixString string

	printedNewline bool
	lastLineBlank  bool
	openArgTracer  *int64
	openCallTracer *int64

	// Resignal and Sleep let the "during_gc" throttle (spec.md §4.4)
	// re-signal the target and back off without the interpreter reaching
	// back into the session controller's transport. NewSession defaults
	// Sleep to time.Sleep and leaves Resignal nil; the cmd/rbtrace
	// supervisor sets Resignal to the queue's Signal method.
	Resignal func() error
	Sleep    func(time.Duration)
}

// NewSession constructs a Session ready to process events for an attach
// handshake against controllerPID.
func NewSession(logger *zap.SugaredLogger, out, errOut io.Writer, controllerPID int) *Session {
	return &Session{
		logger:        logger,
		Out:           out,
		ErrOut:        errOut,
		ControllerPID: controllerPID,
		Methods:       make(map[int64]string),
		Classes:       make(map[int64]string),
		Tracers:       make(map[int64]*Tracer),
		PrefixString:  "  ",
		Sleep:         time.Sleep,
		// printedNewline starts true: there is no dangling line to close
		// before the first render.
		printedNewline: true,
	}
}

// tracer is the get-or-insert accessor for tracer records (Design Notes
// §9's replacement for auto-vivifying maps).
func (s *Session) tracer(id int64) *Tracer {
	t, ok := s.Tracers[id]
	if !ok {
		t = newTracer(id)
		s.Tracers[id] = t
	}
	return t
}

func (s *Session) methodName(id int64) string {
	if name, ok := s.Methods[id]; ok {
		return name
	}
	return "(unknown)"
}

func (s *Session) className(id int64) (string, bool) {
	name, ok := s.Classes[id]
	return name, ok
}

// qualifiedName renders "Class#method" / "Class.method" (GLOSSARY:
// Qualified name), falling back to "(unknown)" for an unresolved method
// id per spec.md §4.4's rendering rules.
func (s *Session) qualifiedName(methodID, classID int64, singleton bool) string {
	method, ok := s.Methods[methodID]
	if !ok {
		return "(unknown)"
	}

	class, ok := s.className(classID)
	if !ok {
		return method
	}

	if singleton {
		return class + "." + method
	}
	return class + "#" + method
}
