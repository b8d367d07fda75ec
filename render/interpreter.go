package render

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/corpctl/rbtrace/wire"
)

// ErrForeignController is returned by Process when an "attached" event
// names a controller PID other than this session's: spec.md §4.4's
// "otherwise abort", resolved into the ownership-collision exit in §7.
var ErrForeignController = errors.New("render: session owned by a different controller")

// ErrMalformedEvent mirrors wire.ErrMalformedEvent for payload shapes
// that parse as valid wire values but don't match the expected event
// arity/types (spec.md §7 *malformed-event*).
var ErrMalformedEvent = wire.ErrMalformedEvent

// Process interprets one decoded event and mutates Session accordingly.
// Per spec.md §4.4's failure semantics, a non-nil error here means the
// stream is malformed (or the ownership handshake failed) and the caller
// should log and terminate; recoverable conditions (empty-stack return,
// unknown event kind) are absorbed internally and never surface as an
// error, matching the event-loop's explicit result-type handling (Design
// Notes §9 "catch-all rescue" replacement).
func (s *Session) Process(v wire.Value) error {
	elems, err := v.Elems()
	if err != nil {
		return fmt.Errorf("%w: event is not an array: %v", ErrMalformedEvent, err)
	}
	if len(elems) < 1 {
		return fmt.Errorf("%w: empty event", ErrMalformedEvent)
	}

	name, err := elems[0].Str()
	if err != nil {
		return fmt.Errorf("%w: event tag is not a string: %v", ErrMalformedEvent, err)
	}

	switch name {
	case "attached":
		return s.processAttached(elems)
	case "detached":
		return s.processDetached(elems)
	case "mid":
		return s.processMid(elems)
	case "klass":
		return s.processKlass(elems)
	case "add":
		return s.processAdd(elems)
	case "newexpr":
		return s.processNewexpr(elems)
	case "exprval":
		return s.processExprval(elems)
	case "call", "ccall":
		return s.processCall(elems)
	case "return", "creturn":
		return s.processReturn(elems)
	case "slow", "cslow":
		return s.processSlow(elems)
	case "gc_start":
		return s.processGCStart(elems)
	case "gc_end":
		return s.processGCEnd(elems)
	case "gc":
		return s.processGC(elems)
	case "during_gc":
		return s.processDuringGC()
	default:
		s.logger.Debugw("unknown event", "name", name)
		s.writeErr(fmt.Sprintf("*** unknown event: %s\n", name))
		return nil
	}
}

func argErr(event string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, event, err)
}

func (s *Session) processAttached(elems []wire.Value) error {
	if len(elems) < 2 {
		return argErr("attached", errors.New("missing tracer_pid"))
	}
	pid, err := elems[1].Int()
	if err != nil {
		return argErr("attached", err)
	}

	if pid != int64(s.ControllerPID) {
		s.writeErr(fmt.Sprintf(
			"*** process %d is already being traced (%d != %d)\n",
			s.ControllerPID, pid, s.ControllerPID,
		))
		return fmt.Errorf("%w: attached to %d, we are %d", ErrForeignController, pid, s.ControllerPID)
	}

	s.Attached = true
	s.writeErr(fmt.Sprintf("*** attached to process %d\n", s.ControllerPID))
	return nil
}

func (s *Session) processDetached(elems []wire.Value) error {
	s.Attached = false
	s.writeErr("*** detached\n")
	return nil
}

func (s *Session) processMid(elems []wire.Value) error {
	if len(elems) < 3 {
		return argErr("mid", errors.New("want [mid, id, name]"))
	}
	id, err := elems[1].Int()
	if err != nil {
		return argErr("mid", err)
	}
	name, err := elems[2].Str()
	if err != nil {
		return argErr("mid", err)
	}
	s.Methods[id] = name
	return nil
}

func (s *Session) processKlass(elems []wire.Value) error {
	if len(elems) < 3 {
		return argErr("klass", errors.New("want [klass, id, name]"))
	}
	id, err := elems[1].Int()
	if err != nil {
		return argErr("klass", err)
	}
	name, err := elems[2].Str()
	if err != nil {
		return argErr("klass", err)
	}
	s.Classes[id] = name
	return nil
}

func (s *Session) processAdd(elems []wire.Value) error {
	if len(elems) < 3 {
		return argErr("add", errors.New("want [add, tracer_id, query]"))
	}
	id, err := elems[1].Int()
	if err != nil {
		return argErr("add", err)
	}
	query, err := elems[2].Str()
	if err != nil {
		return argErr("add", err)
	}

	if id == -1 {
		s.writeErr(fmt.Sprintf("*** failed to install tracer for %q\n", query))
		return nil
	}

	t := s.tracer(id)
	t.Query = query
	return nil
}

func (s *Session) processNewexpr(elems []wire.Value) error {
	if len(elems) < 4 {
		return argErr("newexpr", errors.New("want [newexpr, tracer_id, expr_id, expr]"))
	}
	trID, err := elems[1].Int()
	if err != nil {
		return argErr("newexpr", err)
	}
	exprID, err := elems[2].Int()
	if err != nil {
		return argErr("newexpr", err)
	}
	expr, err := elems[3].Str()
	if err != nil {
		return argErr("newexpr", err)
	}

	s.tracer(trID).Expressions[exprID] = expr
	return nil
}

// processExprval implements spec.md §4.4's exprval rule. An exprval
// normally arrives before the call it belongs to (buffered into
// pendingArgs and flushed when the call renders), but it may also arrive
// after the call has already printed, while that tracer's line is still
// the live one — in that case the arglist opens live, mid-line, instead
// of through the pendingArgs buffer.
func (s *Session) processExprval(elems []wire.Value) error {
	if len(elems) < 4 {
		return argErr("exprval", errors.New("want [exprval, tracer_id, expr_id, value]"))
	}
	trID, err := elems[1].Int()
	if err != nil {
		return argErr("exprval", err)
	}
	exprID, err := elems[2].Int()
	if err != nil {
		return argErr("exprval", err)
	}
	value := elems[3].String()

	if s.openArgTracer != nil && *s.openArgTracer != trID {
		s.closeOpenArglist()
	}

	t := s.tracer(trID)
	name, ok := t.Expressions[exprID]
	if !ok {
		name = "?"
	}
	entry := name + "=" + value

	if t.argsInOutput {
		s.writeOut(", " + entry)
		return nil
	}

	if s.openCallTracer != nil && *s.openCallTracer == trID {
		s.writeOut("(" + entry)
		t.argsInOutput = true
		id := trID
		s.openArgTracer = &id
		return nil
	}

	t.pendingArgs = append(t.pendingArgs, entry)
	return nil
}

// closeOpenArglist closes whichever tracer currently has its arglist open
// in the live output, writing the matching ')' (spec.md §4.4 exprval
// rule: "When a different tracer fires between them, the previous
// arglist is closed").
func (s *Session) closeOpenArglist() {
	if s.openArgTracer == nil {
		return
	}
	other := s.tracer(*s.openArgTracer)
	if other.argsInOutput {
		s.writeOut(")")
		other.argsInOutput = false
	}
	other.pendingArgs = nil
	s.openArgTracer = nil
}

func (s *Session) processCall(elems []wire.Value) error {
	if len(elems) < 6 {
		return argErr("call", errors.New("want [call, time_us, tracer_id, mid, is_singleton, klass_id]"))
	}
	timeUs, err := elems[1].Int()
	if err != nil {
		return argErr("call", err)
	}
	trID, err := elems[2].Int()
	if err != nil {
		return argErr("call", err)
	}
	midID, err := elems[3].Int()
	if err != nil {
		return argErr("call", err)
	}
	singleton, err := elems[4].BoolVal()
	if err != nil {
		return argErr("call", err)
	}
	classID, err := elems[5].Int()
	if err != nil {
		return argErr("call", err)
	}

	if s.openArgTracer != nil && *s.openArgTracer != trID {
		s.closeOpenArglist()
	}

	qname := s.qualifiedName(midID, classID, singleton)
	t := s.tracer(trID)
	depth := s.Nesting

	if !s.printedNewline {
		s.writeOut("\n")
	}

	var line strings.Builder
	if s.ShowTime {
		line.WriteString(formatTimestamp(timeUs))
		line.WriteString(" ")
	}
	line.WriteString(strings.Repeat(s.PrefixString, depth))
	line.WriteString(qname)
	s.writeOut(line.String())

	s.printedNewline = false
	s.lastLineBlank = false
	t.lastPrinted = fmt.Sprintf("%s:%d", qname, depth)

	if len(t.pendingArgs) > 0 {
		s.writeOut("(" + strings.Join(t.pendingArgs, ", "))
		t.pendingArgs = nil
		t.argsInOutput = true
		id := trID
		s.openArgTracer = &id
	}

	callID := trID
	s.openCallTracer = &callID

	t.CallStack = append(t.CallStack, frame{startUs: timeUs, qualified: qname, depth: depth})
	s.Nesting++
	if s.Nesting > s.MaxNestingSeen {
		s.MaxNestingSeen = s.Nesting
	}
	s.LastNesting = s.Nesting

	return nil
}

func (s *Session) processReturn(elems []wire.Value) error {
	if len(elems) < 3 {
		return argErr("return", errors.New("want [return, time_us, tracer_id]"))
	}
	timeUs, err := elems[1].Int()
	if err != nil {
		return argErr("return", err)
	}
	trID, err := elems[2].Int()
	if err != nil {
		return argErr("return", err)
	}

	t := s.tracer(trID)

	if s.openArgTracer != nil && *s.openArgTracer == trID {
		if t.argsInOutput {
			s.writeOut(")")
			t.argsInOutput = false
		}
		s.openArgTracer = nil
	}
	if s.openCallTracer != nil && *s.openCallTracer == trID {
		s.openCallTracer = nil
	}

	if len(t.CallStack) == 0 {
		// *missing-return-for-call*: a return popping an empty stack for
		// this tracer is absorbed, not fatal (spec.md §3, §4.4).
		return nil
	}

	last := len(t.CallStack) - 1
	fr := t.CallStack[last]
	t.CallStack = t.CallStack[:last]

	if s.Nesting > 0 {
		s.Nesting--
	}
	depth := s.Nesting
	durUs := timeUs - fr.startUs
	key := fmt.Sprintf("%s:%d", fr.qualified, depth)

	if !s.printedNewline && t.lastPrinted == key {
		if s.ShowDuration {
			s.writeOut(formatDuration(durUs))
		}
		s.writeOut("\n")
	} else {
		if !s.printedNewline {
			s.writeOut("\n")
		}
		var line strings.Builder
		line.WriteString(strings.Repeat(s.PrefixString, depth))
		line.WriteString(fr.qualified)
		if s.ShowDuration {
			line.WriteString(formatDuration(durUs))
		}
		line.WriteString("\n")
		s.writeOut(line.String())
	}

	s.printedNewline = true
	s.lastLineBlank = false
	s.LastNesting = s.Nesting

	if s.Nesting == 0 && s.MaxNestingSeen > 1 {
		s.emitBlankLine()
	}

	return nil
}

func (s *Session) processSlow(elems []wire.Value) error {
	if len(elems) < 7 {
		return argErr("slow", errors.New("want [slow, time_us, duration_us, nesting, mid, is_singleton, klass_id]"))
	}
	durUs, err := elems[2].Int()
	if err != nil {
		return argErr("slow", err)
	}
	nesting, err := elems[3].Int()
	if err != nil {
		return argErr("slow", err)
	}
	midID, err := elems[4].Int()
	if err != nil {
		return argErr("slow", err)
	}
	singleton, err := elems[5].BoolVal()
	if err != nil {
		return argErr("slow", err)
	}
	classID, err := elems[6].Int()
	if err != nil {
		return argErr("slow", err)
	}

	depth := int(nesting)
	if depth > s.Nesting {
		depth = s.Nesting
	}
	if depth > s.MaxNestingSeen {
		s.MaxNestingSeen = depth
	}

	qname := s.qualifiedName(midID, classID, singleton)

	if !s.printedNewline {
		s.writeOut("\n")
	}

	var line strings.Builder
	line.WriteString(strings.Repeat(s.PrefixString, depth))
	line.WriteString(qname)
	if s.ShowDuration {
		line.WriteString(formatDuration(durUs))
	}
	line.WriteString("\n")
	s.writeOut(line.String())

	s.printedNewline = true
	s.lastLineBlank = false

	if depth == 0 && s.MaxNestingSeen > 1 {
		s.emitBlankLine()
	}

	return nil
}

func (s *Session) processGCStart(elems []wire.Value) error {
	if len(elems) < 2 {
		return argErr("gc_start", errors.New("want [gc_start, time_us]"))
	}
	timeUs, err := elems[1].Int()
	if err != nil {
		return argErr("gc_start", err)
	}

	if !s.printedNewline {
		s.writeOut("\n")
	}
	s.writeOut("garbage_collect")
	s.printedNewline = false
	s.lastLineBlank = false

	v := timeUs
	s.GCStartUs = &v
	return nil
}

func (s *Session) processGCEnd(elems []wire.Value) error {
	if len(elems) < 2 {
		return argErr("gc_end", errors.New("want [gc_end, time_us]"))
	}
	timeUs, err := elems[1].Int()
	if err != nil {
		return argErr("gc_end", err)
	}

	if s.GCStartUs == nil {
		// gc_end without a matching gc_start: nothing to bracket, ignore.
		return nil
	}

	s.writeOut(formatDuration(timeUs - *s.GCStartUs))
	s.writeOut("\n")
	s.GCStartUs = nil
	s.printedNewline = true
	s.lastLineBlank = false
	return nil
}

func (s *Session) processGC(elems []wire.Value) error {
	if len(elems) < 2 {
		return argErr("gc", errors.New("want [gc, time_us]"))
	}
	if _, err := elems[1].Int(); err != nil {
		return argErr("gc", err)
	}

	if s.GCStartUs != nil {
		// a mark tick during an open bracket is absorbed.
		return nil
	}

	if !s.printedNewline {
		s.writeOut("\n")
	}
	s.writeOut(strings.Repeat(s.PrefixString, s.LastNesting))
	s.writeOut("garbage_collect\n")
	s.printedNewline = true
	s.lastLineBlank = false
	return nil
}

func (s *Session) processDuringGC() error {
	sleep := s.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	sleep(10 * time.Millisecond)

	if s.Resignal == nil {
		return nil
	}
	if err := s.Resignal(); err != nil {
		return fmt.Errorf("render: resignal during gc: %w", err)
	}
	return nil
}

func (s *Session) emitBlankLine() {
	if s.lastLineBlank {
		return
	}
	s.writeOut("\n")
	s.lastLineBlank = true
}

func (s *Session) writeOut(str string) {
	if s.Out == nil {
		return
	}
	_, _ = fmt.Fprint(s.Out, str)
}

func (s *Session) writeErr(str string) {
	if s.ErrOut == nil {
		return
	}
	_, _ = fmt.Fprint(s.ErrOut, str)
}

func formatTimestamp(us int64) string {
	return time.UnixMicro(us).Format("15:04:05.000000")
}

func formatDuration(us int64) string {
	return fmt.Sprintf(" <%.6f>", float64(us)/1e6)
}
