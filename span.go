// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package bedrock

import (
	"fmt"
	"sync"
	"time"

	"github.com/bedrock-io/bedrock/internal/log"
)

// SpanKind distinguishes the three span variants sharing one shape.
type SpanKind int

const (
	// SpanKindServer marks the root of the in-process tree, representing
	// the inbound request.
	SpanKindServer SpanKind = iota
	// SpanKindLocal marks an in-process sub-operation.
	SpanKindLocal
	// SpanKindClient marks an outbound call made by this service.
	SpanKindClient
)

// String returns a human readable name for the span kind.
func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "server"
	case SpanKindLocal:
		return "local"
	case SpanKindClient:
		return "client"
	}
	return "unknown"
}

// SamplingDecision is the tri-state sampling flag carried by every span.
// Once decided at the root it propagates unchanged to every descendant.
type SamplingDecision int

const (
	// SamplingUndecided means no upstream or local decision has been made yet.
	SamplingUndecided SamplingDecision = iota
	// SamplingDropped means the trace is not recorded.
	SamplingDropped
	// SamplingKept means the trace is recorded.
	SamplingKept
)

// FlagDebug forces sampling through every downstream service when set in
// the propagated flags bitfield.
const FlagDebug uint64 = 1 << 0

type spanState int

const (
	stateUnstarted spanState = iota
	stateRunning
	stateFinished
)

// SpanObserver receives lifecycle callbacks from the span it is registered
// on. Callbacks on a given span fire sequentially: in registration order for
// everything except OnFinish, which fires in reverse registration order so
// that inner observers see completion before their parents.
//
// Observers that only care about a subset of events should embed
// NopSpanObserver and override what they need.
type SpanObserver interface {
	// OnStart is called when the span begins.
	OnStart(s *Span)

	// OnSetTag is called for every tag recorded on the span. The value has
	// already been coerced: booleans pass through, everything else is a
	// string.
	OnSetTag(s *Span, key string, value interface{})

	// OnLog is called for every log entry recorded on the span.
	OnLog(s *Span, name string, payload interface{})

	// OnFinish is called when the span ends. err is the in-flight error of
	// the unit of work, or nil on success.
	OnFinish(s *Span, err error)

	// OnChildSpanCreated is called when a child span is created on the
	// observed span. The observer may register a fresh observer on the
	// child to instrument the subtree.
	OnChildSpanCreated(child *Span)
}

// NopSpanObserver is a SpanObserver that ignores every event. Embed it to
// implement only a subset of the callbacks.
type NopSpanObserver struct{}

// OnStart does nothing.
func (NopSpanObserver) OnStart(*Span) {}

// OnSetTag does nothing.
func (NopSpanObserver) OnSetTag(*Span, string, interface{}) {}

// OnLog does nothing.
func (NopSpanObserver) OnLog(*Span, string, interface{}) {}

// OnFinish does nothing.
func (NopSpanObserver) OnFinish(*Span, error) {}

// OnChildSpanCreated does nothing.
func (NopSpanObserver) OnChildSpanCreated(*Span) {}

// LogEntry is one entry of the ordered log sequence recorded on a span.
type LogEntry struct {
	TimestampUS int64
	Name        string
	Payload     interface{}
}

// Span represents one unit of timed work. Spans are created by the registry
// (server spans) or by their parent span (local and client spans) and must
// be finished exactly once.
//
// A span and its descendants are owned by a single logical flow of control;
// methods must not be called concurrently on the same span.
type Span struct {
	mu sync.Mutex

	name      string
	kind      SpanKind
	traceID   uint64
	spanID    uint64
	parentID  uint64 // 0 means absent (root span)
	sampled   SamplingDecision
	flags     uint64
	component string // set on local spans only

	startUS int64
	endUS   int64
	state   spanState

	observers []SpanObserver
	tags      map[string]interface{}
	logs      []LogEntry

	// ctx is held by server and local spans only and released on finish.
	ctx *RequestContext
}

// Name returns the operation name of the span.
func (s *Span) Name() string { return s.name }

// Kind returns the span variant.
func (s *Span) Kind() SpanKind { return s.kind }

// TraceID returns the trace identifier shared by every span of the trace.
func (s *Span) TraceID() uint64 { return s.traceID }

// SpanID returns the identifier of this span, unique within the trace.
func (s *Span) SpanID() uint64 { return s.spanID }

// ParentID returns the span ID of the immediate parent, or 0 on a root span.
func (s *Span) ParentID() uint64 { return s.parentID }

// Sampled returns the sampling decision inherited by every child.
func (s *Span) Sampled() SamplingDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampled
}

// Flags returns the propagated flags bitfield.
func (s *Span) Flags() uint64 { return s.flags }

// Component returns the component name of a local span, or "".
func (s *Span) Component() string { return s.component }

// StartUS returns the start timestamp in microseconds since the epoch, or 0
// if the span has not started.
func (s *Span) StartUS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startUS
}

// EndUS returns the end timestamp in microseconds since the epoch, or 0 if
// the span has not finished.
func (s *Span) EndUS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endUS
}

// Context returns the request context this span belongs to. It is nil on
// client spans and on finished spans.
func (s *Span) Context() *RequestContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Tags returns a copy of the tags recorded so far.
func (s *Span) Tags() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]interface{}, len(s.tags))
	for k, v := range s.tags {
		out[k] = v
	}
	return out
}

// Logs returns a copy of the log entries recorded so far.
func (s *Span) Logs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// SetSampled records the sampling decision on the span. It has an effect
// only before the span starts; once running the decision is frozen.
func (s *Span) SetSampled(d SamplingDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateUnstarted {
		log.Error("bedrock.span", "SetSampled called on %s span %q after start", s.kind, s.name)
		return
	}
	s.sampled = d
}

// AddObserver registers obs to receive lifecycle callbacks from this span.
func (s *Span) AddObserver(obs SpanObserver) {
	if obs == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateFinished {
		log.Error("bedrock.span", "AddObserver called on finished span %q", s.name)
		return
	}
	s.observers = append(s.observers, obs)
}

// Start begins the span and notifies every observer in registration order.
// It must be called exactly once; extra calls are logged and ignored.
func (s *Span) Start() {
	s.mu.Lock()
	if s.state != stateUnstarted {
		s.mu.Unlock()
		log.Error("bedrock.span", "Start called twice on span %q", s.name)
		return
	}
	s.state = stateRunning
	s.startUS = nowUS()
	obs := s.snapshotObservers()
	s.mu.Unlock()

	for _, o := range obs {
		s.notify(o, "OnStart", func() { o.OnStart(s) })
	}
}

// SetTag records a tag on the running span and notifies every observer in
// registration order. Booleans pass through unchanged; every other value is
// coerced to its string form.
func (s *Span) SetTag(key string, value interface{}) {
	v := coerceTagValue(value)
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		log.Error("bedrock.span", "SetTag(%q) called on %s span %q", key, s.stateName(), s.name)
		return
	}
	if s.tags == nil {
		s.tags = make(map[string]interface{})
	}
	s.tags[key] = v
	obs := s.snapshotObservers()
	s.mu.Unlock()

	for _, o := range obs {
		s.notify(o, "OnSetTag", func() { o.OnSetTag(s, key, v) })
	}
}

// Log records a named log entry on the running span and notifies every
// observer in registration order.
func (s *Span) Log(name string, payload interface{}) {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		log.Error("bedrock.span", "Log(%q) called on %s span %q", name, s.stateName(), s.name)
		return
	}
	s.logs = append(s.logs, LogEntry{TimestampUS: nowUS(), Name: name, Payload: payload})
	obs := s.snapshotObservers()
	s.mu.Unlock()

	for _, o := range obs {
		s.notify(o, "OnLog", func() { o.OnLog(s, name, payload) })
	}
}

// Finish ends the span with the in-flight error (nil on success) and
// notifies every observer in reverse registration order, so that metrics
// batches flush after per-span timers stop. It must be called exactly once;
// extra calls are logged and ignored. Once finished, no further tags, logs
// or children may be recorded.
func (s *Span) Finish(err error) {
	s.mu.Lock()
	if s.state == stateFinished {
		s.mu.Unlock()
		log.Error("bedrock.span", "Finish called twice on span %q", s.name)
		return
	}
	if s.state == stateUnstarted {
		// a span finished without starting still gets a consistent window
		s.startUS = nowUS()
	}
	s.state = stateFinished
	s.endUS = nowUS()
	if s.endUS < s.startUS {
		s.endUS = s.startUS
	}
	obs := s.snapshotObservers()
	// release the observer list so late registrations cannot outlive the
	// request; the context stays readable until the callbacks have run
	s.observers = nil
	s.mu.Unlock()

	for i := len(obs) - 1; i >= 0; i-- {
		o := obs[i]
		s.notify(o, "OnFinish", func() { o.OnFinish(s, err) })
	}

	s.mu.Lock()
	s.ctx = nil
	s.mu.Unlock()
}

// Scope runs fn inside the span: the span is started if it has not been
// already, and finished with fn's error when fn returns. A panic inside fn
// finishes the span with a synthesized error before re-panicking.
func (s *Span) Scope(fn func() error) (err error) {
	s.mu.Lock()
	unstarted := s.state == stateUnstarted
	s.mu.Unlock()
	if unstarted {
		s.Start()
	}
	defer func() {
		if r := recover(); r != nil {
			s.Finish(fmt.Errorf("panic: %v", r))
			panic(r)
		}
		s.Finish(err)
	}()
	return fn()
}

// Child creates a client span representing an outbound call. The child
// inherits the trace ID, sampling decision and flags, gets a fresh span ID,
// and its parent ID is this span's ID. Every observer on this span is
// notified and may attach a fresh observer to the child. The child is
// returned unstarted.
func (s *Span) Child(name string) *Span {
	return s.makeChild(name, SpanKindClient, "")
}

// Local creates an in-process child span carrying a component name. Like
// Child, observers are notified and the span is returned unstarted. The
// local span shares this span's request context.
func (s *Span) Local(name, component string) *Span {
	return s.makeChild(name, SpanKindLocal, component)
}

func (s *Span) makeChild(name string, kind SpanKind, component string) *Span {
	s.mu.Lock()
	if s.state != stateRunning {
		log.Error("bedrock.span", "child %q created on %s span %q", name, s.stateName(), s.name)
	}
	child := &Span{
		name:      name,
		kind:      kind,
		traceID:   s.traceID,
		spanID:    newID(),
		parentID:  s.spanID,
		sampled:   s.sampled,
		flags:     s.flags,
		component: component,
	}
	if kind == SpanKindLocal {
		child.ctx = s.ctx
	}
	obs := s.snapshotObservers()
	s.mu.Unlock()

	for _, o := range obs {
		s.notify(o, "OnChildSpanCreated", func() { o.OnChildSpanCreated(child) })
	}
	return child
}

// snapshotObservers returns the observer list for dispatch outside the lock.
// Callers must hold s.mu.
func (s *Span) snapshotObservers() []SpanObserver {
	if len(s.observers) == 0 {
		return nil
	}
	out := make([]SpanObserver, len(s.observers))
	copy(out, s.observers)
	return out
}

// notify invokes one observer callback, isolating the span from observer
// panics: an error thrown by one observer must not prevent the others from
// being notified, nor ever shadow a request-handler error.
func (s *Span) notify(o SpanObserver, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("bedrock.observer", "observer %T panicked in %s on span %q: %v", o, event, s.name, r)
		}
	}()
	fn()
}

func (s *Span) stateName() string {
	switch s.state {
	case stateUnstarted:
		return "unstarted"
	case stateRunning:
		return "running"
	}
	return "finished"
}

// String returns a human readable representation of the span. Not for
// production, just debugging.
func (s *Span) String() string {
	return fmt.Sprintf("Span(name=%s kind=%s trace=%d span=%d parent=%d sampled=%d flags=%d)",
		s.name, s.kind, s.traceID, s.spanID, s.parentID, s.Sampled(), s.flags)
}

// coerceTagValue normalizes tag values: booleans pass through, everything
// else becomes its decimal or plain string form.
func coerceTagValue(v interface{}) interface{} {
	if b, ok := v.(bool); ok {
		return b
	}
	return fmt.Sprint(v)
}

func nowUS() int64 {
	return time.Now().UnixMicro()
}
