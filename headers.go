// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package bedrock

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// ErrInvalidCarrier is returned when a carrier of an unsupported type is
// handed to header extraction or injection.
var ErrInvalidCarrier = errors.New("bedrock: invalid carrier")

// TextMapWriter allows setting key/value pairs on an outbound carrier, such
// as the header set of an outgoing request.
type TextMapWriter interface {
	// Set sets the given key/value pair.
	Set(key, val string)
}

// TextMapReader allows iterating over the key/value pairs of an inbound
// carrier. Keys are matched case-insensitively.
type TextMapReader interface {
	// ForeachKey iterates over all keys that exist in the carrier. It takes
	// a callback function which will be called using all key/value pairs as
	// arguments. ForeachKey will return the first error returned by the
	// handler.
	ForeachKey(handler func(key, val string) error) error
}

// HTTPHeadersCarrier wraps an http.Header as a TextMapWriter and
// TextMapReader, allowing it to be used with header extraction and
// injection.
type HTTPHeadersCarrier http.Header

var _ TextMapWriter = (*HTTPHeadersCarrier)(nil)
var _ TextMapReader = (*HTTPHeadersCarrier)(nil)

// Set implements TextMapWriter.
func (c HTTPHeadersCarrier) Set(key, val string) {
	http.Header(c).Set(key, val)
}

// ForeachKey implements TextMapReader.
func (c HTTPHeadersCarrier) ForeachKey(handler func(key, val string) error) error {
	for k, vals := range c {
		for _, v := range vals {
			if err := handler(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// TextMapCarrier allows the use of a regular map[string]string as both
// TextMapWriter and TextMapReader.
type TextMapCarrier map[string]string

var _ TextMapWriter = (*TextMapCarrier)(nil)
var _ TextMapReader = (*TextMapCarrier)(nil)

// Set implements TextMapWriter.
func (c TextMapCarrier) Set(key, val string) {
	c[key] = val
}

// ForeachKey conforms to the TextMapReader interface.
func (c TextMapCarrier) ForeachKey(handler func(key, val string) error) error {
	for k, v := range c {
		if err := handler(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Canonical outbound header names. Inbound matching is case-insensitive and
// additionally accepts the X- and B3-prefixed forms below.
const (
	// TraceIDHeader carries the 64-bit trace ID in base 10.
	TraceIDHeader = "Trace"
	// ParentIDHeader carries the parent span ID in base 10.
	ParentIDHeader = "Parent"
	// SpanIDHeader carries the span ID in base 10.
	SpanIDHeader = "Span"
	// SampledHeader carries the sampling decision, "1" or "0".
	SampledHeader = "Sampled"
	// FlagsHeader carries the flags bitfield in base 10.
	FlagsHeader = "Flags"
	// EdgeContextHeader carries the opaque edge-context payload. It is
	// forwarded verbatim on outbound calls.
	EdgeContextHeader = "Edge-Request"
)

type headerField int

const (
	fieldNone headerField = iota
	fieldTraceID
	fieldParentID
	fieldSpanID
	fieldSampled
	fieldFlags
	fieldEdgeContext
)

// inboundHeaders maps every accepted inbound header spelling (lowercased)
// to the trace-context field it carries.
var inboundHeaders = map[string]headerField{
	"trace":             fieldTraceID,
	"x-trace":           fieldTraceID,
	"b3-traceid":        fieldTraceID,
	"x-b3-traceid":      fieldTraceID,
	"parent":            fieldParentID,
	"x-parent":          fieldParentID,
	"b3-parentspanid":   fieldParentID,
	"x-b3-parentspanid": fieldParentID,
	"span":              fieldSpanID,
	"x-span":            fieldSpanID,
	"b3-spanid":         fieldSpanID,
	"x-b3-spanid":       fieldSpanID,
	"sampled":           fieldSampled,
	"x-sampled":         fieldSampled,
	"b3-sampled":        fieldSampled,
	"x-b3-sampled":      fieldSampled,
	"flags":             fieldFlags,
	"x-flags":           fieldFlags,
	"b3-flags":          fieldFlags,
	"x-b3-flags":        fieldFlags,
	"edge-request":      fieldEdgeContext,
	"x-edge-request":    fieldEdgeContext,
}

// TrustHandler gates adoption of inbound trace and edge-context headers.
// Services at the edge of the system should reject trace IDs from untrusted
// clients; rejected headers are treated as absent.
type TrustHandler interface {
	// TrustTraceContext reports whether the trace-context headers of the
	// inbound request may be adopted.
	TrustTraceContext(r TextMapReader) bool

	// TrustEdgeContext reports whether the edge-context header of the
	// inbound request may be stored and propagated.
	TrustEdgeContext(r TextMapReader) bool
}

// StaticTrustHandler is a TrustHandler that accepts or rejects everything.
type StaticTrustHandler struct {
	// Trust is the answer given for every request.
	Trust bool
}

var _ TrustHandler = StaticTrustHandler{}

// TrustTraceContext returns the static answer.
func (h StaticTrustHandler) TrustTraceContext(TextMapReader) bool { return h.Trust }

// TrustEdgeContext returns the static answer.
func (h StaticTrustHandler) TrustEdgeContext(TextMapReader) bool { return h.Trust }

// traceContext is the result of inbound header extraction.
type traceContext struct {
	traceID  uint64
	parentID uint64
	spanID   uint64
	sampled  SamplingDecision
	flags    uint64

	// adopted is true when all of trace, parent and span parsed and the
	// upstream identifiers were taken over.
	adopted bool

	edgeContext    []byte
	hasEdgeContext bool
}

// extractTraceContext reads the inbound headers. When all of trace ID,
// parent span ID and span ID parse as base-10 unsigned 64-bit integers the
// upstream trace context is adopted; otherwise a fresh root trace is
// generated. Malformed values are swallowed, never surfaced to the caller.
func extractTraceContext(r TextMapReader, trust TrustHandler) traceContext {
	var (
		vals    = make(map[headerField]string, 6)
		edge    string
		hasEdge bool
	)
	if r != nil {
		// Collection ignores handler errors by construction: the closure
		// never returns one.
		_ = r.ForeachKey(func(k, v string) error {
			switch f := inboundHeaders[strings.ToLower(k)]; f {
			case fieldNone:
			case fieldEdgeContext:
				edge, hasEdge = v, true
			default:
				if _, dup := vals[f]; !dup {
					vals[f] = v
				}
			}
			return nil
		})
	}

	tc := traceContext{sampled: SamplingUndecided}

	if hasEdge && trust.TrustEdgeContext(r) {
		tc.edgeContext = []byte(edge)
		tc.hasEdgeContext = true
	}

	if r != nil && trust.TrustTraceContext(r) {
		traceID, err1 := strconv.ParseUint(vals[fieldTraceID], 10, 64)
		parentID, err2 := strconv.ParseUint(vals[fieldParentID], 10, 64)
		spanID, err3 := strconv.ParseUint(vals[fieldSpanID], 10, 64)
		if err1 == nil && err2 == nil && err3 == nil {
			tc.traceID = traceID
			tc.parentID = parentID
			tc.spanID = spanID
			tc.adopted = true
			if v, ok := vals[fieldSampled]; ok {
				if v == "1" {
					tc.sampled = SamplingKept
				} else {
					tc.sampled = SamplingDropped
				}
			}
			if v, ok := vals[fieldFlags]; ok {
				if flags, err := strconv.ParseUint(v, 10, 64); err == nil {
					tc.flags = flags
				}
			}
			return tc
		}
	}

	// new root trace
	tc.traceID = newID()
	tc.spanID = tc.traceID
	tc.parentID = 0
	tc.flags = 0
	return tc
}

// InjectHeaders writes the identity of the given client span and the stored
// edge context onto the outbound carrier. The edge-context header is omitted
// when no payload was stored, but an empty stored payload is preserved.
func InjectHeaders(ctx *RequestContext, s *Span, w TextMapWriter) error {
	if w == nil {
		return ErrInvalidCarrier
	}
	w.Set(TraceIDHeader, strconv.FormatUint(s.TraceID(), 10))
	w.Set(ParentIDHeader, strconv.FormatUint(s.ParentID(), 10))
	w.Set(SpanIDHeader, strconv.FormatUint(s.SpanID(), 10))
	switch s.Sampled() {
	case SamplingKept:
		w.Set(SampledHeader, "1")
	case SamplingDropped:
		w.Set(SampledHeader, "0")
	}
	if f := s.Flags(); f != 0 {
		w.Set(FlagsHeader, strconv.FormatUint(f, 10))
	}
	if ctx != nil {
		if edge, ok := ctx.EdgeContext(); ok {
			w.Set(EdgeContextHeader, string(edge))
		}
	}
	return nil
}
