// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

// Package tracing attaches Zipkin-compatible distributed tracing to the
// bedrock span tree. An Observer is registered on the Bedrock registry; for
// every sampled request it instruments the whole span subtree and hands the
// serialized records to a recorder, which moves all I/O off the request
// path.
package tracing

import (
	"fmt"
	"math/rand"

	"github.com/bedrock-io/bedrock"
	"github.com/bedrock-io/bedrock/mq"
)

// Observer is the root-span observer factory of the tracing subsystem.
// Register it on a Bedrock registry with AddObserverFactory.
type Observer struct {
	serviceName string
	sampleRate  float64
	endpoint    Endpoint
	recorder    Recorder
}

var _ bedrock.ObserverFactory = (*Observer)(nil)

// New builds a tracing observer. The recorder is selected from the options:
// a collector endpoint yields the remote recorder, a queue name the sidecar
// recorder, and neither yields the logging or null recorder depending on
// WithLogIfUnconfigured.
func New(opts ...Option) (*Observer, error) {
	c := new(config)
	defaults(c)
	for _, opt := range opts {
		opt(c)
	}
	if c.serviceName == "" {
		return nil, fmt.Errorf("tracing: service name is required")
	}
	rec := c.recorder
	if rec == nil {
		switch {
		case c.collectorAddr != "":
			rec = newRemoteRecorder(c.collectorAddr, c)
		case c.queueName != "":
			q, err := mq.Open(fmt.Sprintf("/traces-%s", c.queueName), SidecarQueueMaxMessages, MaxSidecarMessageSize)
			if err != nil {
				return nil, fmt.Errorf("tracing: cannot open sidecar queue: %w", err)
			}
			sc := *c
			sc.maxQueueSize = SidecarMaxQueueSize
			rec = newSidecarRecorder(q, &sc)
		case c.logIfUnconfigured:
			rec = NewLoggingRecorder()
		default:
			rec = NewNullRecorder()
		}
	}
	return &Observer{
		serviceName: c.serviceName,
		sampleRate:  c.sampleRate,
		endpoint:    resolveEndpoint(c.serviceName),
		recorder:    rec,
	}, nil
}

// Stop drains the recorder. Call it on process shutdown.
func (t *Observer) Stop() {
	t.recorder.Stop()
}

// CreateObserver decides sampling for the request and, when the trace is
// kept, returns a span observer instrumenting the server span and all of
// its descendants. Unsampled requests get no tracing observer at all; the
// span tree still works for metrics and errors.
func (t *Observer) CreateObserver(_ *bedrock.RequestContext, serverSpan *bedrock.Span) bedrock.SpanObserver {
	decision := t.decide(serverSpan)
	serverSpan.SetSampled(decision)
	if decision != bedrock.SamplingKept {
		return nil
	}
	return t.newSpanObserver(serverSpan.Kind())
}

// decide computes the sampling decision once, at server-span creation time.
// The debug flag forces sampling; an upstream decision is never overridden;
// otherwise the configured sample rate applies.
func (t *Observer) decide(s *bedrock.Span) bedrock.SamplingDecision {
	if s.Flags()&bedrock.FlagDebug != 0 {
		return bedrock.SamplingKept
	}
	if d := s.Sampled(); d != bedrock.SamplingUndecided {
		return d
	}
	if t.sampleRate >= 1 {
		return bedrock.SamplingKept
	}
	if t.sampleRate <= 0 {
		return bedrock.SamplingDropped
	}
	if rand.Float64() < t.sampleRate {
		return bedrock.SamplingKept
	}
	return bedrock.SamplingDropped
}

func (t *Observer) newSpanObserver(kind bedrock.SpanKind) *spanObserver {
	return &spanObserver{t: t, kind: kind}
}

// spanObserver instruments one span. A fresh observer is created for every
// child so that each holds only its own annotations.
type spanObserver struct {
	bedrock.NopSpanObserver

	t      *Observer
	kind   bedrock.SpanKind
	binary []BinaryAnnotation
}

// OnSetTag records the tag as a binary annotation.
func (o *spanObserver) OnSetTag(_ *bedrock.Span, key string, value interface{}) {
	o.binary = append(o.binary, BinaryAnnotation{Key: key, Value: value, Endpoint: o.t.endpoint})
}

// OnChildSpanCreated attaches a fresh observer to the child, so the whole
// subtree is instrumented once sampling is decided at the root. Client
// spans do not instrument children of their own.
func (o *spanObserver) OnChildSpanCreated(child *bedrock.Span) {
	if o.kind == bedrock.SpanKindClient {
		return
	}
	child.AddObserver(o.t.newSpanObserver(child.Kind()))
}

// OnFinish serializes the span into a Zipkin v1 record and submits it to
// the recorder.
func (o *spanObserver) OnFinish(s *bedrock.Span, err error) {
	if err != nil {
		o.binary = append(o.binary, BinaryAnnotation{Key: "error", Value: true, Endpoint: o.t.endpoint})
	}
	rec := &Record{
		TraceID:           s.TraceID(),
		Name:              s.Name(),
		ID:                s.SpanID(),
		ParentID:          s.ParentID(),
		Timestamp:         s.StartUS(),
		Duration:          s.EndUS() - s.StartUS(),
		Annotations:       []Annotation{},
		BinaryAnnotations: o.binary,
	}
	if rec.BinaryAnnotations == nil {
		rec.BinaryAnnotations = []BinaryAnnotation{}
	}
	switch o.kind {
	case bedrock.SpanKindServer:
		rec.Annotations = append(rec.Annotations,
			Annotation{Endpoint: o.t.endpoint, Timestamp: s.StartUS(), Value: annServerReceive},
			Annotation{Endpoint: o.t.endpoint, Timestamp: s.EndUS(), Value: annServerSend},
		)
	case bedrock.SpanKindClient:
		rec.Annotations = append(rec.Annotations,
			Annotation{Endpoint: o.t.endpoint, Timestamp: s.StartUS(), Value: annClientSend},
			Annotation{Endpoint: o.t.endpoint, Timestamp: s.EndUS(), Value: annClientReceive},
		)
	case bedrock.SpanKindLocal:
		rec.BinaryAnnotations = append(rec.BinaryAnnotations,
			BinaryAnnotation{Key: keyLocalComponent, Value: s.Component(), Endpoint: o.t.endpoint},
		)
	}
	o.t.recorder.Record(rec)
}
