// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

// Package bedrock implements the core of a service instrumentation
// framework: the span tree with observer dispatch, trace-context propagation
// across inbound and outbound request boundaries, and the request-scoped
// context binding them together for the duration of one server request.
//
// A process configures one Bedrock registry, registers observer factories
// (tracing, metrics, error reporting) and context-attribute factories
// (per-request clients), and calls BeginRequest for every inbound request:
//
//	bp := bedrock.New()
//	bp.AddObserverFactory(tracingObserver)
//	bp.AddContextFactory("db", dbFactory)
//
//	ctx, span := bp.BeginRequest("svc.handle", bedrock.HTTPHeadersCarrier(r.Header))
//	defer func() { span.Finish(err) }()
package bedrock

import (
	"sync"
)

// ObserverFactory produces observers for newborn server spans. One factory
// is registered per subsystem (tracing, metrics, ...); it sees every
// incoming request and may return an observer to attach, or nil to skip the
// request entirely.
type ObserverFactory interface {
	// CreateObserver is invoked with the fresh request context and the
	// unstarted server span. The returned observer, if any, is attached to
	// the span.
	CreateObserver(ctx *RequestContext, serverSpan *Span) SpanObserver
}

// ObserverFactoryFunc adapts a function to the ObserverFactory interface.
type ObserverFactoryFunc func(ctx *RequestContext, serverSpan *Span) SpanObserver

// CreateObserver calls f.
func (f ObserverFactoryFunc) CreateObserver(ctx *RequestContext, serverSpan *Span) SpanObserver {
	return f(ctx, serverSpan)
}

// ContextFactory materializes one per-request attribute at request start.
// The produced value is attached to the request context under the name the
// factory was registered with.
type ContextFactory interface {
	// Make builds the per-request value. name is the registration name and
	// serverSpan the unstarted server span of the request.
	Make(name string, serverSpan *Span) interface{}
}

// ContextFactoryFunc adapts a function to the ContextFactory interface.
type ContextFactoryFunc func(name string, serverSpan *Span) interface{}

// Make calls f.
func (f ContextFactoryFunc) Make(name string, serverSpan *Span) interface{} {
	return f(name, serverSpan)
}

type namedContextFactory struct {
	name    string
	factory ContextFactory
}

// Bedrock is the process-wide registry of observer and context-attribute
// factories. It produces a fresh request context and an instrumented server
// span for each incoming request.
//
// Registries are cheap; tests should instantiate fresh ones rather than
// share a global.
type Bedrock struct {
	mu                sync.RWMutex
	trust             TrustHandler
	observerFactories []ObserverFactory
	contextFactories  []namedContextFactory
}

// Option configures a Bedrock registry.
type Option func(*Bedrock)

// WithTrustHandler sets the policy gating adoption of inbound trace and
// edge-context headers. The default accepts everything.
func WithTrustHandler(h TrustHandler) Option {
	return func(b *Bedrock) {
		b.trust = h
	}
}

// New returns a registry with the given options applied.
func New(opts ...Option) *Bedrock {
	b := &Bedrock{trust: StaticTrustHandler{Trust: true}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddObserverFactory registers f to be consulted, in registration order, for
// every incoming request.
func (b *Bedrock) AddObserverFactory(f ObserverFactory) {
	if f == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observerFactories = append(b.observerFactories, f)
}

// AddContextFactory registers f to produce the request-context attribute
// named name. Factories run in registration order at request start.
func (b *Bedrock) AddContextFactory(name string, f ContextFactory) {
	if f == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contextFactories = append(b.contextFactories, namedContextFactory{name: name, factory: f})
}

// BeginRequest runs the request start protocol: it builds a request context,
// extracts the inbound trace context (adopting upstream identifiers when
// they parse and the trust handler allows it, generating a fresh root trace
// otherwise), allocates the server span under the given name, consults every
// observer factory, materializes every context attribute, and starts the
// span.
//
// headers may be nil for requests without propagation metadata. The caller
// must finish the returned span exactly once, passing the in-flight error of
// the request, before the response leaves.
func (b *Bedrock) BeginRequest(name string, headers TextMapReader) (*RequestContext, *Span) {
	b.mu.RLock()
	trust := b.trust
	obsFactories := make([]ObserverFactory, len(b.observerFactories))
	copy(obsFactories, b.observerFactories)
	ctxFactories := make([]namedContextFactory, len(b.contextFactories))
	copy(ctxFactories, b.contextFactories)
	b.mu.RUnlock()

	ctx := NewRequestContext()
	tc := extractTraceContext(headers, trust)
	if tc.hasEdgeContext {
		ctx.SetEdgeContext(tc.edgeContext)
	}

	span := &Span{
		name:     name,
		kind:     SpanKindServer,
		traceID:  tc.traceID,
		spanID:   tc.spanID,
		parentID: tc.parentID,
		sampled:  tc.sampled,
		flags:    tc.flags,
		ctx:      ctx,
	}
	ctx.span = span

	for _, f := range obsFactories {
		if obs := f.CreateObserver(ctx, span); obs != nil {
			span.AddObserver(obs)
		}
	}
	for _, nf := range ctxFactories {
		ctx.Set(nf.name, nf.factory.Make(nf.name, span))
	}

	span.Start()
	return ctx, span
}
