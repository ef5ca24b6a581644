// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package bedrock

import "github.com/bedrock-io/bedrock/internal/log"

// RequestContext carries the per-request collaborators: the active server
// span, one attribute per registered context factory, and the raw upstream
// edge-context payload. It is created at request start and lives exactly as
// long as the server span.
//
// The context is owned by a single logical flow of control. Observers may
// read it during request handling but must not retain it past request end.
type RequestContext struct {
	attrs map[string]interface{}
	span  *Span

	edgeContext    []byte
	hasEdgeContext bool

	shadows []shadowFrame
}

type shadowFrame struct {
	name    string
	prev    interface{}
	existed bool
}

// NewRequestContext returns an empty request context. Most callers should
// obtain one from Bedrock.BeginRequest instead.
func NewRequestContext() *RequestContext {
	return &RequestContext{attrs: make(map[string]interface{})}
}

// Get returns the attribute registered under name.
func (c *RequestContext) Get(name string) (interface{}, bool) {
	v, ok := c.attrs[name]
	return v, ok
}

// Set registers value under name, replacing any previous value.
func (c *RequestContext) Set(name string, value interface{}) {
	c.attrs[name] = value
}

// Span returns the active server span. It is set by the registry at request
// creation and present for the duration of the request.
func (c *RequestContext) Span() *Span {
	return c.span
}

// EdgeContext returns the opaque edge-context payload received on the
// inbound request. ok is false when no edge-context header was present; an
// empty payload with ok true means the header was present but empty.
func (c *RequestContext) EdgeContext() (payload []byte, ok bool) {
	return c.edgeContext, c.hasEdgeContext
}

// SetEdgeContext stores the verbatim edge-context bytes for downstream
// propagation.
func (c *RequestContext) SetEdgeContext(payload []byte) {
	c.edgeContext = payload
	c.hasEdgeContext = true
}

// ShadowAttr temporarily overrides the attribute registered under name,
// typically for the duration of a local span's scope. The returned restore
// function puts the prior value back; restores must happen in reverse order
// of the overrides (stack discipline).
func (c *RequestContext) ShadowAttr(name string, value interface{}) (restore func()) {
	prev, existed := c.attrs[name]
	c.shadows = append(c.shadows, shadowFrame{name: name, prev: prev, existed: existed})
	c.attrs[name] = value
	depth := len(c.shadows)
	return func() {
		if len(c.shadows) < depth {
			logShadowMisuse(name)
			return
		}
		if len(c.shadows) > depth {
			// out-of-order release; unwind anyway but complain
			logShadowMisuse(name)
		}
		f := c.shadows[depth-1]
		c.shadows = c.shadows[:depth-1]
		if f.existed {
			c.attrs[f.name] = f.prev
		} else {
			delete(c.attrs, f.name)
		}
	}
}

func logShadowMisuse(name string) {
	log.Error("bedrock.context", "out-of-order ShadowAttr restore for %q", name)
}
