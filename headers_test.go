// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package bedrock

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trustAll() TrustHandler  { return StaticTrustHandler{Trust: true} }
func trustNone() TrustHandler { return StaticTrustHandler{Trust: false} }

func TestExtractTraceContextAdopt(t *testing.T) {
	for name, carrier := range map[string]TextMapReader{
		"short": TextMapCarrier{
			"Trace":   "100",
			"Parent":  "200",
			"Span":    "300",
			"Sampled": "1",
			"Flags":   "1",
		},
		"x-prefixed": TextMapCarrier{
			"X-Trace":   "100",
			"X-Parent":  "200",
			"X-Span":    "300",
			"X-Sampled": "1",
			"X-Flags":   "1",
		},
		"b3": TextMapCarrier{
			"B3-TraceId":      "100",
			"B3-ParentSpanId": "200",
			"B3-SpanId":       "300",
			"B3-Sampled":      "1",
			"B3-Flags":        "1",
		},
		"x-b3": TextMapCarrier{
			"X-B3-TraceId":      "100",
			"X-B3-ParentSpanId": "200",
			"X-B3-SpanId":       "300",
			"X-B3-Sampled":      "1",
			"X-B3-Flags":        "1",
		},
		"lowercase": TextMapCarrier{
			"trace":   "100",
			"parent":  "200",
			"span":    "300",
			"sampled": "1",
			"flags":   "1",
		},
		"http-header": HTTPHeadersCarrier(http.Header{
			"Trace":   []string{"100"},
			"Parent":  []string{"200"},
			"Span":    []string{"300"},
			"Sampled": []string{"1"},
			"Flags":   []string{"1"},
		}),
	} {
		t.Run(name, func(t *testing.T) {
			tc := extractTraceContext(carrier, trustAll())
			assert.True(t, tc.adopted)
			assert.EqualValues(t, 100, tc.traceID)
			assert.EqualValues(t, 200, tc.parentID)
			assert.EqualValues(t, 300, tc.spanID)
			assert.Equal(t, SamplingKept, tc.sampled)
			assert.Equal(t, FlagDebug, tc.flags)
		})
	}
}

func TestExtractTraceContextNewRoot(t *testing.T) {
	for name, carrier := range map[string]TextMapReader{
		"no-headers":      TextMapCarrier{},
		"missing-span":    TextMapCarrier{"Trace": "100", "Parent": "200"},
		"malformed-trace": TextMapCarrier{"Trace": "abc", "Parent": "200", "Span": "300"},
		"hex-trace":       TextMapCarrier{"Trace": "ff00", "Parent": "200", "Span": "300"},
		"negative":        TextMapCarrier{"Trace": "-1", "Parent": "200", "Span": "300"},
	} {
		t.Run(name, func(t *testing.T) {
			tc := extractTraceContext(carrier, trustAll())
			assert.False(t, tc.adopted)
			assert.NotZero(t, tc.traceID)
			assert.Equal(t, tc.traceID, tc.spanID)
			assert.Zero(t, tc.parentID)
			assert.Equal(t, SamplingUndecided, tc.sampled)
			assert.Zero(t, tc.flags)
		})
	}

	t.Run("nil-reader", func(t *testing.T) {
		tc := extractTraceContext(nil, trustAll())
		assert.False(t, tc.adopted)
		assert.NotZero(t, tc.traceID)
	})

	t.Run("fresh-ids-per-request", func(t *testing.T) {
		a := extractTraceContext(nil, trustAll())
		b := extractTraceContext(nil, trustAll())
		assert.NotEqual(t, a.traceID, b.traceID)
	})
}

func TestExtractTraceContextSampled(t *testing.T) {
	base := func() TextMapCarrier {
		return TextMapCarrier{"Trace": "1", "Parent": "2", "Span": "3"}
	}

	t.Run("absent", func(t *testing.T) {
		tc := extractTraceContext(base(), trustAll())
		assert.Equal(t, SamplingUndecided, tc.sampled)
	})

	t.Run("one", func(t *testing.T) {
		c := base()
		c["Sampled"] = "1"
		tc := extractTraceContext(c, trustAll())
		assert.Equal(t, SamplingKept, tc.sampled)
	})

	t.Run("zero", func(t *testing.T) {
		c := base()
		c["Sampled"] = "0"
		tc := extractTraceContext(c, trustAll())
		assert.Equal(t, SamplingDropped, tc.sampled)
	})

	t.Run("garbage-means-dropped", func(t *testing.T) {
		c := base()
		c["Sampled"] = "true"
		tc := extractTraceContext(c, trustAll())
		assert.Equal(t, SamplingDropped, tc.sampled)
	})

	t.Run("garbage-flags-ignored", func(t *testing.T) {
		c := base()
		c["Flags"] = "not-a-number"
		tc := extractTraceContext(c, trustAll())
		assert.True(t, tc.adopted)
		assert.Zero(t, tc.flags)
	})
}

func TestExtractTraceContextTrust(t *testing.T) {
	carrier := TextMapCarrier{
		"Trace":        "100",
		"Parent":       "200",
		"Span":         "300",
		"Edge-Request": "payload",
	}

	t.Run("untrusted-gets-new-root", func(t *testing.T) {
		tc := extractTraceContext(carrier, trustNone())
		assert.False(t, tc.adopted)
		assert.NotEqual(t, uint64(100), tc.traceID)
		assert.False(t, tc.hasEdgeContext)
	})

	t.Run("trusted-adopts", func(t *testing.T) {
		tc := extractTraceContext(carrier, trustAll())
		assert.True(t, tc.adopted)
		assert.True(t, tc.hasEdgeContext)
		assert.Equal(t, []byte("payload"), tc.edgeContext)
	})
}

func TestExtractTraceContextEdge(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		tc := extractTraceContext(TextMapCarrier{}, trustAll())
		assert.False(t, tc.hasEdgeContext)
	})

	t.Run("empty-is-present", func(t *testing.T) {
		tc := extractTraceContext(TextMapCarrier{"Edge-Request": ""}, trustAll())
		assert.True(t, tc.hasEdgeContext)
		assert.Empty(t, tc.edgeContext)
	})

	t.Run("x-prefixed", func(t *testing.T) {
		tc := extractTraceContext(TextMapCarrier{"X-Edge-Request": "edge"}, trustAll())
		assert.True(t, tc.hasEdgeContext)
		assert.Equal(t, []byte("edge"), tc.edgeContext)
	})
}

func TestInjectHeaders(t *testing.T) {
	t.Run("round-trip", func(t *testing.T) {
		ctx := NewRequestContext()
		ctx.SetEdgeContext([]byte("edge"))
		parent := &Span{
			name:    "server",
			kind:    SpanKindServer,
			traceID: 100,
			spanID:  300,
			sampled: SamplingKept,
			flags:   FlagDebug,
			ctx:     ctx,
		}
		ctx.span = parent
		parent.Start()
		child := parent.Child("outbound")

		out := make(TextMapCarrier)
		require.NoError(t, InjectHeaders(ctx, child, out))

		tc := extractTraceContext(out, trustAll())
		assert.True(t, tc.adopted)
		assert.Equal(t, child.TraceID(), tc.traceID)
		assert.Equal(t, child.ParentID(), tc.parentID)
		assert.Equal(t, child.SpanID(), tc.spanID)
		assert.Equal(t, SamplingKept, tc.sampled)
		assert.Equal(t, FlagDebug, tc.flags)
		assert.Equal(t, []byte("edge"), tc.edgeContext)
	})

	t.Run("undecided-omits-sampled", func(t *testing.T) {
		s := newTestSpan("server")
		out := make(TextMapCarrier)
		require.NoError(t, InjectHeaders(nil, s, out))
		_, ok := out[SampledHeader]
		assert.False(t, ok)
		_, ok = out[FlagsHeader]
		assert.False(t, ok)
		_, ok = out[EdgeContextHeader]
		assert.False(t, ok)
	})

	t.Run("dropped-sends-zero", func(t *testing.T) {
		s := newTestSpan("server")
		s.SetSampled(SamplingDropped)
		out := make(TextMapCarrier)
		require.NoError(t, InjectHeaders(nil, s, out))
		assert.Equal(t, "0", out[SampledHeader])
	})

	t.Run("empty-edge-preserved", func(t *testing.T) {
		ctx := NewRequestContext()
		ctx.SetEdgeContext(nil)
		s := newTestSpan("server")
		out := make(TextMapCarrier)
		require.NoError(t, InjectHeaders(ctx, s, out))
		v, ok := out[EdgeContextHeader]
		assert.True(t, ok)
		assert.Empty(t, v)
	})

	t.Run("nil-carrier", func(t *testing.T) {
		s := newTestSpan("server")
		assert.ErrorIs(t, InjectHeaders(nil, s, nil), ErrInvalidCarrier)
	})

	t.Run("http-headers", func(t *testing.T) {
		s := newTestSpan("server")
		h := make(http.Header)
		require.NoError(t, InjectHeaders(nil, s, HTTPHeadersCarrier(h)))
		assert.NotEmpty(t, h.Get(TraceIDHeader))
		assert.Equal(t, "0", h.Get(ParentIDHeader))
	})
}
