// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package publisher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bedrock-io/bedrock/mq"
)

// collectorStub counts requests and replies with a scripted status sequence,
// repeating the last status once the script runs out.
type collectorStub struct {
	mu       sync.Mutex
	statuses []int
	bodies   [][]byte
	requests int
}

func (c *collectorStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		i := c.requests
		if i >= len(c.statuses) {
			i = len(c.statuses) - 1
		}
		status := c.statuses[i]
		c.requests++
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *collectorStub) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func newTestPublisher(t *testing.T, statuses ...int) (*Publisher, *collectorStub) {
	t.Helper()
	stub := &collectorStub{statuses: statuses}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	p := New(srv.URL, WithRetryLimit(3), WithPollTimeout(time.Millisecond))
	p.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return p, stub
}

func TestPublish(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		p, stub := newTestPublisher(t, http.StatusAccepted)
		require.NoError(t, p.Publish([]byte(`[{"id":1}]`), 1))
		assert.Equal(t, 1, stub.count())
		assert.Equal(t, `[{"id":1}]`, string(stub.bodies[0]))
	})

	t.Run("retries-5xx", func(t *testing.T) {
		p, stub := newTestPublisher(t,
			http.StatusServiceUnavailable,
			http.StatusServiceUnavailable,
			http.StatusOK,
		)
		require.NoError(t, p.Publish([]byte(`[]`), 0))
		assert.Equal(t, 3, stub.count())
	})

	t.Run("exhausted-retries-drop", func(t *testing.T) {
		p, stub := newTestPublisher(t, http.StatusServiceUnavailable)
		// dropped after the retry budget, not surfaced to the loop
		require.NoError(t, p.Publish([]byte(`[]`), 0))
		assert.Equal(t, 4, stub.count()) // initial attempt plus three retries
	})

	t.Run("unprocessable-drops-without-retry", func(t *testing.T) {
		p, stub := newTestPublisher(t, http.StatusUnprocessableEntity)
		require.NoError(t, p.Publish([]byte(`[]`), 0))
		assert.Equal(t, 1, stub.count())
	})

	t.Run("other-4xx-is-fatal", func(t *testing.T) {
		p, stub := newTestPublisher(t, http.StatusBadRequest)
		err := p.Publish([]byte(`[]`), 0)
		require.Error(t, err)
		assert.Equal(t, 1, stub.count())

		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		assert.True(t, serr.Fatal())
	})
}

func TestStatusErrorFatal(t *testing.T) {
	assert.True(t, (&StatusError{Code: http.StatusBadRequest}).Fatal())
	assert.True(t, (&StatusError{Code: http.StatusNotFound}).Fatal())
	assert.False(t, (&StatusError{Code: http.StatusUnprocessableEntity}).Fatal())
	assert.False(t, (&StatusError{Code: http.StatusInternalServerError}).Fatal())
	assert.False(t, (&StatusError{Code: http.StatusOK}).Fatal())
}

// scriptedQueue hands out its messages one Get at a time, then times out.
type scriptedQueue struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (q *scriptedQueue) Get(timeout time.Duration) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return nil, mq.ErrTimedOut
	}
	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	return msg, nil
}

func TestRunDrainsOnShutdown(t *testing.T) {
	p, stub := newTestPublisher(t, http.StatusOK)
	p.drainWait = time.Millisecond

	q := &scriptedQueue{msgs: [][]byte{[]byte(`{"id":1}`), []byte(`{"id":2}`)}}
	batch := NewBatch(DefaultMaxBatchBytes, DefaultBatchAge)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // shutdown already requested; Run must still drain the queue

	require.NoError(t, p.Run(ctx, q, batch))
	require.Equal(t, 1, stub.count())
	assert.Equal(t, `[{"id":1},{"id":2}]`, string(stub.bodies[0]))
}

func TestRunPublishesOnBatchAge(t *testing.T) {
	p, stub := newTestPublisher(t, http.StatusOK)
	p.drainWait = time.Millisecond

	q := &scriptedQueue{msgs: [][]byte{[]byte(`{"id":1}`)}}
	batch := NewBatch(DefaultMaxBatchBytes, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx, q, batch))
	require.GreaterOrEqual(t, stub.count(), 1)
	assert.Equal(t, `[{"id":1}]`, string(stub.bodies[0]))
}

func TestRunPublishesWhenBatchFills(t *testing.T) {
	p, stub := newTestPublisher(t, http.StatusOK)
	p.drainWait = time.Millisecond

	// two items of cost 9 fill an 18-byte batch; the third triggers a publish
	q := &scriptedQueue{msgs: [][]byte{
		[]byte(`{"id":1}`), []byte(`{"id":2}`), []byte(`{"id":3}`),
	}}
	batch := NewBatch(18, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx, q, batch))
	require.Equal(t, 2, stub.count())
	assert.Equal(t, `[{"id":1},{"id":2}]`, string(stub.bodies[0]))
	assert.Equal(t, `[{"id":3}]`, string(stub.bodies[1]))
}

func TestRunDropsRecordExceedingBatchLimit(t *testing.T) {
	p, stub := newTestPublisher(t, http.StatusOK)
	p.drainWait = time.Millisecond

	// the first record cannot fit in any batch; the loop drops it and
	// carries on with the next record
	q := &scriptedQueue{msgs: [][]byte{
		[]byte(`{"id":1,"blob":"xxxxxxxxxxxxxxxxxxxxxxxx"}`),
		[]byte(`{"id":2}`),
	}}
	batch := NewBatch(16, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx, q, batch))
	require.Equal(t, 1, stub.count())
	assert.Equal(t, `[{"id":2}]`, string(stub.bodies[0]))
}

func TestRunStopsOnFatalResponse(t *testing.T) {
	p, stub := newTestPublisher(t, http.StatusBadRequest)
	p.drainWait = time.Millisecond

	q := &scriptedQueue{msgs: [][]byte{[]byte(`{"id":1}`)}}
	batch := NewBatch(DefaultMaxBatchBytes, DefaultBatchAge)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, p.Run(ctx, q, batch))
	assert.Equal(t, 1, stub.count())
}
