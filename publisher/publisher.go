// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

// Package publisher implements the span-publishing sidecar: it drains the
// inter-process span queue, batches records by size and age, and POSTs them
// to the tracing collector with bounded retry. The queue provides
// back-pressure; the request path of the instrumented service is never
// blocked by publishing.
package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/cenkalti/backoff/v4"

	"github.com/bedrock-io/bedrock/internal/log"
	"github.com/bedrock-io/bedrock/internal/version"
	"github.com/bedrock-io/bedrock/mq"
)

const (
	// DefaultMaxBatchBytes is the batch byte-size limit.
	DefaultMaxBatchBytes = 500 * 1024

	// DefaultBatchAge is the batch age limit.
	DefaultBatchAge = time.Second

	// DefaultRetryLimit is the number of attempts per batch.
	DefaultRetryLimit = 10

	// DefaultPostTimeout is the timeout of one POST to the collector.
	DefaultPostTimeout = 3 * time.Second

	// DefaultPollTimeout is how long one queue poll waits for a message
	// before checking the batch age.
	DefaultPollTimeout = 200 * time.Millisecond

	// DefaultDrainTimeout bounds the final queue drain during shutdown.
	DefaultDrainTimeout = time.Second
)

// StatusError reports a non-2xx collector response.
type StatusError struct {
	Code int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("collector returned status %d", e.Code)
}

// Fatal reports whether the response demands operator intervention: any 4xx
// other than 422. A 422 drops the batch; 5xx and transport errors retry.
func (e *StatusError) Fatal() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusUnprocessableEntity
}

// Queue is the consumer side of the inter-process span queue.
type Queue interface {
	Get(timeout time.Duration) ([]byte, error)
}

// Publisher posts batches of span records to the tracing collector.
type Publisher struct {
	url         string
	client      *http.Client
	retryLimit  uint64
	pollTimeout time.Duration
	drainWait   time.Duration
	statsd      statsd.ClientInterface

	// newBackOff builds the per-batch retry policy; replaced in tests to
	// avoid real backoff waits.
	newBackOff func() backoff.BackOff
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithPostTimeout bounds each POST to the collector.
func WithPostTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

// WithRetryLimit sets the number of attempts per batch.
func WithRetryLimit(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.retryLimit = uint64(n)
		}
	}
}

// WithPollTimeout sets how long one queue poll waits before the batch age
// is checked.
func WithPollTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.pollTimeout = d
		}
	}
}

// WithDrainTimeout bounds the final queue drain during shutdown.
func WithDrainTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.drainWait = d
		}
	}
}

// WithStatsdClient sets the statsd client used for publish counters.
func WithStatsdClient(client statsd.ClientInterface) Option {
	return func(p *Publisher) {
		if client != nil {
			p.statsd = client
		}
	}
}

// New returns a publisher POSTing to <collectorBase>/spans.
func New(collectorBase string, opts ...Option) *Publisher {
	p := &Publisher{
		url: collectorBase + "/spans",
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
			},
			Timeout: DefaultPostTimeout,
		},
		retryLimit:  DefaultRetryLimit,
		pollTimeout: DefaultPollTimeout,
		drainWait:   DefaultDrainTimeout,
		statsd:      &statsd.NoOpClient{},
	}
	p.newBackOff = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		bo.MaxInterval = 10 * time.Second
		bo.MaxElapsedTime = 0 // bounded by the retry count, not wall time
		return bo
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish posts one serialized batch, retrying transient failures with
// capped exponential backoff up to the retry limit. It returns an error
// only for fatal responses (4xx other than 422); soft failures and
// exhausted retries are logged, counted, and dropped so the caller can
// proceed with the next batch.
func (p *Publisher) Publish(payload []byte, count int) error {
	attempt := func() error {
		req, err := http.NewRequest(http.MethodPost, p.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "bedrock-trace-publisher/"+version.Tag)
		resp, err := p.client.Do(req)
		if err != nil {
			return err // transport failure, retry
		}
		resp.Body.Close()
		code := resp.StatusCode
		switch {
		case code >= 200 && code < 300:
			return nil
		case code >= 400 && code < 500:
			// no point retrying a request the collector won't ever take
			return backoff.Permanent(&StatusError{Code: code})
		default:
			return &StatusError{Code: code} // 5xx, retry
		}
	}

	err := backoff.Retry(attempt, backoff.WithMaxRetries(p.newBackOff(), p.retryLimit))
	if err == nil {
		_ = p.statsd.Count("bedrock.publisher.records_published", int64(count), nil, 1)
		return nil
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		if serr.Fatal() {
			return fmt.Errorf("publisher: fatal collector response: %w", serr)
		}
		if serr.Code == http.StatusUnprocessableEntity {
			log.Warn("collector rejected batch of %d records (422), dropping", count)
			_ = p.statsd.Incr("bedrock.publisher.batches_dropped", []string{"reason:rejected"}, 1)
			return nil
		}
	}
	log.Error("publisher.upload", "retries exhausted, dropping batch of %d records: %v", count, err)
	_ = p.statsd.Incr("bedrock.publisher.batches_dropped", []string{"reason:retry_exhausted"}, 1)
	return nil
}

// Run drains the queue into the batch, publishing whenever the batch fills
// by size or age. It returns on a fatal publish error, or when ctx is
// cancelled after a final bounded drain of the queue.
func (p *Publisher) Run(ctx context.Context, q Queue, batch *Batch) error {
	for {
		select {
		case <-ctx.Done():
			return p.drain(q, batch)
		default:
		}

		msg, err := q.Get(p.pollTimeout)
		switch {
		case errors.Is(err, mq.ErrTimedOut):
			if batch.Expired() {
				if err := p.publishBatch(batch); err != nil {
					return err
				}
			}
		case err != nil:
			return fmt.Errorf("publisher: queue read: %w", err)
		default:
			if err := p.add(batch, msg); err != nil {
				return err
			}
		}
	}
}

// add appends msg to the batch, publishing first when the batch is full. A
// message too large for even an empty batch is dropped with an error.
func (p *Publisher) add(batch *Batch, msg []byte) error {
	if err := batch.Add(msg); err == nil {
		return nil
	}
	if err := p.publishBatch(batch); err != nil {
		return err
	}
	if err := batch.Add(msg); err != nil {
		log.Error("publisher.batch", "record of %d bytes exceeds batch limit, dropping", len(msg))
		_ = p.statsd.Incr("bedrock.publisher.records_dropped", []string{"reason:too_large"}, 1)
	}
	return nil
}

func (p *Publisher) publishBatch(batch *Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	err := p.Publish(batch.Serialize(), batch.Len())
	batch.Reset()
	return err
}

// drain empties the queue with a short timeout and publishes everything
// that is left, so a shutdown signal loses no records that already made it
// into the queue.
func (p *Publisher) drain(q Queue, batch *Batch) error {
	log.Debug("draining span queue before exit")
	for {
		msg, err := q.Get(p.drainWait)
		if errors.Is(err, mq.ErrTimedOut) {
			break
		}
		if err != nil {
			log.Error("publisher.drain", "queue read during drain: %v", err)
			break
		}
		if err := p.add(batch, msg); err != nil {
			return err
		}
	}
	return p.publishBatch(batch)
}
