// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package tracing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/bedrock-io/bedrock/internal/log"
	"github.com/bedrock-io/bedrock/internal/version"
)

// Recorder consumes serialized span records and forwards them to their
// destination. Record must never block and must never propagate a failure
// to the request path; Stop drains pending records and releases workers.
type Recorder interface {
	Record(rec *Record)
	Stop()
}

// NewNullRecorder returns a recorder that drops every record.
func NewNullRecorder() Recorder { return nullRecorder{} }

type nullRecorder struct{}

func (nullRecorder) Record(*Record) {}
func (nullRecorder) Stop()          {}

// NewLoggingRecorder returns a recorder that writes each record to the
// debug log.
func NewLoggingRecorder() Recorder { return loggingRecorder{} }

type loggingRecorder struct{}

func (loggingRecorder) Record(rec *Record) {
	if !log.DebugEnabled() {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		log.Error("tracing.encode", "cannot encode span record: %v", err)
		return
	}
	log.Debug("span: %s", b)
}

func (loggingRecorder) Stop() {}

// queueRecorder is the shared machinery of the remote and sidecar
// recorders: a bounded in-process queue drained by a fixed pool of workers.
// Offers beyond capacity are dropped with a warning and a metric so that the
// request path never blocks on tracing.
type queueRecorder struct {
	in       chan *Record
	exit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	maxBatch int
	interval time.Duration
	statsd   statsd.ClientInterface

	// flush sends one batch to the destination. It runs on worker
	// goroutines only and may do I/O; failures are its own to log.
	flush func(batch []*Record)
}

func newQueueRecorder(c *config, size int, flush func([]*Record)) *queueRecorder {
	r := &queueRecorder{
		in:       make(chan *Record, size),
		exit:     make(chan struct{}),
		maxBatch: c.maxSpanBatch,
		interval: c.batchInterval,
		statsd:   c.statsd,
		flush:    flush,
	}
	for i := 0; i < c.numWorkers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Record offers the record to the queue without blocking.
func (r *queueRecorder) Record(rec *Record) {
	select {
	case r.in <- rec:
	default:
		log.Warn("span queue full, dropping record for trace %d", rec.TraceID)
		_ = r.statsd.Incr("bedrock.tracing.records_dropped", []string{"reason:queue_full"}, 1)
	}
}

// Stop drains pending records and waits for the workers to exit.
func (r *queueRecorder) Stop() {
	r.stopOnce.Do(func() { close(r.exit) })
	r.wg.Wait()
}

func (r *queueRecorder) worker() {
	defer r.wg.Done()
	tick := time.NewTicker(r.interval)
	defer tick.Stop()

	batch := make([]*Record, 0, r.maxBatch)
	for {
		select {
		case rec := <-r.in:
			batch = append(batch, rec)
			if len(batch) >= r.maxBatch {
				r.safeFlush(batch)
				batch = batch[:0]
			}

		case <-tick.C:
			if len(batch) > 0 {
				r.safeFlush(batch)
				batch = batch[:0]
			}

		case <-r.exit:
			// drain whatever is left before exiting
			for {
				select {
				case rec := <-r.in:
					batch = append(batch, rec)
					if len(batch) >= r.maxBatch {
						r.safeFlush(batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						r.safeFlush(batch)
					}
					return
				}
			}
		}
	}
}

// safeFlush isolates workers from flush panics; a failing destination must
// not crash the worker pool.
func (r *queueRecorder) safeFlush(batch []*Record) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("tracing.flush", "panic flushing %d records: %v", len(batch), p)
		}
	}()
	r.flush(batch)
}

// NewRemoteRecorder returns a recorder that batches records and POSTs them
// as a JSON array to http://<addr>/api/v1/spans with a short timeout.
func NewRemoteRecorder(addr string, opts ...Option) Recorder {
	c := new(config)
	defaults(c)
	for _, opt := range opts {
		opt(c)
	}
	return newRemoteRecorder(addr, c)
}

func newRemoteRecorder(addr string, c *config) Recorder {
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:    100,
			IdleConnTimeout: 90 * time.Second,
		},
		Timeout: time.Second,
	}
	url := fmt.Sprintf("http://%s/api/v1/spans", addr)
	st := c.statsd
	flush := func(batch []*Record) {
		body, err := json.Marshal(batch)
		if err != nil {
			log.Error("tracing.encode", "cannot encode span batch: %v", err)
			return
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			log.Error("tracing.upload", "cannot create collector request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "bedrock-go/"+version.Tag)
		resp, err := client.Do(req)
		if err != nil {
			log.Error("tracing.upload", "cannot send %d records to collector: %v", len(batch), err)
			_ = st.Incr("bedrock.tracing.upload_failed", nil, 1)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			log.Error("tracing.upload", "collector rejected %d records: %s", len(batch), resp.Status)
			_ = st.Incr("bedrock.tracing.upload_failed", nil, 1)
			return
		}
		_ = st.Count("bedrock.tracing.records_published", int64(len(batch)), nil, 1)
	}
	return newQueueRecorder(c, c.maxQueueSize, flush)
}

// MessageQueue is the subset of the mq package used by the sidecar
// recorder. Put must honor a zero timeout as a non-blocking offer.
type MessageQueue interface {
	Put(msg []byte, timeout time.Duration) error
	Close() error
}

// NewSidecarRecorder returns a recorder that serializes each record to JSON
// and offers it to the inter-process queue without blocking. Records are
// dropped with a warning when the queue is full, and with an error when
// they exceed MaxSidecarMessageSize.
func NewSidecarRecorder(q MessageQueue, opts ...Option) Recorder {
	c := new(config)
	defaults(c)
	c.maxQueueSize = SidecarMaxQueueSize
	for _, opt := range opts {
		opt(c)
	}
	return newSidecarRecorder(q, c)
}

func newSidecarRecorder(q MessageQueue, c *config) Recorder {
	st := c.statsd
	flush := func(batch []*Record) {
		for _, rec := range batch {
			msg, err := json.Marshal(rec)
			if err != nil {
				log.Error("tracing.encode", "cannot encode span record: %v", err)
				continue
			}
			if len(msg) > MaxSidecarMessageSize {
				log.Error("tracing.sidecar", "record for trace %d exceeds %d bytes, dropping", rec.TraceID, MaxSidecarMessageSize)
				_ = st.Incr("bedrock.tracing.records_dropped", []string{"reason:too_large"}, 1)
				continue
			}
			if err := q.Put(msg, 0); err != nil {
				log.Warn("sidecar queue rejected record for trace %d: %v", rec.TraceID, err)
				_ = st.Incr("bedrock.tracing.records_dropped", []string{"reason:sidecar_full"}, 1)
			}
		}
	}
	return &sidecarRecorder{
		queueRecorder: newQueueRecorder(c, c.maxQueueSize, flush),
		q:             q,
	}
}

type sidecarRecorder struct {
	*queueRecorder
	q MessageQueue
}

func (r *sidecarRecorder) Stop() {
	r.queueRecorder.Stop()
	if err := r.q.Close(); err != nil {
		log.Warn("cannot close sidecar queue: %v", err)
	}
}
