// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package tracing

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

const (
	// DefaultSampleRate is the fraction of requests without an upstream
	// sampling decision that are traced.
	DefaultSampleRate = 0.1

	// DefaultMaxQueueSize is the depth of the in-process record queue.
	DefaultMaxQueueSize = 50000

	// SidecarMaxQueueSize is the in-process queue depth used when records
	// are forwarded to the sidecar message queue.
	SidecarMaxQueueSize = 102400

	// DefaultNumWorkers is the number of recorder worker goroutines.
	DefaultNumWorkers = 5

	// DefaultBatchInterval is the recorder idle-flush interval.
	DefaultBatchInterval = 500 * time.Millisecond

	// DefaultMaxSpanBatch is the maximum number of records flushed at once.
	DefaultMaxSpanBatch = 100

	// MaxSidecarMessageSize is the largest serialized record accepted by
	// the sidecar message queue. Larger records are dropped with an error.
	MaxSidecarMessageSize = 102400

	// SidecarQueueMaxMessages is the depth of the inter-process span queue.
	SidecarQueueMaxMessages = 10000
)

// config holds the tracing observer configuration.
type config struct {
	// serviceName specifies the name stamped on every span's endpoint.
	serviceName string

	// sampleRate specifies the fraction of unsampled requests that are
	// traced, in [0, 1].
	sampleRate float64

	// collectorAddr specifies the host:port the remote recorder POSTs to.
	// When empty, no remote recorder is used.
	collectorAddr string

	// queueName specifies the sidecar queue identifier; records are written
	// to the message queue "/traces-<queueName>". When empty, no sidecar
	// recorder is used.
	queueName string

	// maxQueueSize is the in-process record queue depth.
	maxQueueSize int

	// numWorkers is the recorder worker count.
	numWorkers int

	// batchInterval is the recorder idle-flush interval.
	batchInterval time.Duration

	// maxSpanBatch is the maximum number of records per flush.
	maxSpanBatch int

	// logIfUnconfigured selects the logging recorder over the null recorder
	// when neither a collector endpoint nor a queue name is set.
	logIfUnconfigured bool

	// statsd counts drops and flushes.
	statsd statsd.ClientInterface

	// recorder overrides recorder selection entirely; used in tests.
	recorder Recorder
}

// Option configures the tracing observer.
type Option func(*config)

func defaults(c *config) {
	c.sampleRate = DefaultSampleRate
	c.maxQueueSize = DefaultMaxQueueSize
	c.numWorkers = DefaultNumWorkers
	c.batchInterval = DefaultBatchInterval
	c.maxSpanBatch = DefaultMaxSpanBatch
	c.logIfUnconfigured = true
	c.statsd = &statsd.NoOpClient{}
}

// WithServiceName sets the service name resolved into every record's
// endpoint. It is required.
func WithServiceName(name string) Option {
	return func(c *config) {
		c.serviceName = name
	}
}

// WithSampleRate sets the fraction of requests without an upstream decision
// that are traced. Values are clamped to [0, 1].
func WithSampleRate(rate float64) Option {
	return func(c *config) {
		if rate < 0 {
			rate = 0
		}
		if rate > 1 {
			rate = 1
		}
		c.sampleRate = rate
	}
}

// WithCollectorEndpoint makes the observer POST record batches to the
// collector at the given host:port.
func WithCollectorEndpoint(addr string) Option {
	return func(c *config) {
		c.collectorAddr = addr
	}
}

// WithQueueName makes the observer forward records to the inter-process
// message queue "/traces-<name>" drained by the sidecar publisher.
func WithQueueName(name string) Option {
	return func(c *config) {
		c.queueName = name
	}
}

// WithMaxQueueSize sets the in-process record queue depth.
func WithMaxQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxQueueSize = n
		}
	}
}

// WithNumWorkers sets the recorder worker count.
func WithNumWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.numWorkers = n
		}
	}
}

// WithBatchInterval sets the recorder idle-flush interval.
func WithBatchInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.batchInterval = d
		}
	}
}

// WithMaxSpanBatch sets the maximum number of records per flush.
func WithMaxSpanBatch(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxSpanBatch = n
		}
	}
}

// WithLogIfUnconfigured selects between the logging recorder (true) and the
// null recorder (false) when no collector endpoint or queue name is set.
func WithLogIfUnconfigured(enabled bool) Option {
	return func(c *config) {
		c.logIfUnconfigured = enabled
	}
}

// WithStatsdClient sets the statsd client used for drop and flush counters.
func WithStatsdClient(client statsd.ClientInterface) Option {
	return func(c *config) {
		if client != nil {
			c.statsd = client
		}
	}
}

// WithRecorder overrides recorder selection with the given recorder.
func WithRecorder(r Recorder) Option {
	return func(c *config) {
		c.recorder = r
	}
}
