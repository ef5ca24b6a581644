// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package tracing

import (
	"fmt"

	bpconfig "github.com/bedrock-io/bedrock/config"
)

// NewFromConfig builds a tracing observer from the flat configuration keys
// of the [tracing] section:
//
//	tracing.service_name          required
//	tracing.sample_rate           percent or float in [0, 1], default 0.1
//	tracing.endpoint              host:port of the collector, optional
//	tracing.queue_name            sidecar queue identifier, optional
//	tracing.max_span_queue_size   default 50000
//	tracing.num_span_workers      default 5
//	tracing.span_batch_interval   default 0.5s
//	tracing.log_if_unconfigured   default true
//
// Extra options are applied after the configuration-derived ones.
func NewFromConfig(c bpconfig.Config, extra ...Option) (*Observer, error) {
	name := c.String("tracing.service_name", "")
	if name == "" {
		return nil, fmt.Errorf("tracing: tracing.service_name is required")
	}
	rate, err := c.Percent("tracing.sample_rate", DefaultSampleRate)
	if err != nil {
		return nil, err
	}
	queueSize, err := c.Int("tracing.max_span_queue_size", DefaultMaxQueueSize)
	if err != nil {
		return nil, err
	}
	workers, err := c.Int("tracing.num_span_workers", DefaultNumWorkers)
	if err != nil {
		return nil, err
	}
	interval, err := c.Duration("tracing.span_batch_interval", DefaultBatchInterval)
	if err != nil {
		return nil, err
	}
	logUnconfigured, err := c.Bool("tracing.log_if_unconfigured", true)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithServiceName(name),
		WithSampleRate(rate),
		WithMaxQueueSize(queueSize),
		WithNumWorkers(workers),
		WithBatchInterval(interval),
		WithLogIfUnconfigured(logUnconfigured),
	}
	if addr := c.String("tracing.endpoint", ""); addr != "" {
		opts = append(opts, WithCollectorEndpoint(addr))
	}
	if queue := c.String("tracing.queue_name", ""); queue != "" {
		opts = append(opts, WithQueueName(queue))
	}
	opts = append(opts, extra...)
	return New(opts...)
}
