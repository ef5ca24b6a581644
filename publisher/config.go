// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package publisher

import (
	"fmt"
	"time"

	"github.com/bedrock-io/bedrock/config"
)

// SidecarConfig is the configuration of one trace-publisher instance, read
// from the "trace-publisher:<queue_name>" section.
type SidecarConfig struct {
	// QueueName identifies the inter-process queue "/traces-<QueueName>".
	QueueName string

	// ZipkinAPIURL is the collector base URL; batches are POSTed to
	// <ZipkinAPIURL>/spans.
	ZipkinAPIURL string

	// PostTimeout bounds each POST.
	PostTimeout time.Duration

	// MaxBatchSize is the batch byte-size limit.
	MaxBatchSize int

	// RetryLimit is the number of attempts per batch.
	RetryLimit int

	// BatchAge is the batch age limit.
	BatchAge time.Duration
}

// SidecarConfigFrom reads the trace-publisher section for queueName.
func SidecarConfigFrom(c config.Config, queueName string) (SidecarConfig, error) {
	prefix := "trace-publisher:" + queueName + "."

	sc := SidecarConfig{QueueName: queueName}
	sc.ZipkinAPIURL = c.String(prefix+"zipkin_api_url", "")
	if sc.ZipkinAPIURL == "" {
		return sc, fmt.Errorf("publisher: %szipkin_api_url is required", prefix)
	}
	var err error
	if sc.PostTimeout, err = c.Duration(prefix+"post_timeout", DefaultPostTimeout); err != nil {
		return sc, err
	}
	if sc.MaxBatchSize, err = c.Int(prefix+"max_batch_size", DefaultMaxBatchBytes); err != nil {
		return sc, err
	}
	if sc.RetryLimit, err = c.Int(prefix+"retry_limit", DefaultRetryLimit); err != nil {
		return sc, err
	}
	if sc.BatchAge, err = c.Duration(prefix+"batch_age", DefaultBatchAge); err != nil {
		return sc, err
	}
	return sc, nil
}
