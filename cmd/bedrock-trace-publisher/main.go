// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

// bedrock-trace-publisher is the sidecar draining one service's span queue
// and forwarding batches to the tracing collector. It runs next to the
// instrumented service, one instance per queue.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bedrock-io/bedrock/config"
	"github.com/bedrock-io/bedrock/internal/log"
	"github.com/bedrock-io/bedrock/internal/signals"
	"github.com/bedrock-io/bedrock/mq"
	"github.com/bedrock-io/bedrock/publisher"
	"github.com/bedrock-io/bedrock/tracing"
)

func main() {
	configPath := pflag.String("config", "", "path to the INI configuration file")
	queueName := pflag.String("queue-name", "main", "name of the span queue to drain")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	if *debug {
		log.SetLevel(log.LevelDebug)
	}

	if err := run(*configPath, *queueName); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, queueName string) error {
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}
	if queueName == "" {
		return fmt.Errorf("--queue-name must not be empty")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	sc, err := publisher.SidecarConfigFrom(cfg, queueName)
	if err != nil {
		return err
	}

	queue, err := mq.Open(
		fmt.Sprintf("/traces-%s", sc.QueueName),
		tracing.SidecarQueueMaxMessages,
		tracing.MaxSidecarMessageSize,
	)
	if err != nil {
		return fmt.Errorf("opening span queue: %w", err)
	}
	defer queue.Close()

	pub := publisher.New(sc.ZipkinAPIURL,
		publisher.WithPostTimeout(sc.PostTimeout),
		publisher.WithRetryLimit(sc.RetryLimit),
	)
	batch := publisher.NewBatch(sc.MaxBatchSize, sc.BatchAge)

	ctx, cancel := signals.NotifyShutdown(context.Background())
	defer cancel()

	log.Debug("publishing spans from queue %q to %s", sc.QueueName, sc.ZipkinAPIURL)
	err = pub.Run(ctx, queue, batch)
	log.Flush()
	return err
}
