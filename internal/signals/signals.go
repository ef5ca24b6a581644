// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

// Package signals wires process signals to the behaviors Bedrock daemons
// share: graceful shutdown on SIGINT, SIGTERM and SIGUSR2, and an
// all-goroutine stack dump on SIGUSR1 for live debugging.
package signals

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/bedrock-io/bedrock/internal/log"
)

// NotifyShutdown returns a copy of parent cancelled on the first SIGINT,
// SIGTERM or SIGUSR2, and installs a SIGUSR1 handler dumping all goroutine
// stacks to stderr. The returned stop function releases both handlers.
func NotifyShutdown(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	dump := make(chan os.Signal, 1)
	signal.Notify(dump, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case sig := <-shutdown:
				log.Debug("received %v, shutting down", sig)
				signal.Stop(shutdown)
				signal.Stop(dump)
				cancel()
				return
			case <-dump:
				os.Stderr.Write(allStacks())
			case <-ctx.Done():
				signal.Stop(shutdown)
				signal.Stop(dump)
				return
			}
		}
	}()

	return ctx, cancel
}

// allStacks collects the stack traces of every goroutine, growing the buffer
// until the dump fits.
func allStacks() []byte {
	buf := make([]byte, 1<<16)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}
