// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

// Package mq wraps POSIX message queues: named, kernel-level bounded queues
// with a fixed maximum message size and depth, shared by all processes on
// the host. The tracing recorder produces onto a queue and the sidecar
// publisher consumes from it.
package mq

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrTimedOut is returned when a Put on a full queue or a Get on an
	// empty queue does not complete within the given timeout.
	ErrTimedOut = errors.New("mq: timed out")

	// ErrMessageTooLarge is returned by Put when the message exceeds the
	// queue's maximum message size.
	ErrMessageTooLarge = errors.New("mq: message exceeds maximum message size")

	// ErrInvalidName is returned by Open for queue names that are not an
	// absolute-path-like identifier: a leading slash and no embedded ones.
	ErrInvalidName = errors.New("mq: invalid queue name")

	// ErrNotSupported is returned on platforms without POSIX message
	// queues.
	ErrNotSupported = errors.New("mq: not supported on this platform")
)

// MessageQueue is a handle on a named POSIX message queue. Put and Get are
// safe for concurrent producers and consumers.
type MessageQueue struct {
	name           string
	maxMessageSize int
	h              queueHandle
}

// Open opens the named queue, creating it with the given bounds if it does
// not exist. The name must start with "/" and contain no other slash.
func Open(name string, maxMessages, maxMessageSize int) (*MessageQueue, error) {
	if !strings.HasPrefix(name, "/") || len(name) < 2 || strings.Contains(name[1:], "/") {
		return nil, ErrInvalidName
	}
	if maxMessages <= 0 || maxMessageSize <= 0 {
		return nil, errors.New("mq: max messages and max message size must be positive")
	}
	h, err := openQueue(name, maxMessages, maxMessageSize)
	if err != nil {
		return nil, err
	}
	return &MessageQueue{name: name, maxMessageSize: maxMessageSize, h: h}, nil
}

// Name returns the queue's name in the system namespace.
func (q *MessageQueue) Name() string { return q.name }

// MaxMessageSize returns the largest message the queue accepts.
func (q *MessageQueue) MaxMessageSize() int { return q.maxMessageSize }

// Put enqueues msg. A zero timeout is a non-blocking offer; a negative
// timeout blocks until space is available. ErrTimedOut is returned when the
// queue stays full for the whole timeout.
func (q *MessageQueue) Put(msg []byte, timeout time.Duration) error {
	if len(msg) > q.maxMessageSize {
		return ErrMessageTooLarge
	}
	return q.h.put(msg, timeout)
}

// Get dequeues one message. A zero timeout is a non-blocking poll; a
// negative timeout blocks until a message arrives. ErrTimedOut is returned
// when the queue stays empty for the whole timeout.
func (q *MessageQueue) Get(timeout time.Duration) ([]byte, error) {
	return q.h.get(timeout)
}

// Unlink removes the queue from the system namespace. Existing holders keep
// their handle; the queue is destroyed once the last one closes.
func (q *MessageQueue) Unlink() error {
	return unlinkQueue(q.name)
}

// Close releases this handle.
func (q *MessageQueue) Close() error {
	return q.h.close()
}
