// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

//go:build !linux

package mq

import "time"

type queueHandle struct{}

func openQueue(string, int, int) (queueHandle, error) {
	return queueHandle{}, ErrNotSupported
}

func unlinkQueue(string) error { return ErrNotSupported }

func (queueHandle) put([]byte, time.Duration) error { return ErrNotSupported }

func (queueHandle) get(time.Duration) ([]byte, error) { return nil, ErrNotSupported }

func (queueHandle) close() error { return ErrNotSupported }
