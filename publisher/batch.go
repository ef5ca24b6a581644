// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package publisher

import (
	"bytes"
	"errors"
	"time"
)

// ErrBatchFull is returned by Batch.Add when accepting the item would
// exceed the batch's byte limit, or when the batch has outlived its age
// limit. The caller publishes the current contents, resets, and re-adds.
var ErrBatchFull = errors.New("publisher: batch full")

// Batch accumulates serialized span records up to a byte-size limit and an
// age limit. Each item contributes len(item)+1 bytes, accounting for the
// comma separator of the final JSON array framing.
type Batch struct {
	maxBytes int
	maxAge   time.Duration

	items    [][]byte
	size     int
	firstAdd time.Time
}

// NewBatch returns an empty batch with the given byte-size and age limits.
// A zero maxAge disables the age limit.
func NewBatch(maxBytes int, maxAge time.Duration) *Batch {
	return &Batch{maxBytes: maxBytes, maxAge: maxAge}
}

// Add appends item to the batch, or returns ErrBatchFull when the byte
// limit or the age limit is exceeded. The byte limit applies to an empty
// batch as well: an item that cannot fit on its own is never accepted.
func (b *Batch) Add(item []byte) error {
	if len(b.items) > 0 && b.maxAge > 0 && time.Since(b.firstAdd) >= b.maxAge {
		return ErrBatchFull
	}
	if b.size+len(item)+1 > b.maxBytes {
		return ErrBatchFull
	}
	if len(b.items) == 0 {
		b.firstAdd = time.Now()
	}
	b.items = append(b.items, item)
	b.size += len(item) + 1
	return nil
}

// Len returns the number of items accumulated.
func (b *Batch) Len() int { return len(b.items) }

// Age returns how long ago the first item was added, or 0 when empty.
func (b *Batch) Age() time.Duration {
	if len(b.items) == 0 {
		return 0
	}
	return time.Since(b.firstAdd)
}

// Expired reports whether the batch holds items older than its age limit.
func (b *Batch) Expired() bool {
	return len(b.items) > 0 && b.maxAge > 0 && time.Since(b.firstAdd) >= b.maxAge
}

// Reset empties the batch.
func (b *Batch) Reset() {
	b.items = b.items[:0]
	b.size = 0
	b.firstAdd = time.Time{}
}

// Serialize frames the accumulated items as a JSON array of records. The
// items are already serialized JSON objects; framing never re-parses them.
func (b *Batch) Serialize() []byte {
	var buf bytes.Buffer
	buf.Grow(b.size + 2)
	buf.WriteByte('[')
	for i, item := range b.items {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(item)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
