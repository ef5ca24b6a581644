// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package bedrock

import (
	cryptorand "crypto/rand"
	"math"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bedrock-io/bedrock/internal/log"
)

var (
	random   randT
	warnOnce sync.Once
	seedSeq  int64
	randPool = sync.Pool{
		New: func() interface{} {
			var seed int64
			n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(math.MaxInt64))
			if err == nil {
				seed = n.Int64()
			} else {
				warnOnce.Do(func() {
					log.Warn("cannot generate random seed: %v; using current time", err)
				})
				seed = time.Now().UnixNano()
			}
			// seedSeq makes sure we don't create two generators with the same seed
			// by accident.
			return rand.New(rand.NewSource(seed + atomic.AddInt64(&seedSeq, 1)))
		},
	}
)

type randT struct{}

// Uint64 returns a random number. It's optimized for concurrent access.
func (randT) Uint64() uint64 {
	r := randPool.Get().(*rand.Rand)
	// Trace and span identifiers stay within 63 bits so that downstream
	// consumers which parse them into signed integers do not overflow.
	v := uint64(r.Int63())
	randPool.Put(r)
	return v
}

// newID returns a fresh random identifier suitable for use as a trace or
// span ID. It is never zero.
func newID() uint64 {
	for {
		if v := random.Uint64(); v != 0 {
			return v
		}
	}
}
