// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package bundle

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BufferSizes are the capacities of pooled buffers.
var BufferSizes = []int{64 << 10, 256 << 10, 1 << 20, 4 << 20, 16 << 20}

const MaxBufferSize = 16 << 20

// BufferPool is the global pool chunk payloads are read and decompressed
// into.
var BufferPool = newBufferPool()

type bufferPool struct {
	puts   atomic.Int64
	skips  atomic.Int64
	misses atomic.Int64
	pools  []sync.Pool
	hits   []atomic.Int64
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		pools: make([]sync.Pool, len(BufferSizes)),
		hits:  make([]atomic.Int64, len(BufferSizes)),
	}
}

func (p *bufferPool) Get(size int) []byte {
	// Too big, isn't pooled
	if size > MaxBufferSize {
		p.skips.Add(1)
		return make([]byte, size)
	}

	// Try the fitting and all bigger pools
	bkt := getBucketForLen(size)
	for j := bkt; j < len(BufferSizes); j++ {
		if intf := p.pools[j].Get(); intf != nil {
			p.hits[j].Add(1)
			bs := *intf.(*[]byte)
			return bs[:size]
		}
	}

	p.misses.Add(1)
	return make([]byte, BufferSizes[bkt])[:size]
}

// Put makes the given byte slice available again in the global pool.
// Slices of a capacity the pool does not manage are dropped.
func (p *bufferPool) Put(bs []byte) {
	bkt, ok := putBucketForCap(cap(bs))
	if !ok {
		p.skips.Add(1)
		return
	}
	p.puts.Add(1)
	p.pools[bkt].Put(&bs)
}

// Upgrade grows the buffer to the requested size, while attempting to reuse
// it if possible.
func (p *bufferPool) Upgrade(bs []byte, size int) []byte {
	if cap(bs) >= size {
		// Reslicing is enough, lets go!
		return bs[:size]
	}

	// It was too small. But it pack into the pool and try to get another
	// buffer.
	p.Put(bs)
	return p.Get(size)
}

func (p *bufferPool) String() string {
	var hits int64
	for i := range p.hits {
		hits += p.hits[i].Load()
	}
	return fmt.Sprintf("bufferPool{puts=%d, hits=%d, misses=%d, skips=%d}", p.puts.Load(), hits, p.misses.Load(), p.skips.Load())
}

// getBucketForLen returns the bucket where we should get a slice of a
// certain length. Each bucket is guaranteed to hold slices that are
// precisely the buffer size for that bucket, so if the buffer size is
// larger than our size we are good.
func getBucketForLen(len int) int {
	for i, size := range BufferSizes {
		if len <= size {
			return i
		}
	}

	panic(fmt.Sprintf("bug: tried to get impossible buffer len %d", len))
}

// putBucketForCap returns the bucket where we should put a slice of a
// certain capacity.
func putBucketForCap(cap int) (int, bool) {
	for i, size := range BufferSizes {
		if cap == size {
			return i, true
		}
	}
	return 0, false
}
