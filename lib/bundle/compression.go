// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package bundle

import (
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var ErrSizeMismatch = errors.New("decompressed size mismatch")

// DecoderPool is a fixed size pool of zstd decoders. The pool size bounds
// the number of concurrent decompressions; Decompress blocks while every
// decoder is checked out.
type DecoderPool struct {
	decoders chan *zstd.Decoder
}

func NewDecoderPool(size int) *DecoderPool {
	if size < 1 {
		size = 1
	}
	p := &DecoderPool{decoders: make(chan *zstd.Decoder, size)}
	for i := 0; i < size; i++ {
		// Decoders are created on first use.
		p.decoders <- nil
	}
	return p
}

// Decompress decodes src into dst, which is reused if it has room. The
// result must be exactly size bytes long; decoding stops with
// ErrSizeMismatch as soon as the output would exceed size.
func (p *DecoderPool) Decompress(ctx context.Context, dst, src []byte, size int) ([]byte, error) {
	var dec *zstd.Decoder
	select {
	case dec = <-p.decoders:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.decoders <- dec }()

	if dec == nil {
		var err error
		dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true), zstd.WithDecodeAllCapLimit(true))
		if err != nil {
			return nil, err
		}
	}

	// The decoder never grows the output past its capacity.
	if cap(dst) < size {
		dst = make([]byte, 0, size)
	}
	out, err := dec.DecodeAll(src, dst[:0:size])
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrSizeMismatch, size)
	}
	if err != nil {
		return nil, err
	}
	if len(out) != size {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrSizeMismatch, len(out), size)
	}
	return out, nil
}

// Size returns the number of decoders in the pool.
func (p *DecoderPool) Size() int {
	return cap(p.decoders)
}

// Close releases the pool's decoders. It must not be called while a
// decompression is in progress.
func (p *DecoderPool) Close() {
	for i := 0; i < cap(p.decoders); i++ {
		if dec := <-p.decoders; dec != nil {
			dec.Close()
		}
		p.decoders <- nil
	}
}
