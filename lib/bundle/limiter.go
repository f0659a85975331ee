// Copyright (C) 2017 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package bundle

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const limiterBurstSize = 4 * 128 << 10

// limitedTransport applies one shared receive rate limit to every range
// read through the wrapped transport.
type limitedTransport struct {
	Transport
	limiter *rate.Limiter
}

func newLimitedTransport(t Transport, bytesPerSecond rate.Limit) *limitedTransport {
	return &limitedTransport{
		Transport: t,
		limiter:   rate.NewLimiter(bytesPerSecond, limiterBurstSize),
	}
}

func (t *limitedTransport) FetchRange(ctx context.Context, bundleID uint64, start, end uint64) (io.ReadCloser, error) {
	rc, err := t.Transport.FetchRange(ctx, bundleID, start, end)
	if err != nil {
		return nil, err
	}
	return readCloser{Reader: &limitedReader{ctx: ctx, reader: rc, limiter: t.limiter}, Closer: rc}, nil
}

func (t *limitedTransport) Close() error {
	return Close(t.Transport)
}

// limitedReader is a rate limited io.Reader
type limitedReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter *rate.Limiter
}

func (r *limitedReader) Read(buf []byte) (int, error) {
	n, err := r.reader.Read(buf)
	if werr := take(r.ctx, r.limiter, n); werr != nil && err == nil {
		err = werr
	}
	return n, err
}

// take consumes tokens from the limiter. No call to WaitN can be larger
// than the limiter burst size so we split it up into several calls when
// necessary.
func take(ctx context.Context, l *rate.Limiter, tokens int) error {
	for tokens > 0 {
		n := min(tokens, limiterBurstSize)
		if err := l.WaitN(ctx, n); err != nil {
			return err
		}
		tokens -= n
	}
	return nil
}
