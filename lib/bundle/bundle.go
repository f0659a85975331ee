// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bundle fetches manifests and byte ranges of bundles from remote
// or local storage, and provides the pooled buffers and decoders used to
// unpack chunks.
package bundle

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	"golang.org/x/time/rate"

	"github.com/syncthing/bundlesync/internal/slogutil"
	"github.com/syncthing/bundlesync/lib/config"
)

func init() {
	slogutil.RegisterPackage("bundle", "Bundle and manifest transport")
}

// A Transport fetches byte ranges of bundles. Implementations make a
// single attempt per call; retrying is the caller's business.
type Transport interface {
	// FetchRange returns the bytes start through end, inclusive, of the
	// given bundle. The caller must close the returned reader.
	FetchRange(ctx context.Context, bundleID uint64, start, end uint64) (io.ReadCloser, error)
	String() string
}

// StatusError is returned for a response that is not 2xx.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.Code)
}

// NewTransport returns a transport for the given base URL. HTTP(S) URLs
// are fetched with range requests; any other URL must name a blob bucket,
// such as file:///srv/mirror or s3://bucket?region=eu-west-1. The
// transport is rate limited if opts sets a receive limit.
func NewTransport(ctx context.Context, baseURL string, opts config.Options) (Transport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bundle URL: %w", err)
	}

	var t Transport
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		t = NewHTTPTransport(baseURL, opts.RequestTimeout)
	default:
		if !blob.DefaultURLMux().ValidBucketScheme(u.Scheme) {
			return nil, fmt.Errorf("bundle URL %q: unsupported scheme %q", baseURL, u.Scheme)
		}
		t, err = OpenBlobTransport(ctx, baseURL)
		if err != nil {
			return nil, err
		}
	}

	if opts.MaxRecvKbps > 0 {
		t = newLimitedTransport(t, 1024*rate.Limit(opts.MaxRecvKbps))
	}
	return t, nil
}

// Close releases resources held by the transport, if any.
func Close(t Transport) error {
	if c, ok := t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
