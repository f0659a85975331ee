// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package bundle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/syncthing/bundlesync/lib/manifest"
)

// HTTPTransport fetches bundles as {base}/{ID}.bundle with range requests.
type HTTPTransport struct {
	base   string
	client *http.Client
}

func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) URL(bundleID uint64) string {
	return t.base + "/" + manifest.BundleName(bundleID)
}

func (t *HTTPTransport) FetchRange(ctx context.Context, bundleID uint64, start, end uint64) (io.ReadCloser, error) {
	url := t.URL(bundleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	length := int64(end - start + 1)
	if resp.StatusCode != http.StatusPartialContent && start > 0 {
		// The server ignored the range and is sending the whole object.
		slog.Debug("Server ignored range request", slog.String("url", url))
		if _, err := io.CopyN(io.Discard, resp.Body, int64(start)); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("%s: skipping to range start: %w", url, err)
		}
	}
	return readCloser{Reader: io.LimitReader(resp.Body, length), Closer: resp.Body}, nil
}

func (t *HTTPTransport) String() string {
	return "http:" + t.base
}

type readCloser struct {
	io.Reader
	io.Closer
}
