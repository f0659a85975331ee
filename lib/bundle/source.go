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
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"gocloud.dev/blob"

	"github.com/syncthing/bundlesync/internal/slogutil"
	"github.com/syncthing/bundlesync/lib/manifest"
)

// maxManifestSize bounds how much we read from a manifest source.
const maxManifestSize = 1 << 30

// LoadManifest reads and decodes a manifest from a local path, an http(s)
// URL or a blob URL such as file:///srv/mirror/release.manifest or
// s3://bucket/releases/release.manifest?region=eu-west-1.
func LoadManifest(ctx context.Context, src string, timeout time.Duration) (*manifest.Manifest, error) {
	raw, err := ReadManifest(ctx, src, timeout)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	return m, nil
}

// ReadManifest returns the raw bytes of a manifest.
func ReadManifest(ctx context.Context, src string, timeout time.Duration) ([]byte, error) {
	l := slog.With(slog.String("source", src))
	t0 := time.Now()

	var raw []byte
	var err error
	u, perr := url.Parse(src)
	switch {
	case perr != nil || u.Scheme == "" || len(u.Scheme) == 1:
		// A plain path, possibly with a drive letter.
		raw, err = readLocal(src)
	case u.Scheme == "http" || u.Scheme == "https":
		raw, err = readHTTP(ctx, src, timeout)
	case blob.DefaultURLMux().ValidBucketScheme(u.Scheme):
		raw, err = readBlob(ctx, u)
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", src, err)
	}

	l.Debug("Read manifest", slog.Int("bytes", len(raw)), slog.Duration("took", time.Since(t0)))
	return raw, nil
}

func readLocal(name string) ([]byte, error) {
	fd, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return io.ReadAll(io.LimitReader(fd, maxManifestSize))
}

func readHTTP(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
}

func readBlob(ctx context.Context, u *url.URL) ([]byte, error) {
	bucketURL, key := splitBlobURL(u)
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	defer bucket.Close()

	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	slog.Debug("Reading manifest object", slogutil.FilePath(key), slog.Int64("size", r.Size()))
	return io.ReadAll(io.LimitReader(r, maxManifestSize))
}

// splitBlobURL separates an object URL into the bucket URL and the object
// key. Buckets named by a host (s3://bucket/key) keep the host; file URLs
// use the containing directory as the bucket.
func splitBlobURL(u *url.URL) (string, string) {
	bu := *u
	if u.Host == "" {
		bu.Path = path.Dir(u.Path)
		return bu.String(), path.Base(u.Path)
	}
	bu.Path = ""
	return bu.String(), strings.TrimPrefix(u.Path, "/")
}
