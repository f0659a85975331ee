// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package bundle

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/syncthing/bundlesync/lib/manifest"
)

// BlobTransport reads bundles stored as objects named {ID}.bundle in a
// gocloud bucket.
type BlobTransport struct {
	url    string
	bucket *blob.Bucket
}

func OpenBlobTransport(ctx context.Context, bucketURL string) (*BlobTransport, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("opening bucket: %w", err)
	}
	return NewBlobTransport(bucket, bucketURL), nil
}

// NewBlobTransport wraps an already open bucket. The transport takes
// ownership of the bucket.
func NewBlobTransport(bucket *blob.Bucket, name string) *BlobTransport {
	return &BlobTransport{url: name, bucket: bucket}
}

func (t *BlobTransport) FetchRange(ctx context.Context, bundleID uint64, start, end uint64) (io.ReadCloser, error) {
	key := manifest.BundleName(bundleID)
	r, err := t.bucket.NewRangeReader(ctx, key, int64(start), int64(end-start+1), nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%s: bundle %s does not exist: %w", t.url, key, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", t.url, key, err)
	}
	return r, nil
}

func (t *BlobTransport) Close() error {
	return t.bucket.Close()
}

func (t *BlobTransport) String() string {
	return "blob:" + t.url
}
