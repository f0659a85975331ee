// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gocloud.dev/blob"

	"github.com/syncthing/bundlesync/internal/slogutil"
	"github.com/syncthing/bundlesync/lib/config"
	"github.com/syncthing/bundlesync/lib/manifest"
)

var localeExp = regexp.MustCompile(`^[a-z]{2}_[A-Z]{2}$`)

type packCmd struct {
	Input      string            `arg:"" type:"existingdir" help:"Directory to pack"`
	Output     string            `arg:"" placeholder:"DEST" help:"Directory or blob bucket URL receiving the bundles and the manifest"`
	ID         uint64            `help:"Manifest ID (default is the current time)"`
	ChunkSize  config.ByteSize   `default:"1MiB" help:"Uncompressed size of each chunk"`
	BundleSize config.ByteSize   `default:"64MiB" help:"Compressed size after which a new bundle is started"`
	Hash       manifest.HashType `default:"sha256" help:"Chunk hash algorithm (none, sha256, sha512, hkdf)"`
	LocaleDirs bool              `help:"Tag files below a directory named like a locale (en_US) with that locale"`
}

func (c *packCmd) Run(ctx context.Context) error {
	_, err := c.pack(ctx, os.Stdout)
	return err
}

// pack writes the bundles and the manifest and returns the manifest's
// object key.
func (c *packCmd) pack(ctx context.Context, out io.Writer) (string, error) {
	if c.ChunkSize <= 0 || c.BundleSize <= 0 {
		return "", errors.New("chunk and bundle sizes must be positive")
	}
	id := c.ID
	if id == 0 {
		id = uint64(time.Now().Unix())
	}

	b := manifest.NewBuilder(id, c.Hash)
	// Bundle IDs are derived from the manifest ID so that several
	// manifests can share a bucket.
	bundleID := id<<16 + 1

	buf := make([]byte, c.ChunkSize)
	files := 0
	err := filepath.WalkDir(c.Input, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			if d.Type()&fs.ModeSymlink != 0 {
				slog.Debug("Skipping symlink", slogutil.FilePath(p))
			}
			return nil
		}
		rel, err := filepath.Rel(c.Input, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		fd, err := os.Open(p)
		if err != nil {
			return err
		}
		defer fd.Close()

		var ids []uint64
		for {
			n, err := io.ReadFull(fd, buf)
			if n > 0 {
				if len(b.BundleData(bundleID)) >= int(c.BundleSize) {
					bundleID++
				}
				ids = append(ids, b.AddChunk(bundleID, buf[:n]).ID)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if err != nil {
				return err
			}
		}
		b.AddFile(name, c.locales(name), ids...)
		files++
		return nil
	})
	if err != nil {
		return "", err
	}

	u, err := bucketURL(c.Output)
	if err != nil {
		return "", err
	}
	bucket, err := blob.OpenBucket(ctx, u)
	if err != nil {
		return "", fmt.Errorf("opening bucket: %w", err)
	}
	defer bucket.Close()

	var total int
	for _, bid := range b.BundleIDs() {
		data := b.BundleData(bid)
		if err := bucket.WriteAll(ctx, manifest.BundleName(bid), data, nil); err != nil {
			return "", fmt.Errorf("writing bundle: %w", err)
		}
		total += len(data)
	}
	key := fmt.Sprintf("%016X.manifest", id)
	if err := bucket.WriteAll(ctx, key, b.Bytes(), nil); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}

	fmt.Fprintf(out, "Packed %d files into %d bundles (%v)\n", files, len(b.BundleIDs()), config.ByteSize(total))
	fmt.Fprintf(out, "Manifest %s\n", key)
	return key, nil
}

func (c *packCmd) locales(name string) []string {
	if !c.LocaleDirs {
		return nil
	}
	var res []string
	segments := strings.Split(name, "/")
	for _, seg := range segments[:len(segments)-1] {
		if localeExp.MatchString(seg) {
			res = append(res, seg)
		}
	}
	return res
}

// bucketURL turns a plain directory into a file:// bucket URL, creating
// the directory if needed. Anything with a scheme is returned as is.
func bucketURL(dest string) (string, error) {
	if strings.Contains(dest, "://") {
		return dest, nil
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}
