// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/syncthing/bundlesync/internal/slogutil"
	"github.com/syncthing/bundlesync/lib/bundle"
	"github.com/syncthing/bundlesync/lib/config"
	"github.com/syncthing/bundlesync/lib/manifest"
	"github.com/syncthing/bundlesync/lib/scanner"
	"github.com/syncthing/bundlesync/lib/semaphore"
)

var errHashMismatch = errors.New("decompressed chunk does not match its hash")

// A Puller downloads groups of chunks and writes them into place. Each
// bundle is pulled by its own goroutine, with at most NetworkConcurrency
// bundles in flight and at most CPUConcurrency decompressions running.
type Puller struct {
	transport  bundle.Transport
	decoders   *bundle.DecoderPool
	network    *semaphore.Semaphore
	retries    int
	retryDelay time.Duration
	fsync      bool
	progress   scanner.ProgressFunc
}

// NewPuller returns a puller fetching from the given transport. The
// progress function, which may be nil, is called each time a destination
// file is finished.
func NewPuller(t bundle.Transport, opts config.Options, progress scanner.ProgressFunc) *Puller {
	if progress == nil {
		progress = func(string, int, int) {}
	}
	return &Puller{
		transport:  t,
		decoders:   bundle.NewDecoderPool(opts.Decompressors()),
		network:    semaphore.New(opts.NetworkConcurrency),
		retries:    opts.RetryAttempts,
		retryDelay: opts.RetryDelay,
		fsync:      opts.Fsync,
		progress:   progress,
	}
}

// transfer holds the state of one Execute call.
type transfer struct {
	handles *fileHandles

	files      int
	filesDone  atomic.Int64
	patched    atomic.Int64
	incomplete atomic.Int64

	requests      atomic.Int64
	chunksWritten atomic.Int64
	chunksFailed  atomic.Int64
	downloaded    atomic.Int64
	wasted        atomic.Int64
	written       atomic.Int64

	mut    sync.Mutex
	failed []uint64 // bundle IDs
}

// Execute pulls the given groups, which must be ordered by bundle and then
// offset as returned by PlanGroups. It returns when every destination file
// has been finished, successfully or not. A failing bundle does not affect
// the others; its chunks are left unwritten.
func (p *Puller) Execute(ctx context.Context, groups []DownloadGroup) Result {
	tr := &transfer{}
	tr.handles = newFileHandles(func(s *fileState) {
		if s.complete() {
			tr.patched.Add(1)
			metricFilesPatched.Inc()
		} else {
			tr.incomplete.Add(1)
		}
		p.progress(s.task.File.Name, int(tr.filesDone.Add(1)), tr.files)
	})
	tr.handles.fsync = p.fsync
	for _, g := range groups {
		for _, c := range g.Chunks {
			tr.handles.expect(c.Task)
		}
	}
	tr.files = len(tr.handles.states)

	var wg sync.WaitGroup
	for bundleGroups := range byBundle(groups) {
		if err := p.network.TakeWithContext(ctx, 1); err != nil {
			tr.release(bundleGroups, 0)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.network.Give(1)
			p.pullBundle(ctx, tr, bundleGroups)
		}()
	}
	wg.Wait()

	slices.Sort(tr.failed)
	return Result{
		FilesPatched:    int(tr.patched.Load()),
		FilesIncomplete: int(tr.incomplete.Load()),
		FailedBundles:   tr.failed,
		Requests:        int(tr.requests.Load()),
		ChunksWritten:   int(tr.chunksWritten.Load()),
		ChunksFailed:    int(tr.chunksFailed.Load()),
		BytesDownloaded: uint64(tr.downloaded.Load()),
		BytesWasted:     uint64(tr.wasted.Load()),
		BytesWritten:    uint64(tr.written.Load()),
		Cancelled:       ctx.Err() != nil,
	}
}

// Close releases the decoders held by the puller.
func (p *Puller) Close() {
	p.decoders.Close()
}

// byBundle yields runs of consecutive groups sharing a bundle ID.
func byBundle(groups []DownloadGroup) func(func([]DownloadGroup) bool) {
	return func(yield func([]DownloadGroup) bool) {
		for len(groups) > 0 {
			n := 1
			for n < len(groups) && groups[n].BundleID == groups[0].BundleID {
				n++
			}
			if !yield(groups[:n]) {
				return
			}
			groups = groups[n:]
		}
	}
}

// pullBundle processes the groups of one bundle in order. The first group
// that fails after retries ends the bundle.
func (p *Puller) pullBundle(ctx context.Context, tr *transfer, groups []DownloadGroup) {
	bundleID := groups[0].BundleID
	l := slog.With(slog.String("bundle", manifest.BundleName(bundleID)))
	t0 := time.Now()

	for i, g := range groups {
		if ctx.Err() != nil {
			tr.release(groups[i:], 0)
			return
		}
		handled, err := p.pullGroup(ctx, tr, g)
		if err == nil {
			continue
		}
		tr.release(groups[i:], handled)
		if ctx.Err() != nil {
			l.Debug("Bundle pull cancelled", slogutil.Error(err))
			return
		}
		l.Warn("Failed to pull bundle, leaving its chunks unpatched", slog.Any("group", g), slogutil.Error(err))
		metricBundleFailures.Inc()
		tr.mut.Lock()
		tr.failed = append(tr.failed, bundleID)
		tr.mut.Unlock()
		return
	}
	l.Debug("Pulled bundle", slog.Int("groups", len(groups)), slog.Duration("took", time.Since(t0)))
}

// pullGroup fetches one group, retrying failed requests. A retry resumes at
// the first chunk not yet handled. It returns the number of chunks handled.
func (p *Puller) pullGroup(ctx context.Context, tr *transfer, g DownloadGroup) (int, error) {
	next := 0
	op := func() error {
		n, err := p.fetchChunks(ctx, tr, g, g.Chunks[next:])
		next += n
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryDelay), uint64(p.retries)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		metricRangeRetries.Inc()
		slog.Debug("Retrying range request", slog.Any("group", g), slog.Int("handled", next), slog.Duration("delay", d), slogutil.Error(err))
	})
	return next, err
}

// fetchChunks issues a single range request covering the given chunks, up
// to the end of the group, and writes them out in order. It returns the
// number of chunks handled before any error.
func (p *Puller) fetchChunks(ctx context.Context, tr *transfer, g DownloadGroup, chunks []scanner.PlannedChunk) (int, error) {
	pos := chunks[0].BundleOffset
	tr.requests.Add(1)
	metricRangeRequests.Inc()
	rc, err := p.transport.FetchRange(ctx, g.BundleID, pos, g.End)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	cr := &countingReader{Reader: rc}
	defer func() {
		tr.downloaded.Add(cr.n)
		metricBytesDownloaded.Add(float64(cr.n))
	}()

	handled := 0
	for handled < len(chunks) {
		if err := ctx.Err(); err != nil {
			return handled, err
		}

		// Destinations sharing the chunk are next to each other.
		c := chunks[handled]
		run := 1
		for handled+run < len(chunks) && sameChunk(chunks[handled+run], c) {
			run++
		}

		if c.BundleOffset < pos {
			return handled, fmt.Errorf("%v overlaps the previous chunk", c.Chunk)
		}
		if gap := c.BundleOffset - pos; gap > 0 {
			if _, err := io.CopyN(io.Discard, cr, int64(gap)); err != nil {
				return handled, fmt.Errorf("skipping gap: %w", err)
			}
			tr.wasted.Add(int64(gap))
			metricBytesWasted.Add(float64(gap))
		}
		pos = c.End()

		if err := p.handleChunk(ctx, tr, cr, chunks[handled:handled+run]); err != nil {
			return handled, err
		}
		handled += run
	}
	return handled, nil
}

// handleChunk reads one compressed payload from the stream, decompresses
// and checks it, and writes it to every destination in dsts.
func (p *Puller) handleChunk(ctx context.Context, tr *transfer, r io.Reader, dsts []scanner.PlannedChunk) error {
	c := dsts[0].Chunk

	src := bundle.BufferPool.Get(int(c.CompressedSize))
	defer bundle.BufferPool.Put(src)
	if _, err := io.ReadFull(r, src); err != nil {
		return fmt.Errorf("reading %v: %w", c, err)
	}

	dst := bundle.BufferPool.Get(int(c.UncompressedSize))
	defer bundle.BufferPool.Put(dst)
	data, err := p.decoders.Decompress(ctx, dst, src, int(c.UncompressedSize))
	if err != nil {
		return fmt.Errorf("decompressing %v: %w", c, err)
	}

	var checked []manifest.HashType
	for _, d := range dsts {
		ht := d.Task.File.HashType
		if !ht.Known() || slices.Contains(checked, ht) {
			// Unknown algorithms are never checked; the data is
			// written as is.
			continue
		}
		if !ht.Validate(data, c.ID) {
			return fmt.Errorf("%v: %w", c, errHashMismatch)
		}
		checked = append(checked, ht)
	}

	for _, d := range dsts {
		if err := tr.handles.write(d.Task, data, d.FileOffset); err != nil {
			// Local trouble; the other destinations and the rest of
			// the bundle are unaffected.
			slog.Warn("Failed to write chunk", slogutil.FilePath(d.Task.Path), slog.Uint64("offset", d.FileOffset), slogutil.Error(err))
			tr.chunkDone(d, false)
			continue
		}
		tr.written.Add(int64(len(data)))
		metricBytesWritten.Add(float64(len(data)))
		tr.chunkDone(d, true)
	}
	slog.Debug("Wrote chunk", slogutil.Hex("chunk", c.ID), slog.Int("size", len(data)), slog.Any("files", slogutil.Expensive(func() any {
		paths := make([]string, len(dsts))
		for i, d := range dsts {
			paths[i] = d.Task.Path
		}
		return strings.Join(paths, ",")
	})))
	return nil
}

func (tr *transfer) chunkDone(c scanner.PlannedChunk, ok bool) {
	if ok {
		tr.chunksWritten.Add(1)
		metricChunksWritten.Inc()
	} else {
		tr.chunksFailed.Add(1)
		metricChunksFailed.Inc()
	}
	tr.handles.done(c.Task, ok)
}

// release gives up on every chunk of the given groups, except the first
// skip chunks of the first group which are already handled.
func (tr *transfer) release(groups []DownloadGroup, skip int) {
	for i, g := range groups {
		chunks := g.Chunks
		if i == 0 {
			chunks = chunks[skip:]
		}
		for _, c := range chunks {
			tr.chunkDone(c, false)
		}
	}
}

type countingReader struct {
	io.Reader
	n int64
}

func (r *countingReader) Read(bs []byte) (int, error) {
	n, err := r.Reader.Read(bs)
	r.n += int64(n)
	return n, err
}
