// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package model brings an output directory in line with a manifest: it
// groups the chunks found missing by the scanner into range requests,
// downloads and decompresses them and writes them into place.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/syncthing/bundlesync/internal/slogutil"
	"github.com/syncthing/bundlesync/lib/bundle"
	"github.com/syncthing/bundlesync/lib/config"
	"github.com/syncthing/bundlesync/lib/manifest"
	"github.com/syncthing/bundlesync/lib/scanner"
)

// ErrCancelled is returned by Sync when its context is cancelled. The
// context's own error is wrapped as well.
var ErrCancelled = errors.New("sync cancelled")

// Result describes the outcome of a sync. Failed bundles are not errors;
// they show up here as incomplete files.
type Result struct {
	Stats scanner.Stats // from verification

	FilesPatched    int
	FilesIncomplete int
	FailedBundles   []uint64 // sorted

	Requests        int
	ChunksWritten   int
	ChunksFailed    int
	BytesDownloaded uint64
	BytesWasted     uint64
	BytesWritten    uint64

	Cancelled bool
	Elapsed   time.Duration
}

// Complete is true when every file that needed work was brought up to
// date.
func (r Result) Complete() bool {
	return !r.Cancelled && r.FilesIncomplete == 0 && len(r.FailedBundles) == 0
}

// Efficiency returns the share of downloaded bytes that were chunk data,
// as a percentage.
func (r Result) Efficiency() float64 {
	if r.BytesDownloaded == 0 {
		return 100
	}
	return 100 * float64(r.BytesDownloaded-r.BytesWasted) / float64(r.BytesDownloaded)
}

// Summary returns human readable lines describing the result.
func (r Result) Summary() []string {
	lines := []string{
		fmt.Sprintf("Verified %d files: %d up to date, %d to patch, %d skipped", r.Stats.FilesConsidered, r.Stats.FilesUpToDate, r.Stats.FilesToPatch, r.Stats.FilesSkipped),
		fmt.Sprintf("Patched %d files, %d incomplete", r.FilesPatched, r.FilesIncomplete),
		fmt.Sprintf("Wrote %d of %d chunks (%v) using %d range requests", r.ChunksWritten, r.ChunksWritten+r.ChunksFailed, config.ByteSize(r.BytesWritten), r.Requests),
		fmt.Sprintf("Downloaded %v, of which %v wasted (%.1f%% efficiency)", config.ByteSize(r.BytesDownloaded), config.ByteSize(r.BytesWasted), r.Efficiency()),
	}
	if len(r.FailedBundles) > 0 {
		names := make([]string, len(r.FailedBundles))
		for i, id := range r.FailedBundles {
			names[i] = manifest.BundleName(id)
		}
		lines = append(lines, fmt.Sprintf("Failed bundles: %v", names))
	}
	if r.Cancelled {
		lines = append(lines, "Cancelled before completion")
	}
	lines = append(lines, fmt.Sprintf("Took %v", r.Elapsed.Truncate(time.Millisecond)))
	return lines
}

func (r *Result) add(o Result) {
	r.FilesPatched += o.FilesPatched
	r.FilesIncomplete += o.FilesIncomplete
	r.FailedBundles = append(r.FailedBundles, o.FailedBundles...)
	r.Requests += o.Requests
	r.ChunksWritten += o.ChunksWritten
	r.ChunksFailed += o.ChunksFailed
	r.BytesDownloaded += o.BytesDownloaded
	r.BytesWasted += o.BytesWasted
	r.BytesWritten += o.BytesWritten
	r.Cancelled = r.Cancelled || o.Cancelled
}

// Sync verifies the output directory against the manifest and fetches
// whatever is missing or stale from the transport. Progress, if not nil,
// receives throttled updates for both phases. The returned result is
// meaningful even when the error is ErrCancelled.
func Sync(ctx context.Context, m *manifest.Manifest, t bundle.Transport, opts config.Options, progress func(Progress)) (Result, error) {
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}
	if opts.OutputDir == "" {
		return Result{}, errors.New("no output directory given")
	}

	var res Result
	t0 := time.Now()
	emitter := NewProgressEmitter(opts.ProgressInterval, progress)
	l := slog.With(slog.String("output", opts.OutputDir), slogutil.Hex("manifest", m.ID))
	if m.DroppedChunkRefs > 0 {
		l.Warn("Manifest refers to chunks in no bundle; affected files will come out short", slog.Int("refs", m.DroppedChunkRefs))
	}

	plan, err := scanner.Plan(ctx, m, opts, emitter.Phase(PhaseVerifying))
	metricPhaseSeconds.WithLabelValues(PhaseVerifying).Add(time.Since(t0).Seconds())
	if err != nil {
		res.Elapsed = time.Since(t0)
		if ctx.Err() != nil {
			res.Cancelled = true
			metricSyncs.WithLabelValues(syncResultCancelled).Inc()
			return res, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		metricSyncs.WithLabelValues(syncResultError).Inc()
		return res, err
	}
	res.Stats = plan.Stats

	if !plan.Empty() {
		t1 := time.Now()
		for _, task := range plan.Files {
			if !task.Complete() {
				continue
			}
			if err := resize(task); err != nil {
				l.Warn("Failed to resize file", slogutil.FilePath(task.Path), slogutil.Error(err))
				res.FilesIncomplete++
				continue
			}
			res.FilesPatched++
			metricFilesPatched.Inc()
		}

		groups := PlanGroups(plan.Chunks(), int64(opts.GapTolerance))
		l.Debug("Planned range requests", slog.Int("groups", len(groups)), plan.Stats.LogAttr())

		puller := NewPuller(t, opts, emitter.Phase(PhaseUpdating))
		res.add(puller.Execute(ctx, groups))
		puller.Close()
		metricPhaseSeconds.WithLabelValues(PhaseUpdating).Add(time.Since(t1).Seconds())
	}

	res.Elapsed = time.Since(t0)
	for _, line := range res.Summary() {
		l.Info(line)
	}

	switch {
	case res.Cancelled:
		metricSyncs.WithLabelValues(syncResultCancelled).Inc()
		return res, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	case res.Complete():
		metricSyncs.WithLabelValues(syncResultComplete).Inc()
	default:
		metricSyncs.WithLabelValues(syncResultIncomplete).Inc()
	}
	return res, nil
}

// resize creates the task's file, or cuts it back, to its declared size.
func resize(task *scanner.FileTask) error {
	if err := os.MkdirAll(filepath.Dir(task.Path), 0o755); err != nil {
		return err
	}
	fd, err := os.OpenFile(task.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := fd.Truncate(int64(task.File.Size)); err != nil {
		fd.Close()
		return err
	}
	return fd.Close()
}
