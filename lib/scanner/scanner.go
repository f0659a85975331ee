// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package scanner compares the local output directory with a manifest and
// works out which chunks need to be fetched.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syncthing/bundlesync/internal/slogutil"
	"github.com/syncthing/bundlesync/lib/bundle"
	"github.com/syncthing/bundlesync/lib/config"
	"github.com/syncthing/bundlesync/lib/manifest"
	"github.com/syncthing/bundlesync/lib/semaphore"
)

func init() {
	slogutil.RegisterPackage("scanner", "Local file verification")
}

var ErrUnsafePath = errors.New("path escapes the output directory")

// ProgressFunc receives one call per processed item.
type ProgressFunc func(item string, completed, total int)

// A FileTask is a file that needs work.
type FileTask struct {
	File manifest.File
	Path string // local, native

	// Chunks lists the chunks to fetch, in file offset order.
	Chunks []manifest.ChunkRef

	// Truncate is set when the local file is longer than the manifest
	// says it should be.
	Truncate bool

	// Missing is set when there is no local file at all.
	Missing bool
}

// Complete is true for a task that needs no chunk data, only resizing or
// creating.
func (t *FileTask) Complete() bool {
	return len(t.Chunks) == 0
}

// A PlannedChunk is one chunk to fetch, with its destination.
type PlannedChunk struct {
	manifest.ChunkRef
	manifest.Chunk
	Task *FileTask
}

func (c PlannedChunk) String() string {
	return fmt.Sprintf("%v -> %s@%d", c.Chunk, c.Task.File.Name, c.FileOffset)
}

type Stats struct {
	FilesConsidered int
	FilesUpToDate   int
	FilesToPatch    int
	FilesSkipped    int
	ChunksToFetch   int
	BytesToFetch    uint64 // compressed
	BytesToWrite    uint64 // uncompressed
}

func (s Stats) LogAttr() slog.Attr {
	return slog.Group("plan",
		slog.Int("files", s.FilesToPatch),
		slog.Int("upToDate", s.FilesUpToDate),
		slog.Int("chunks", s.ChunksToFetch),
		slog.Uint64("bytes", s.BytesToFetch),
	)
}

// A SyncPlan lists the files needing work, ordered by name.
type SyncPlan struct {
	Files []*FileTask
	Stats Stats

	manifest *manifest.Manifest
}

// Empty is true when the output directory already matches the manifest.
func (p *SyncPlan) Empty() bool {
	return len(p.Files) == 0
}

// Chunks returns every chunk to fetch, paired with its destination.
func (p *SyncPlan) Chunks() []PlannedChunk {
	res := make([]PlannedChunk, 0, p.Stats.ChunksToFetch)
	for _, t := range p.Files {
		for _, ref := range t.Chunks {
			res = append(res, PlannedChunk{
				ChunkRef: ref,
				Chunk:    p.manifest.Chunks[ref.ChunkID],
				Task:     t,
			})
		}
	}
	return res
}

// Plan verifies the candidate files selected by the options' filter
// against the local output directory. Files are verified in parallel, but
// never more than opts.VerifyConcurrency at a time. The only error returned
// after the filter compiles is the context error.
func Plan(ctx context.Context, m *manifest.Manifest, opts config.Options, progress ProgressFunc) (*SyncPlan, error) {
	matcher, err := NewMatcher(opts.Filter)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(string, int, int) {}
	}

	plan := &SyncPlan{manifest: m}
	var candidates []*FileTask
	paths := make(map[string]string) // local path to file name
	for _, f := range m.SortedFiles() {
		if !matcher.Match(f) {
			continue
		}
		if f.Symlink != "" {
			slog.Debug("Skipping symlink entry", slog.String("file", f.Name), slog.String("target", f.Symlink))
			plan.Stats.FilesSkipped++
			continue
		}
		p, err := LocalPath(opts.OutputDir, f.Name)
		if err != nil {
			slog.Warn("Skipping file with unsafe name", slog.String("file", f.Name), slogutil.Error(err))
			plan.Stats.FilesSkipped++
			continue
		}
		if first, ok := paths[p]; ok {
			// Two entries would share one local file and one handle.
			slog.Warn("Skipping file with colliding local path", slog.String("file", f.Name), slog.String("other", first), slogutil.FilePath(p))
			plan.Stats.FilesSkipped++
			continue
		}
		paths[p] = f.Name
		candidates = append(candidates, &FileTask{File: f, Path: p})
	}
	plan.Stats.FilesConsidered = len(candidates)

	l := slog.With(slog.Int("files", len(candidates)), slog.String("filter", matcher.String()))
	l.Debug("Verifying local files")
	t0 := time.Now()

	sem := semaphore.New(opts.VerifyConcurrency)
	var wg sync.WaitGroup
	var done atomic.Int64
	for _, task := range candidates {
		if err := sem.TakeWithContext(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Give(1)
			if err := verifyFile(ctx, m, task); err != nil {
				// Only cancellation ends up here; the plan is discarded.
				return
			}
			progress(task.File.Name, int(done.Add(1)), len(candidates))
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, task := range candidates {
		if len(task.Chunks) == 0 && !task.Truncate && !task.Missing {
			plan.Stats.FilesUpToDate++
			continue
		}
		plan.Files = append(plan.Files, task)
		plan.Stats.FilesToPatch++
		plan.Stats.ChunksToFetch += len(task.Chunks)
		for _, ref := range task.Chunks {
			c := m.Chunks[ref.ChunkID]
			plan.Stats.BytesToFetch += uint64(c.CompressedSize)
			plan.Stats.BytesToWrite += uint64(c.UncompressedSize)
		}
	}

	l.Info("Verified local files", plan.Stats.LogAttr(), slog.Duration("took", time.Since(t0).Truncate(time.Millisecond)))
	return plan, nil
}

// LocalPath returns the native path a manifest file is written to. When
// the first segment of the name equals the name of the output directory
// itself, that segment is dropped: syncing "Game/data.bin" into ".../Game"
// writes ".../Game/data.bin".
func LocalPath(outputDir, name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || filepath.VolumeName(filepath.FromSlash(clean)) != "" {
		return "", fmt.Errorf("%q: %w", name, ErrUnsafePath)
	}
	if first, rest, ok := strings.Cut(clean, "/"); ok && strings.EqualFold(first, filepath.Base(outputDir)) {
		clean = rest
	}
	return filepath.Join(outputDir, filepath.FromSlash(clean)), nil
}

// verifyFile fills in the chunks the task needs. A local file that can't
// be read is treated as absent.
func verifyFile(ctx context.Context, m *manifest.Manifest, task *FileTask) error {
	f := task.File
	l := slog.With(slogutil.FilePath(task.Path))
	metricFilesVerified.Inc()

	fd, err := os.Open(task.Path)
	if errors.Is(err, fs.ErrNotExist) {
		task.Missing = true
		task.Chunks = f.Chunks
		return nil
	} else if err != nil {
		l.Debug("Local file unreadable, fetching all chunks", slogutil.Error(err))
		task.Chunks = f.Chunks
		return nil
	}
	defer fd.Close()

	info, err := fd.Stat()
	if err != nil || !info.Mode().IsRegular() {
		l.Debug("Local file unusable, fetching all chunks", slogutil.Error(err))
		task.Chunks = f.Chunks
		return nil
	}
	size := uint64(info.Size())
	if size < f.Size {
		l.Debug("Local file short, fetching all chunks", slog.Uint64("have", size), slog.Uint64("want", f.Size))
		task.Chunks = f.Chunks
		return nil
	}
	task.Truncate = size > f.Size

	var buf []byte
	defer func() {
		if buf != nil {
			bundle.BufferPool.Put(buf)
		}
	}()
	for _, ref := range f.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := m.Chunks[ref.ChunkID]
		if buf == nil {
			buf = bundle.BufferPool.Get(int(c.UncompressedSize))
		} else {
			buf = bundle.BufferPool.Upgrade(buf, int(c.UncompressedSize))
		}

		n, err := fd.ReadAt(buf, int64(ref.FileOffset))
		metricBytesHashed.Add(float64(n))
		if n < len(buf) || (err != nil && !errors.Is(err, io.EOF)) || !f.HashType.Validate(buf, c.ID) {
			metricChunksVerified.WithLabelValues(resultStale).Inc()
			task.Chunks = append(task.Chunks, ref)
			continue
		}
		metricChunksVerified.WithLabelValues(resultOK).Inc()
	}

	if len(task.Chunks) > 0 || task.Truncate {
		l.Debug("Local file needs patching", slog.Int("chunks", len(task.Chunks)), slog.Int("of", len(f.Chunks)), slog.Bool("truncate", task.Truncate))
	}
	return nil
}
