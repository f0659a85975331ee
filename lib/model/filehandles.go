// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/syncthing/bundlesync/internal/slogutil"
	"github.com/syncthing/bundlesync/lib/manifest"
	"github.com/syncthing/bundlesync/lib/scanner"
)

const dirCacheSize = 1024

// A fileState tracks one destination file during a transfer. The pending
// counter starts at the number of planned chunks for the file and goes
// down by one as each is written or given up on.
type fileState struct {
	task    *scanner.FileTask
	pending atomic.Int64
	written atomic.Int64
	failed  atomic.Int64
	closed  atomic.Int32 // number of times the file was finished; must end at one
}

// complete is true when every planned chunk landed on disk.
func (s *fileState) complete() bool {
	return s.failed.Load() == 0 && s.written.Load() == int64(len(s.task.Chunks))
}

// openFile is a cached file handle. It is opened by the first writer.
type openFile struct {
	once   sync.Once
	writer *lockedWriterAt
	err    error
}

// lockedWriterAt adds a lock to protect from closing the fd at the same time as writing.
// WriteAt() is goroutine safe by itself, but not against for example Close().
type lockedWriterAt struct {
	mut sync.RWMutex
	fd  *os.File
}

// WriteAt itself is goroutine safe, thus just needs to acquire a read-lock to
// prevent closing concurrently (see SyncClose).
func (w *lockedWriterAt) WriteAt(p []byte, off int64) (n int, err error) {
	w.mut.RLock()
	defer w.mut.RUnlock()
	return w.fd.WriteAt(p, off)
}

func (w *lockedWriterAt) Truncate(size int64) error {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.fd.Truncate(size)
}

// SyncClose ensures that no more writes are happening before going ahead and
// syncing and closing the fd, thus needs to acquire a write-lock.
func (w *lockedWriterAt) SyncClose(fsync bool) error {
	w.mut.Lock()
	defer w.mut.Unlock()
	if fsync {
		if err := w.fd.Sync(); err != nil {
			// Sync() is nice if it works but not worth failing the
			// operation over if it fails.
			slog.Debug("Fsync failed", slogutil.FilePath(w.fd.Name()), slogutil.Error(err))
		}
	}
	return w.fd.Close()
}

// fileHandles owns the open destination files of a transfer. Handles are
// keyed by local path, created by whichever writer gets there first and
// closed when the file's last pending chunk is done.
type fileHandles struct {
	states  map[*scanner.FileTask]*fileState // fixed before the transfer starts
	handles *xsync.MapOf[string, *openFile]
	dirs    *lru.Cache[string, struct{}]
	fsync   bool

	// finished is called once per file, after its handle is closed.
	finished func(*fileState)
}

func newFileHandles(finished func(*fileState)) *fileHandles {
	dirs, err := lru.New[string, struct{}](dirCacheSize)
	if err != nil {
		panic("bug: " + err.Error())
	}
	if finished == nil {
		finished = func(*fileState) {}
	}
	return &fileHandles{
		states:   make(map[*scanner.FileTask]*fileState),
		handles:  xsync.NewMapOf[string, *openFile](),
		dirs:     dirs,
		finished: finished,
	}
}

// expect registers one more pending chunk for the task. It must not be
// called once the transfer has started.
func (h *fileHandles) expect(task *scanner.FileTask) {
	s, ok := h.states[task]
	if !ok {
		s = &fileState{task: task}
		h.states[task] = s
	}
	s.pending.Add(1)
}

// write puts data at the given offset of the task's file, opening and
// pre-sizing the file if this is the first write to it.
func (h *fileHandles) write(task *scanner.FileTask, data []byte, offset uint64) error {
	of, _ := h.handles.LoadOrCompute(task.Path, func() *openFile {
		return &openFile{}
	})
	of.once.Do(func() {
		of.writer, of.err = h.open(task)
	})
	if of.err != nil {
		return of.err
	}
	_, err := of.writer.WriteAt(data, int64(offset))
	return err
}

func (h *fileHandles) open(task *scanner.FileTask) (*lockedWriterAt, error) {
	if err := h.ensureDir(filepath.Dir(task.Path)); err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(task.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening destination: %w", err)
	}
	// Truncate sets the size of the file, cutting off anything beyond the
	// declared size and reserving the rest.
	if err := fd.Truncate(int64(task.File.Size)); err != nil {
		fd.Close()
		return nil, fmt.Errorf("sizing destination: %w", err)
	}
	slog.Debug("Opened destination", slogutil.FilePath(task.Path), slog.Uint64("size", task.File.Size))
	return &lockedWriterAt{fd: fd}, nil
}

func (h *fileHandles) ensureDir(dir string) error {
	if h.dirs.Contains(dir) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	h.dirs.Add(dir, struct{}{})
	return nil
}

// done marks one pending chunk of the task as finished, successfully or
// not. The last one closes the file handle, if any was opened.
func (h *fileHandles) done(task *scanner.FileTask, ok bool) {
	s := h.states[task]
	if ok {
		s.written.Add(1)
	} else {
		s.failed.Add(1)
	}

	switch left := s.pending.Add(-1); {
	case left > 0:
		return
	case left < 0:
		panic(fmt.Sprintf("bug: negative pending count for %s", task.Path))
	}

	if of, loaded := h.handles.LoadAndDelete(task.Path); loaded && of.writer != nil {
		if task.File.HashType == manifest.HashNone && !s.complete() {
			// Without chunk hashes the next scan only checks the size,
			// and would take the pre-sized file as up to date.
			if err := of.writer.Truncate(0); err != nil {
				slog.Warn("Failed to discard incomplete destination", slogutil.FilePath(task.Path), slogutil.Error(err))
			}
		}
		if err := of.writer.SyncClose(h.fsync); err != nil {
			slog.Warn("Failed to close destination", slogutil.FilePath(task.Path), slogutil.Error(err))
			s.failed.Add(1)
		}
	}
	s.closed.Add(1)
	h.finished(s)
}

// openCount returns the number of file handles currently open.
func (h *fileHandles) openCount() int {
	return h.handles.Size()
}
