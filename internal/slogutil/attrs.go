// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// Error returns an attribute for the given error. A nil error gives an
// empty attribute, which is not printed.
func Error(err any) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", fmt.Sprint(err))
}

// FilePath returns an attribute for a file system path, in native format.
func FilePath(path string) slog.Attr {
	return slog.String("path", filepath.FromSlash(path))
}

// Hex returns an attribute rendering the value as 16 uppercase hex digits,
// the way bundle and chunk IDs are printed everywhere else.
func Hex(key string, v uint64) slog.Attr {
	return slog.String(key, fmt.Sprintf("%016X", v))
}

// Expensive wraps a log value that is expensive to compute and should only
// be called if the log line is actually emitted.
func Expensive(fn func() any) slog.LogValuer {
	return expensive{fn}
}

type expensive struct {
	fn func() any
}

func (e expensive) LogValue() slog.Value {
	return slog.AnyValue(e.fn())
}
