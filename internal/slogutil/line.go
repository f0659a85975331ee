// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// LineFormat controls how a log line is rendered.
type LineFormat struct {
	TimestampFormat string
	LevelString     bool
	LevelSyslog     bool
}

var DefaultLineFormat = LineFormat{
	TimestampFormat: "2006-01-02 15:04:05",
	LevelString:     true,
}

// A Line is one fully formatted log message.
type Line struct {
	When    time.Time
	Message string
	Level   slog.Level
}

func (l Line) WriteTo(w io.Writer, f LineFormat) (int64, error) {
	var sb strings.Builder
	if f.LevelSyslog {
		fmt.Fprintf(&sb, "<%d>", syslogPriority(l.Level))
	}
	if f.TimestampFormat != "" {
		sb.WriteString(l.When.Format(f.TimestampFormat))
		sb.WriteRune(' ')
	}
	if f.LevelString {
		sb.WriteString(levelString(l.Level))
		sb.WriteRune(' ')
	}
	sb.WriteString(l.Message)
	sb.WriteRune('\n')
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func levelString(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DBG"
	case l < slog.LevelWarn:
		return "INF"
	case l < slog.LevelError:
		return "WRN"
	default:
		return "ERR"
	}
}

func syslogPriority(l slog.Level) int {
	switch {
	case l < slog.LevelInfo:
		return 7
	case l < slog.LevelWarn:
		return 6
	case l < slog.LevelError:
		return 4
	default:
		return 3
	}
}
