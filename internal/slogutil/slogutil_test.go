// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestFuncNameToPkg(t *testing.T) {
	cases := []struct {
		fn  string
		pkg string
		typ string
	}{
		{"github.com/syncthing/bundlesync/lib/model.Sync", "model", ""},
		{"github.com/syncthing/bundlesync/lib/model.(*Puller).Execute", "model", "puller"},
		{"github.com/syncthing/bundlesync/internal/slogutil.init", "slogutil", ""},
		{"github.com/syncthing/bundlesync/cmd/bundlesync.main", "bundlesync", ""},
	}
	for _, tc := range cases {
		pkg, typ := funcNameToPkg(tc.fn)
		if pkg != tc.pkg || typ != tc.typ {
			t.Errorf("funcNameToPkg(%q) = %q, %q; want %q, %q", tc.fn, pkg, typ, tc.pkg, tc.typ)
		}
	}
}

func TestFormattingHandler(t *testing.T) {
	var buf bytes.Buffer
	opts := &formattingOptions{
		LineFormat:   LineFormat{LevelString: true},
		out:          &buf,
		timeOverride: time.Unix(1234567890, 0),
	}
	l := slog.New(&formattingHandler{opts: opts})
	l.Warn("Bundle failed", Hex("bundle", 0xAA), Error(errors.New("boom")), slog.Group("range", slog.Int("start", 0), slog.Int("end", 249)))

	got := strings.TrimSpace(buf.String())
	want := `WRN Bundle failed (bundle=00000000000000AA error=boom range.start=0 range.end=249)`
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestLevelOverrides(t *testing.T) {
	SetLevelOverrides("scanner, model:WARN, bundle:bogus")
	defer func() {
		globalLevels.mut.Lock()
		delete(globalLevels.levels, "scanner")
		delete(globalLevels.levels, "model")
		globalLevels.mut.Unlock()
	}()

	if lvl := globalLevels.Get("scanner"); lvl != slog.LevelDebug {
		t.Errorf("scanner level %v, want debug", lvl)
	}
	if lvl := globalLevels.Get("model"); lvl != slog.LevelWarn {
		t.Errorf("model level %v, want warn", lvl)
	}
	if lvl := globalLevels.Get("bundle"); lvl != globalLevels.Default() {
		t.Errorf("bundle level %v, want default", lvl)
	}
}

func TestExpensive(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(&formattingHandler{opts: &formattingOptions{out: &buf}})
	calls := 0
	val := Expensive(func() any {
		calls++
		return 42
	})

	l.Debug("Filtered", slog.Any("value", val))
	if calls != 0 {
		t.Errorf("value computed for a filtered line")
	}
	l.Info("Emitted", slog.Any("value", val))
	if calls != 1 {
		t.Errorf("value computed %d times, want once", calls)
	}
	if got := strings.TrimSpace(buf.String()); got != "Emitted (value=42)" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestPackageLevels(t *testing.T) {
	RegisterPackage("levelstest", "Test package")
	globalLevels.Set("levelstest", slog.LevelWarn)
	defer func() {
		globalLevels.mut.Lock()
		delete(globalLevels.levels, "levelstest")
		delete(globalLevels.descrs, "levelstest")
		globalLevels.mut.Unlock()
	}()

	levels := PackageLevels()
	if lvl, ok := levels["levelstest"]; !ok || lvl != slog.LevelWarn {
		t.Errorf("levelstest level %v (present %v), want warn", lvl, ok)
	}
	for pkg := range levels {
		if _, ok := PackageDescrs()[pkg]; !ok {
			t.Errorf("level reported for unregistered package %q", pkg)
		}
	}
}

func TestSetOutputAndFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLineFormat(LineFormat{LevelSyslog: true})
	defer func() {
		SetOutput(logWriter())
		SetLineFormat(DefaultLineFormat)
	}()

	slog.Warn("Redirected")
	if got := buf.String(); got != "<4>Redirected\n" {
		t.Errorf("unexpected output %q", got)
	}

	SetOutput(nil)
	slog.Warn("Discarded")
	if strings.Contains(buf.String(), "Discarded") {
		t.Error("output written after SetOutput(nil)")
	}
}
