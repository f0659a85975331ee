// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
)

func TestDefaults(t *testing.T) {
	opts := New()

	if opts.VerifyConcurrency != 4 {
		t.Errorf("verify concurrency %d, expected 4", opts.VerifyConcurrency)
	}
	if opts.NetworkConcurrency != 16 {
		t.Errorf("network concurrency %d, expected 16", opts.NetworkConcurrency)
	}
	if opts.GapTolerance != 128<<10 {
		t.Errorf("gap tolerance %d, expected 128 KiB", opts.GapTolerance)
	}
	if opts.RetryAttempts != 3 || opts.RetryDelay != time.Second {
		t.Errorf("retries %d/%v, expected 3/1s", opts.RetryAttempts, opts.RetryDelay)
	}
	if !opts.Filter.IncludeNeutral {
		t.Error("neutral files should be included by default")
	}
	if opts.Decompressors() < 1 {
		t.Error("decompressors must be at least one")
	}
	if err := opts.Validate(); err != nil {
		t.Error(err)
	}
}

func TestValidate(t *testing.T) {
	cases := []func(*Options){
		func(o *Options) { o.VerifyConcurrency = 0 },
		func(o *Options) { o.NetworkConcurrency = -1 },
		func(o *Options) { o.CPUConcurrency = -1 },
		func(o *Options) { o.GapTolerance = -1 },
		func(o *Options) { o.RetryAttempts = -1 },
		func(o *Options) { o.MaxRecvKbps = -5 },
	}
	for i, mod := range cases {
		opts := New()
		mod(&opts)
		if err := opts.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in  string
		ok  bool
		val ByteSize
	}{
		{"4096", true, 4096},
		{"128KiB", true, 128 << 10},
		{"128 kib", true, 128 << 10},
		{"1MB", true, 1000000},
		{"1.5MiB", true, 3 << 19},
		{"2G", true, 2 << 30},
		{"12B", true, 12},
		{"", false, 0},
		{"-1", false, 0},
		{"lots", false, 0},
	}
	for _, tc := range cases {
		val, err := ParseByteSize(tc.in)
		if tc.ok && err != nil {
			t.Errorf("%q: unexpected error %v", tc.in, err)
		} else if !tc.ok && err == nil {
			t.Errorf("%q: expected error", tc.in)
		} else if tc.ok && val != tc.val {
			t.Errorf("%q: got %d, expected %d", tc.in, val, tc.val)
		}
	}
}

func TestByteSizeString(t *testing.T) {
	cases := map[ByteSize]string{
		128 << 10: "128KiB",
		3 << 20:   "3MiB",
		1 << 30:   "1GiB",
		1000:      "1000B",
	}
	for in, want := range cases {
		if got := in.String(); got != want {
			t.Errorf("%d: got %q, expected %q", in, got, want)
		}
	}
}

func TestYAMLLoader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundlesync.yaml")
	conf := "network_concurrency: 32\ngap_tolerance: 256KiB\nretry_delay: 5s\nlocale: [en_US, de_DE]\nneutral: false\n"
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}

	var cli struct {
		Options `embed:""`
	}
	parser, err := kong.New(&cli, kong.Configuration(YAMLLoader, path))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parser.Parse([]string{"--verify-concurrency=2"}); err != nil {
		t.Fatal(err)
	}

	if cli.NetworkConcurrency != 32 {
		t.Errorf("network concurrency %d, expected 32 from file", cli.NetworkConcurrency)
	}
	if cli.VerifyConcurrency != 2 {
		t.Errorf("verify concurrency %d, expected 2 from flag", cli.VerifyConcurrency)
	}
	if cli.GapTolerance != 256<<10 {
		t.Errorf("gap tolerance %v, expected 256KiB", cli.GapTolerance)
	}
	if cli.RetryDelay != 5*time.Second {
		t.Errorf("retry delay %v, expected 5s", cli.RetryDelay)
	}
	if len(cli.Filter.Locales) != 2 || cli.Filter.Locales[1] != "de_DE" {
		t.Errorf("locales %v, expected [en_US de_DE]", cli.Filter.Locales)
	}
	if cli.Filter.IncludeNeutral {
		t.Error("neutral should be false from file")
	}
}
