// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config holds the tunables of a synchronization run. The same
// struct tags drive command line parsing, configuration file loading and
// programmatic defaults.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

type Options struct {
	BundleURL          string        `name:"bundles" placeholder:"URL" env:"BUNDLESYNC_BUNDLES" help:"Base URL bundles are fetched from (http, https or a blob bucket URL)" json:"bundleURL"`
	OutputDir          string        `name:"output" short:"o" placeholder:"DIR" env:"BUNDLESYNC_OUTPUT" help:"Directory to synchronize into" json:"outputDir"`
	VerifyConcurrency  int           `default:"4" env:"BUNDLESYNC_VERIFY_CONCURRENCY" help:"Number of files verified in parallel" json:"verifyConcurrency"`
	NetworkConcurrency int           `default:"16" env:"BUNDLESYNC_NETWORK_CONCURRENCY" help:"Number of simultaneous bundle range requests" json:"networkConcurrency"`
	CPUConcurrency     int           `default:"0" env:"BUNDLESYNC_CPU_CONCURRENCY" help:"Number of simultaneous decompressions (0 means one per CPU)" json:"cpuConcurrency"`
	GapTolerance       ByteSize      `default:"128KiB" env:"BUNDLESYNC_GAP_TOLERANCE" help:"Largest gap between needed chunks that is downloaded and discarded rather than split into a new request" json:"gapTolerance"`
	RetryAttempts      int           `default:"3" env:"BUNDLESYNC_RETRY_ATTEMPTS" help:"Retries for a failed range request" json:"retryAttempts"`
	RetryDelay         time.Duration `default:"1s" env:"BUNDLESYNC_RETRY_DELAY" help:"Delay between range request retries" json:"retryDelay"`
	RequestTimeout     time.Duration `default:"2m" env:"BUNDLESYNC_REQUEST_TIMEOUT" help:"Timeout for a single range request" json:"requestTimeout"`
	MaxRecvKbps        int           `default:"0" env:"BUNDLESYNC_MAX_RECV_KBPS" help:"Download rate limit in KiB/s (0 is unlimited)" json:"maxRecvKbps"`
	ProgressInterval   time.Duration `default:"250ms" help:"Minimum interval between progress updates" json:"progressInterval"`
	Fsync              bool          `help:"Flush each file to disk before closing it" json:"fsync"`

	Filter Filter `embed:"" json:"filter"`
}

type Filter struct {
	Pattern        string   `name:"pattern" placeholder:"GLOB" help:"Only sync files whose path matches this glob (prefix with re: for a regular expression)" json:"pattern"`
	Locales        []string `name:"locale" sep:"," placeholder:"LOCALE" help:"Only sync localized files for these locales" json:"locales"`
	IncludeNeutral bool     `name:"neutral" default:"true" negatable:"" help:"Include files that carry no locale" json:"includeNeutral"`
}

var errBadOption = errors.New("invalid option")

// New returns options with all defaults applied.
func New() Options {
	var opts Options
	SetDefaults(&opts)
	return opts
}

// Validate checks the numeric tunables for sanity. It does not require
// BundleURL or OutputDir, as not every operation needs them.
func (o Options) Validate() error {
	switch {
	case o.VerifyConcurrency < 1:
		return fmt.Errorf("%w: verify concurrency must be at least 1", errBadOption)
	case o.NetworkConcurrency < 1:
		return fmt.Errorf("%w: network concurrency must be at least 1", errBadOption)
	case o.CPUConcurrency < 0:
		return fmt.Errorf("%w: cpu concurrency must not be negative", errBadOption)
	case o.GapTolerance < 0:
		return fmt.Errorf("%w: gap tolerance must not be negative", errBadOption)
	case o.RetryAttempts < 0:
		return fmt.Errorf("%w: retry attempts must not be negative", errBadOption)
	case o.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay must not be negative", errBadOption)
	case o.MaxRecvKbps < 0:
		return fmt.Errorf("%w: rate limit must not be negative", errBadOption)
	}
	return nil
}

// Decompressors returns the effective decompression concurrency.
func (o Options) Decompressors() int {
	if o.CPUConcurrency > 0 {
		return o.CPUConcurrency
	}
	return runtime.GOMAXPROCS(0)
}
