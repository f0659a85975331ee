// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/syncthing/bundlesync/internal/slogutil"
	"github.com/syncthing/bundlesync/lib/bundle"
	"github.com/syncthing/bundlesync/lib/config"
	"github.com/syncthing/bundlesync/lib/manifest"
	"github.com/syncthing/bundlesync/lib/model"
	"github.com/syncthing/bundlesync/lib/scanner"
	"github.com/syncthing/bundlesync/lib/svcutil"
)

type verifyCmd struct {
	SourceOptions `embed:""`

	List bool `short:"l" help:"List the files needing work"`
}

func (c *verifyCmd) Run(ctx context.Context, progress progressReporter) error {
	return c.run(ctx, os.Stdout, progress)
}

func (c *verifyCmd) run(ctx context.Context, out io.Writer, progress progressReporter) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m, err := loadManifest(ctx, c.SourceOptions)
	if err != nil {
		return err
	}

	emitter := model.NewProgressEmitter(c.ProgressInterval, progress)
	plan, err := scanner.Plan(ctx, m, c.Options, emitter.Phase(model.PhaseVerifying))
	if err != nil {
		return err
	}

	s := plan.Stats
	fmt.Fprintf(out, "%d files considered, %d up to date, %d need work, %d skipped\n", s.FilesConsidered, s.FilesUpToDate, s.FilesToPatch, s.FilesSkipped)
	fmt.Fprintf(out, "%d chunks to fetch, %v compressed, %v uncompressed\n", s.ChunksToFetch, config.ByteSize(s.BytesToFetch), config.ByteSize(s.BytesToWrite))
	if c.List {
		tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
		for _, task := range plan.Files {
			var notes []string
			if task.Missing {
				notes = append(notes, "missing")
			}
			if task.Truncate {
				notes = append(notes, "too long")
			}
			fmt.Fprintf(tw, "%s\t%d/%d chunks\t%s\n", task.File.Name, len(task.Chunks), len(task.File.Chunks), strings.Join(notes, ","))
		}
		tw.Flush()
	}

	if !plan.Empty() {
		return svcutil.AsFatalErr(errOutOfDate, svcutil.ExitIncomplete)
	}
	return nil
}

type inspectCmd struct {
	Manifest string        `arg:"" placeholder:"SRC" help:"Manifest path or URL"`
	Timeout  time.Duration `default:"2m" help:"Timeout for loading the manifest"`
	Files    bool          `short:"f" help:"List files"`
	Bundles  bool          `short:"b" help:"List bundles"`
	Pattern  string        `placeholder:"GLOB" help:"Only list files matching this glob (re: for a regular expression)"`
}

func (c *inspectCmd) Run(ctx context.Context) error {
	return c.run(ctx, os.Stdout)
}

func (c *inspectCmd) run(ctx context.Context, out io.Writer) error {
	raw, err := bundle.ReadManifest(ctx, c.Manifest, c.Timeout)
	if err != nil {
		return err
	}
	hdr, err := manifest.ParseHeader(raw)
	if err != nil {
		return err
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		return err
	}

	var chunkBytes uint64
	for _, ch := range m.Chunks {
		chunkBytes += uint64(ch.CompressedSize)
	}
	var fileBytes uint64
	for _, f := range m.Files {
		fileBytes += f.Size
	}

	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Manifest:\t%016X (format %d.%d)\n", m.ID, hdr.Major, hdr.Minor)
	fmt.Fprintf(tw, "Files:\t%d (%v)\n", len(m.Files), config.ByteSize(fileBytes))
	fmt.Fprintf(tw, "Directories:\t%d\n", len(m.Directories))
	fmt.Fprintf(tw, "Bundles:\t%d\n", len(m.Bundles))
	fmt.Fprintf(tw, "Chunks:\t%d (%v compressed)\n", len(m.Chunks), config.ByteSize(chunkBytes))
	fmt.Fprintf(tw, "Languages:\t%s\n", strings.Join(m.LanguageNames(), ", "))
	if m.DroppedChunkRefs > 0 {
		fmt.Fprintf(tw, "Dropped chunk references:\t%d\n", m.DroppedChunkRefs)
	}
	if err := m.Verify(); err != nil {
		fmt.Fprintf(tw, "Inconsistent:\t%v\n", err)
	}
	tw.Flush()

	if c.Files {
		matcher, err := scanner.NewMatcher(config.Filter{Pattern: c.Pattern, IncludeNeutral: true})
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		tw = tabwriter.NewWriter(out, 2, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintf(tw, "Size\tChunks\tHash\tLanguages\t Name\n")
		for _, f := range m.SortedFiles() {
			if !matcher.Match(f) {
				continue
			}
			name := f.Name
			if f.Symlink != "" {
				name += " -> " + f.Symlink
			}
			fmt.Fprintf(tw, "%d\t%d\t%v\t%s\t %s\n", f.Size, len(f.Chunks), f.HashType, strings.Join(f.Languages, ","), name)
		}
		tw.Flush()
	}

	if c.Bundles {
		fmt.Fprintln(out)
		tw = tabwriter.NewWriter(out, 2, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintf(tw, "Chunks\tSize\t Name\n")
		for _, id := range m.BundleIDs() {
			b, _ := m.Bundle(id)
			var size uint64
			if n := len(b.Chunks); n > 0 {
				size = b.Chunks[n-1].End()
			}
			fmt.Fprintf(tw, "%d\t%d\t %s\n", len(b.Chunks), size, b.Name())
		}
		tw.Flush()
	}
	return nil
}

type debugCmd struct{}

func (c *debugCmd) Run() error {
	return c.run(os.Stdout)
}

func (*debugCmd) run(w io.Writer) error {
	descrs := slogutil.PackageDescrs()
	levels := slogutil.PackageLevels()
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	for _, pkg := range slices.Sorted(maps.Keys(descrs)) {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", pkg, levels[pkg], descrs[pkg])
	}
	fmt.Fprintf(tw, "\nEnable with STTRACE=pkg[:LEVEL],...\n")
	return tw.Flush()
}
