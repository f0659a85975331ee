// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/syncthing/bundlesync/lib/scanner"
)

// DefaultGapTolerance is the largest run of unneeded bytes between two
// needed chunks that is downloaded and thrown away rather than costing a
// second request.
const DefaultGapTolerance = 128 << 10

// A DownloadGroup is one range request: a contiguous span of a bundle and
// the chunks within it. Start and End are inclusive bundle offsets.
type DownloadGroup struct {
	BundleID uint64
	Start    uint64
	End      uint64

	// Chunks are in ascending bundle offset order. A chunk needed by
	// several files is listed once per destination, with the entries next
	// to each other.
	Chunks []scanner.PlannedChunk
}

// Len returns the number of bytes requested.
func (g DownloadGroup) Len() uint64 {
	return g.End - g.Start + 1
}

// Wasted returns the number of requested bytes that belong to no needed
// chunk.
func (g DownloadGroup) Wasted() uint64 {
	var used uint64
	for i, c := range g.Chunks {
		if i > 0 && sameChunk(g.Chunks[i-1], c) {
			continue
		}
		used += uint64(c.CompressedSize)
	}
	return g.Len() - used
}

func (g DownloadGroup) String() string {
	return fmt.Sprintf("DownloadGroup{%016X, %d-%d, %d chunks}", g.BundleID, g.Start, g.End, len(g.Chunks))
}

// PlanGroups splits the needed chunks into range requests. Chunks are
// bucketed per bundle and sorted by offset; a chunk joins the current group
// when the gap after the previous chunk is at most gapTolerance bytes.
// Groups come out ordered by bundle ID, then offset.
func PlanGroups(chunks []scanner.PlannedChunk, gapTolerance int64) []DownloadGroup {
	if gapTolerance < 0 {
		gapTolerance = 0
	}

	perBundle := make(map[uint64][]scanner.PlannedChunk)
	for _, c := range chunks {
		perBundle[c.BundleID] = append(perBundle[c.BundleID], c)
	}

	var groups []DownloadGroup
	for _, id := range slices.Sorted(maps.Keys(perBundle)) {
		bundleChunks := perBundle[id]
		// An empty chunk can share its offset with the next one; the ID
		// keeps the destinations of each chunk together.
		slices.SortStableFunc(bundleChunks, func(a, b scanner.PlannedChunk) int {
			return cmp.Or(cmp.Compare(a.BundleOffset, b.BundleOffset), cmp.Compare(a.Chunk.ID, b.Chunk.ID))
		})

		var cur *DownloadGroup
		var end uint64 // exclusive end of the current group
		for _, c := range bundleChunks {
			if cur != nil && c.BundleOffset >= end && c.BundleOffset-end > uint64(gapTolerance) {
				cur.End = groupEnd(cur.Start, end)
				groups = append(groups, *cur)
				cur = nil
			}
			if cur == nil {
				cur = &DownloadGroup{BundleID: id, Start: c.BundleOffset}
				end = c.BundleOffset
			}
			cur.Chunks = append(cur.Chunks, c)
			end = max(end, c.End())
		}
		if cur != nil {
			cur.End = groupEnd(cur.Start, end)
			groups = append(groups, *cur)
		}
	}
	return groups
}

func groupEnd(start, end uint64) uint64 {
	if end <= start {
		// Only empty chunks; request a single byte to keep the range valid.
		return start
	}
	return end - 1
}

// sameChunk is true for two destinations of one stored chunk.
func sameChunk(a, b scanner.PlannedChunk) bool {
	return a.Chunk.ID == b.Chunk.ID && a.BundleOffset == b.BundleOffset
}
