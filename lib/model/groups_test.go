// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"testing"

	"github.com/d4l3k/messagediff"

	"github.com/syncthing/bundlesync/lib/manifest"
	"github.com/syncthing/bundlesync/lib/scanner"
)

func plannedChunk(bundleID, offset uint64, size uint32) scanner.PlannedChunk {
	id := bundleID<<32 | offset
	return scanner.PlannedChunk{
		ChunkRef: manifest.ChunkRef{ChunkID: id},
		Chunk: manifest.Chunk{
			ID:               id,
			BundleID:         bundleID,
			BundleOffset:     offset,
			CompressedSize:   size,
			UncompressedSize: size,
		},
		Task: &scanner.FileTask{},
	}
}

type groupSummary struct {
	BundleID uint64
	Start    uint64
	End      uint64
	Chunks   int
}

func summarizeGroups(groups []DownloadGroup) []groupSummary {
	var res []groupSummary
	for _, g := range groups {
		res = append(res, groupSummary{g.BundleID, g.Start, g.End, len(g.Chunks)})
	}
	return res
}

func TestPlanGroups(t *testing.T) {
	cases := []struct {
		name     string
		chunks   []scanner.PlannedChunk
		tol      int64
		expected []groupSummary
	}{
		{
			name: "gap within tolerance joins, large gap splits",
			chunks: []scanner.PlannedChunk{
				plannedChunk(1, 0, 100),
				plannedChunk(1, 150, 100),
				plannedChunk(1, 100000, 100),
			},
			tol: 64 << 10,
			expected: []groupSummary{
				{1, 0, 249, 2},
				{1, 100000, 100099, 1},
			},
		},
		{
			name: "default tolerance bridges a 99750 byte gap",
			chunks: []scanner.PlannedChunk{
				plannedChunk(1, 0, 100),
				plannedChunk(1, 150, 100),
				plannedChunk(1, 100000, 100),
			},
			tol: DefaultGapTolerance,
			expected: []groupSummary{
				{1, 0, 100099, 3},
			},
		},
		{
			name: "gap exactly at tolerance",
			chunks: []scanner.PlannedChunk{
				plannedChunk(1, 0, 10),
				plannedChunk(1, 20, 10),
				plannedChunk(1, 41, 10),
			},
			tol: 10,
			expected: []groupSummary{
				{1, 0, 29, 2},
				{1, 41, 50, 1},
			},
		},
		{
			name: "zero tolerance only joins adjacent chunks",
			chunks: []scanner.PlannedChunk{
				plannedChunk(1, 0, 10),
				plannedChunk(1, 10, 10),
				plannedChunk(1, 21, 10),
			},
			tol: 0,
			expected: []groupSummary{
				{1, 0, 19, 2},
				{1, 21, 30, 1},
			},
		},
		{
			name: "bundles are separated and ordered",
			chunks: []scanner.PlannedChunk{
				plannedChunk(7, 500, 10),
				plannedChunk(3, 0, 10),
				plannedChunk(7, 0, 10),
				plannedChunk(3, 10, 10),
			},
			tol: DefaultGapTolerance,
			expected: []groupSummary{
				{3, 0, 19, 2},
				{7, 0, 509, 2},
			},
		},
		{
			name: "shared chunk stays attached to both destinations",
			chunks: []scanner.PlannedChunk{
				plannedChunk(1, 20, 10),
				plannedChunk(1, 0, 10),
				plannedChunk(1, 20, 10),
			},
			tol: 0,
			expected: []groupSummary{
				{1, 0, 9, 1},
				{1, 20, 29, 2},
			},
		},
		{
			name:   "nothing to do",
			chunks: nil,
			tol:    DefaultGapTolerance,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			groups := PlanGroups(tc.chunks, tc.tol)
			if diff, equal := messagediff.PrettyDiff(tc.expected, summarizeGroups(groups)); !equal {
				t.Errorf("unexpected groups:\n%s", diff)
			}
			for _, g := range groups {
				for i := 1; i < len(g.Chunks); i++ {
					if g.Chunks[i].BundleOffset < g.Chunks[i-1].BundleOffset {
						t.Errorf("%v: chunks out of order", g)
					}
				}
			}
		})
	}
}

func TestPlanGroupsCoversEveryChunk(t *testing.T) {
	var chunks []scanner.PlannedChunk
	for i := uint64(0); i < 100; i++ {
		chunks = append(chunks, plannedChunk(i%3, i*1000, 500))
	}
	groups := PlanGroups(chunks, 600)

	seen := make(map[uint64]bool)
	for _, g := range groups {
		for _, c := range g.Chunks {
			if c.BundleID != g.BundleID {
				t.Errorf("%v: chunk from bundle %d", g, c.BundleID)
			}
			if c.BundleOffset < g.Start || c.End()-1 > g.End {
				t.Errorf("%v: chunk %v outside range", g, c.Chunk)
			}
			seen[c.ID] = true
		}
	}
	if len(seen) != len(chunks) {
		t.Errorf("expected %d chunks in groups, got %d", len(chunks), len(seen))
	}
}

func TestDownloadGroupWasted(t *testing.T) {
	groups := PlanGroups([]scanner.PlannedChunk{
		plannedChunk(1, 0, 100),
		plannedChunk(1, 150, 100),
		plannedChunk(1, 150, 100),
	}, DefaultGapTolerance)
	if len(groups) != 1 {
		t.Fatalf("expected one group, got %d", len(groups))
	}
	if l := groups[0].Len(); l != 250 {
		t.Errorf("expected length 250, got %d", l)
	}
	if w := groups[0].Wasted(); w != 50 {
		t.Errorf("expected 50 wasted bytes, got %d", w)
	}
}

func TestPlanGroupsEmptyChunkSharingOffset(t *testing.T) {
	empty := plannedChunk(1, 100, 0)
	empty.Chunk.ID = 1
	other := plannedChunk(1, 100, 50)
	other.Chunk.ID = 2

	groups := PlanGroups([]scanner.PlannedChunk{other, empty, other, empty}, 0)
	if len(groups) != 1 {
		t.Fatalf("expected one group, got %d", len(groups))
	}
	var ids []uint64
	for _, c := range groups[0].Chunks {
		ids = append(ids, c.Chunk.ID)
	}
	if diff, equal := messagediff.PrettyDiff([]uint64{1, 1, 2, 2}, ids); !equal {
		t.Errorf("destinations of one chunk should be adjacent:\n%s", diff)
	}
	if w := groups[0].Wasted(); w != 0 {
		t.Errorf("expected nothing wasted, got %d", w)
	}
}
