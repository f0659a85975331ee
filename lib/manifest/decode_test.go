// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package manifest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"runtime"
	"testing"

	"github.com/d4l3k/messagediff"
	"github.com/klauspost/compress/zstd"
)

func testManifest(t *testing.T) (*Builder, []byte) {
	t.Helper()
	b := NewBuilder(0x1122334455667788, HashSHA256)
	c1 := b.AddChunk(0xAA, bytes.Repeat([]byte("a"), 1000))
	c2 := b.AddChunk(0xAA, bytes.Repeat([]byte("b"), 500))
	c3 := b.AddChunk(0xBB, []byte("hello, world"))
	b.AddFile("data/sub/a.bin", []string{"en_US"}, c1.ID, c2.ID)
	b.AddFile("b.txt", nil, c3.ID)
	b.AddFile("data/c.txt", []string{"de_DE", "en_US"}, c3.ID, c1.ID)
	return b, b.Bytes()
}

func TestDecode(t *testing.T) {
	b, raw := testManifest(t)

	m, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != b.ID {
		t.Errorf("ID %016X != %016X", m.ID, b.ID)
	}
	if err := m.Verify(); err != nil {
		t.Fatal(err)
	}
	if len(m.Bundles) != 2 || len(m.Chunks) != 3 || len(m.Files) != 3 {
		t.Fatalf("unexpected counts: %d bundles, %d chunks, %d files", len(m.Bundles), len(m.Chunks), len(m.Files))
	}

	type fileSummary struct {
		Name      string
		Size      uint64
		Languages []string
		HashType  HashType
		Chunks    int
	}
	var got []fileSummary
	for _, f := range m.Files {
		got = append(got, fileSummary{f.Name, f.Size, f.Languages, f.HashType, len(f.Chunks)})
	}
	expected := []fileSummary{
		{"data/sub/a.bin", 1500, []string{"en_US"}, HashSHA256, 2},
		{"b.txt", 12, nil, HashSHA256, 1},
		{"data/c.txt", 1012, []string{"en_US", "de_DE"}, HashSHA256, 2},
	}
	if diff, equal := messagediff.PrettyDiff(expected, got); !equal {
		t.Errorf("Files differ:\n%s", diff)
	}

	if diff, equal := messagediff.PrettyDiff([]string{"de_DE", "en_US"}, m.LanguageNames()); !equal {
		t.Errorf("Languages differ:\n%s", diff)
	}
}

func TestLookups(t *testing.T) {
	_, raw := testManifest(t)
	m, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	b, ok := m.Bundle(0xBB)
	if !ok || len(b.Chunks) != 1 {
		t.Fatalf("unexpected bundle %+v, %v", b, ok)
	}
	c, ok := m.Chunk(b.Chunks[0].ID)
	if !ok || c.UncompressedSize != 12 || c.BundleID != 0xBB {
		t.Errorf("unexpected chunk %+v, %v", c, ok)
	}
	if _, ok := m.Bundle(0xCC); ok {
		t.Error("unknown bundle found")
	}
	if _, ok := m.Chunk(0); ok {
		t.Error("unknown chunk found")
	}
}

func TestDecodeBundleOffsets(t *testing.T) {
	b, raw := testManifest(t)
	m, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range m.BundleIDs() {
		bundle := m.Bundles[id]
		data := b.BundleData(id)
		var off uint64
		for _, c := range bundle.Chunks {
			if c.BundleOffset != off {
				t.Errorf("%v: expected offset %d", c, off)
			}
			off = c.End()
		}
		if off != uint64(len(data)) {
			t.Errorf("bundle %016X: chunks end at %d, bundle is %d bytes", id, off, len(data))
		}
	}
}

func TestDecodeFileOffsets(t *testing.T) {
	_, raw := testManifest(t)
	m, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}

	for _, f := range m.Files {
		var off uint64
		for _, ref := range f.Chunks {
			if ref.FileOffset != off {
				t.Errorf("%s: chunk %016X at %d, expected %d", f.Name, ref.ChunkID, ref.FileOffset, off)
			}
			off += uint64(m.Chunks[ref.ChunkID].UncompressedSize)
		}
		if off != f.Size {
			t.Errorf("%s: chunks cover %d of %d bytes", f.Name, off, f.Size)
		}
	}
}

func TestDecodeBadMagic(t *testing.T) {
	_, raw := testManifest(t)
	raw[0] = 'X'
	if _, err := Decode(raw); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
	if _, err := Decode([]byte("RM")); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic for short input, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, raw := testManifest(t)
	for n := len(Magic); n < len(raw); n++ {
		m, err := Decode(raw[:n])
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("length %d: expected ErrTruncated, got %v", n, err)
		}
		if m != nil {
			t.Fatalf("length %d: got partial manifest", n)
		}
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	b, _ := testManifest(t)
	body := b.encodeBody()
	for n := 0; n < len(body); n++ {
		_, err := decodeBody(1, body[:n])
		if err == nil {
			t.Fatalf("length %d: expected error", n)
		}
		if !errors.Is(err, ErrTruncated) && !errors.Is(err, ErrMalformed) {
			t.Fatalf("length %d: unexpected error kind: %v", n, err)
		}
	}
	if _, err := decodeBody(1, body); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	_, raw := testManifest(t)
	// Claim one more uncompressed byte than the body holds.
	raw[24]++
	if _, err := Decode(raw); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

// rawManifest wraps a compressed body in a header declaring the given
// uncompressed length.
func rawManifest(t *testing.T, body []byte, declared uint32) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	compressed := enc.EncodeAll(body, nil)

	raw := make([]byte, HeaderSize, HeaderSize+len(compressed))
	copy(raw, Magic[:])
	raw[4] = 2
	binary.LittleEndian.PutUint32(raw[8:], HeaderSize)
	binary.LittleEndian.PutUint32(raw[12:], uint32(len(compressed)))
	binary.LittleEndian.PutUint64(raw[16:], 1)
	binary.LittleEndian.PutUint32(raw[24:], declared)
	return append(raw, compressed...)
}

func allocatedDuring(fn func()) uint64 {
	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	fn()
	runtime.ReadMemStats(&after)
	return after.TotalAlloc - before.TotalAlloc
}

func TestDecodeDeclaredLengthLimit(t *testing.T) {
	cases := []struct {
		name     string
		body     []byte
		declared uint32
	}{
		{"huge declared length", []byte("tiny"), 0xFFFFFFF0},
		{"just above the limit", []byte("tiny"), maxBodyLength + 1},
		{"body inflates past the declared length", make([]byte, 64<<20), 16},
	}

	// Set up the shared decoder outside of the measurements.
	_, valid := testManifest(t)
	if _, err := Decode(valid); err != nil {
		t.Fatal(err)
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := rawManifest(t, tc.body, tc.declared)
			var err error
			alloc := allocatedDuring(func() {
				_, err = Decode(raw)
			})
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
			if alloc > 16<<20 {
				t.Errorf("decoding allocated %d bytes", alloc)
			}
		})
	}
}

func TestDecodeDroppedChunkRefs(t *testing.T) {
	b := NewBuilder(1, HashSHA256)
	c := b.AddChunk(0xAA, []byte("present"))
	b.AddFile("x", nil, 0xDEAD, c.ID, 0xBEEF)

	m, err := Decode(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if m.DroppedChunkRefs != 2 {
		t.Errorf("expected 2 dropped references, got %d", m.DroppedChunkRefs)
	}
	f := m.Files[0]
	if len(f.Chunks) != 1 || f.Chunks[0].ChunkID != c.ID || f.Chunks[0].FileOffset != 0 {
		t.Errorf("unexpected chunks %+v", f.Chunks)
	}
}

func TestDecodeFirstChunkOccurrenceWins(t *testing.T) {
	b := NewBuilder(1, HashNone)
	b.AddChunkWithID(0xAA, 7, []byte("first"))
	// Bypass the builder's deduplication to get the same ID in two bundles.
	delete(b.chunks, 7)
	b.AddChunkWithID(0xBB, 7, []byte("second copy"))
	b.AddFile("x", nil, 7)

	m, err := Decode(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if c := m.Chunks[7]; c.BundleID != 0xAA || c.UncompressedSize != 5 {
		t.Errorf("expected the chunk from the first bundle, got %v", c)
	}
	if len(m.Bundles[0xBB].Chunks) != 1 {
		t.Error("second bundle should still list its chunk")
	}
}

func TestShortVTableReadsDefaults(t *testing.T) {
	body := encodeBody(func(e *encoder) uint64 {
		return e.table(u64Field(7))
	})
	root, err := rootTable(body)
	if err != nil {
		t.Fatal(err)
	}
	if v, err := root.u64(0, 0); err != nil || v != 7 {
		t.Errorf("field 0: %d, %v", v, err)
	}
	if v, err := root.u32(3, 42); err != nil || v != 42 {
		t.Errorf("field 3: expected default, got %d, %v", v, err)
	}
	if s, err := root.string(5); err != nil || s != "" {
		t.Errorf("field 5: expected empty string, got %q, %v", s, err)
	}
	if v, err := root.tables(2); err != nil || v.Len() != 0 {
		t.Errorf("field 2: expected empty vector, got %d, %v", v.Len(), err)
	}
}

func TestAbsentFieldReadsDefault(t *testing.T) {
	body := encodeBody(func(e *encoder) uint64 {
		return e.table(field{}, u8Field(3))
	})
	root, err := rootTable(body)
	if err != nil {
		t.Fatal(err)
	}
	if v, err := root.u8(0, 9); err != nil || v != 9 {
		t.Errorf("field 0: expected default, got %d, %v", v, err)
	}
	if v, err := root.u8(1, 9); err != nil || v != 3 {
		t.Errorf("field 1: got %d, %v", v, err)
	}
}

func TestBadVTableSize(t *testing.T) {
	body := encodeBody(func(e *encoder) uint64 {
		return e.table(u64Field(7))
	})
	// The root vtable starts right after the root offset word.
	body[4] = 3
	if _, err := rootTable(body); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestFullName(t *testing.T) {
	dirs := map[uint64]Directory{
		1: {ID: 1, ParentID: 0, Name: "root"},
		2: {ID: 2, ParentID: 1, Name: ""},
		3: {ID: 3, ParentID: 2, Name: "leaf"},
	}
	cases := []struct {
		dir      uint64
		name     string
		expected string
	}{
		{0, "a.txt", "a.txt"},
		{1, "a.txt", "root/a.txt"},
		{2, "a.txt", "root/a.txt"},
		{3, "a.txt", "root/leaf/a.txt"},
	}
	for _, tc := range cases {
		res, err := fullName(dirs, tc.dir, tc.name)
		if err != nil {
			t.Fatal(err)
		}
		if res != tc.expected {
			t.Errorf("fullName(%d, %q) => %q, expected %q", tc.dir, tc.name, res, tc.expected)
		}
	}
}

func TestFullNameErrors(t *testing.T) {
	cyclic := map[uint64]Directory{
		1: {ID: 1, ParentID: 2, Name: "a"},
		2: {ID: 2, ParentID: 1, Name: "b"},
	}
	if _, err := fullName(cyclic, 1, "x"); !errors.Is(err, ErrMalformed) {
		t.Errorf("cycle: expected ErrMalformed, got %v", err)
	}
	if _, err := fullName(cyclic, 5, "x"); !errors.Is(err, ErrMalformed) {
		t.Errorf("unknown directory: expected ErrMalformed, got %v", err)
	}
}

func TestLanguagesFromMask(t *testing.T) {
	langs := []Language{{1, "en_US"}, {2, "de_DE"}, {5, "ja_JP"}}
	cases := []struct {
		mask     uint64
		expected []string
	}{
		{0, nil},
		{1, []string{"en_US"}},
		{0b10011, []string{"en_US", "de_DE", "ja_JP"}},
		{0b1000, nil},
	}
	for _, tc := range cases {
		res := languagesFromMask(langs, tc.mask)
		if diff, equal := messagediff.PrettyDiff(tc.expected, res); !equal {
			t.Errorf("mask %b:\n%s", tc.mask, diff)
		}
	}
}

func TestVerifyOverlap(t *testing.T) {
	m := &Manifest{
		Chunks: map[uint64]Chunk{},
		Bundles: map[uint64]Bundle{
			1: {ID: 1, Chunks: []Chunk{
				{ID: 10, BundleID: 1, BundleOffset: 0, CompressedSize: 100},
				{ID: 11, BundleID: 1, BundleOffset: 50, CompressedSize: 100},
			}},
		},
	}
	if err := m.Verify(); err == nil {
		t.Error("expected overlap to be detected")
	}
}

func TestVerifyCoverage(t *testing.T) {
	m := &Manifest{
		Chunks: map[uint64]Chunk{
			10: {ID: 10, BundleID: 1, CompressedSize: 10, UncompressedSize: 100},
		},
		Bundles: map[uint64]Bundle{},
		Files: []File{
			{Name: "short", Size: 200, Chunks: []ChunkRef{{ChunkID: 10}}},
		},
	}
	if err := m.Verify(); err == nil {
		t.Error("expected coverage mismatch to be detected")
	}
	m.Files[0].Size = 100
	if err := m.Verify(); err != nil {
		t.Error(err)
	}
}

func TestBuilderDeduplicates(t *testing.T) {
	b := NewBuilder(1, HashSHA512)
	c1 := b.AddChunk(0xAA, []byte("same"))
	size := len(b.BundleData(0xAA))
	c2 := b.AddChunk(0xBB, []byte("same"))
	if c1 != c2 {
		t.Errorf("%v != %v", c1, c2)
	}
	if len(b.BundleData(0xAA)) != size || b.BundleData(0xBB) != nil {
		t.Error("duplicate chunk was stored")
	}
}

func TestBuilderSequentialIDs(t *testing.T) {
	b := NewBuilder(1, HashNone)
	c1 := b.AddChunk(0xAA, []byte("one"))
	c2 := b.AddChunk(0xAA, []byte("two"))
	if c1.ID != 1 || c2.ID != 2 {
		t.Errorf("expected IDs 1 and 2, got %d and %d", c1.ID, c2.ID)
	}
	if c2.BundleOffset != uint64(c1.CompressedSize) {
		t.Errorf("second chunk at %d, expected %d", c2.BundleOffset, c1.CompressedSize)
	}
}
