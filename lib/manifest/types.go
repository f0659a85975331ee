// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package manifest

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// A Manifest describes a remote file set as chunks stored in bundles. It is
// immutable once decoded and may be shared freely between goroutines.
type Manifest struct {
	ID          uint64
	Files       []File
	Chunks      map[uint64]Chunk
	Bundles     map[uint64]Bundle
	Languages   []Language
	Directories map[uint64]Directory
	Params      []Params

	// DroppedChunkRefs counts file chunk references naming a chunk that
	// no bundle contains. Such references are skipped when decoding, so
	// the affected files come out shorter than declared.
	DroppedChunkRefs int
}

// A Bundle is a remotely stored object holding chunks back to back.
type Bundle struct {
	ID     uint64
	Chunks []Chunk // in storage order
}

// A Chunk is a compressed, content addressed piece of file data.
type Chunk struct {
	ID               uint64
	BundleID         uint64
	CompressedSize   uint32
	UncompressedSize uint32
	BundleOffset     uint64
}

// A ChunkRef places a chunk within a file.
type ChunkRef struct {
	ChunkID    uint64
	FileOffset uint64
}

type File struct {
	ID          uint64
	Name        string // slash separated, relative
	Size        uint64
	Languages   []string
	HashType    HashType
	Symlink     string
	Permissions uint8
	Chunks      []ChunkRef // in file offset order
}

type Directory struct {
	ID       uint64
	ParentID uint64
	Name     string
}

type Language struct {
	ID   uint8
	Name string
}

// Params are shared per-file parameters, referenced by index.
type Params struct {
	HashType           HashType
	MaxUncompressedLen uint32
}

// BundleName returns the remote object name for a bundle.
func BundleName(id uint64) string {
	return fmt.Sprintf("%016X.bundle", id)
}

func (b Bundle) Name() string {
	return BundleName(b.ID)
}

// End returns the bundle offset just past the chunk's compressed payload.
func (c Chunk) End() uint64 {
	return c.BundleOffset + uint64(c.CompressedSize)
}

func (c Chunk) String() string {
	return fmt.Sprintf("Chunk{%016X, bundle=%016X, off=%d, csize=%d, usize=%d}", c.ID, c.BundleID, c.BundleOffset, c.CompressedSize, c.UncompressedSize)
}

// IsNeutral returns true for files that carry no language tag.
func (f File) IsNeutral() bool {
	return len(f.Languages) == 0
}

func (f File) LogAttr() slog.Attr {
	return slog.Group("file", slog.String("name", f.Name), slog.Uint64("size", f.Size), slog.Int("chunks", len(f.Chunks)))
}

// BundleIDs returns the IDs of all bundles, in ascending order.
func (m *Manifest) BundleIDs() []uint64 {
	return slices.Sorted(maps.Keys(m.Bundles))
}

// LanguageNames returns the names of all languages, sorted.
func (m *Manifest) LanguageNames() []string {
	names := make([]string, 0, len(m.Languages))
	for _, l := range m.Languages {
		names = append(names, l.Name)
	}
	slices.Sort(names)
	return names
}

// Bundle returns the bundle with the given ID.
func (m *Manifest) Bundle(id uint64) (Bundle, bool) {
	b, ok := m.Bundles[id]
	return b, ok
}

// Chunk returns the chunk with the given ID.
func (m *Manifest) Chunk(id uint64) (Chunk, bool) {
	c, ok := m.Chunks[id]
	return c, ok
}

// Verify checks the structural invariants of a decoded manifest: chunks are
// strictly ordered and non overlapping within their bundle, and every file
// is fully covered by its chunks in offset order.
func (m *Manifest) Verify() error {
	for _, id := range m.BundleIDs() {
		b, _ := m.Bundle(id)
		var next uint64
		for i, c := range b.Chunks {
			if c.BundleID != b.ID {
				return fmt.Errorf("bundle %016X: chunk %016X claims bundle %016X", b.ID, c.ID, c.BundleID)
			}
			if i > 0 && c.BundleOffset < next {
				return fmt.Errorf("bundle %016X: chunk %016X at %d overlaps previous chunk ending at %d", b.ID, c.ID, c.BundleOffset, next)
			}
			next = c.End()
		}
	}
	for _, f := range m.Files {
		if err := m.VerifyFile(f); err != nil {
			return err
		}
	}
	return nil
}

// VerifyFile checks that the file's chunks are laid out back to back from
// offset zero and add up to the declared size.
func (m *Manifest) VerifyFile(f File) error {
	var off uint64
	for _, ref := range f.Chunks {
		c, ok := m.Chunk(ref.ChunkID)
		if !ok {
			return fmt.Errorf("file %q: unknown chunk %016X", f.Name, ref.ChunkID)
		}
		if ref.FileOffset != off {
			return fmt.Errorf("file %q: chunk %016X at offset %d, expected %d", f.Name, ref.ChunkID, ref.FileOffset, off)
		}
		off += uint64(c.UncompressedSize)
	}
	if off != f.Size {
		return fmt.Errorf("file %q: chunks cover %d bytes of %d", f.Name, off, f.Size)
	}
	return nil
}

// SortedFiles returns the manifest's files ordered by name.
func (m *Manifest) SortedFiles() []File {
	res := slices.Clone(m.Files)
	slices.SortFunc(res, func(a, b File) int { return cmp.Compare(a.Name, b.Name) })
	return res
}
