// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package manifest

import (
	"encoding/binary"
	"fmt"
	"path"
	"slices"

	"github.com/klauspost/compress/zstd"
)

// A Builder assembles a manifest and the bundles it describes. Chunks are
// compressed with zstd and appended to their bundle; Bytes encodes the
// manifest in the same format Decode reads.
type Builder struct {
	ID       uint64
	HashType HashType

	enc       *zstd.Encoder
	bundles   []*builderBundle
	byID      map[uint64]*builderBundle
	chunks    map[uint64]Chunk
	languages []string
	files     []builderFile
	nextID    uint64
}

type builderBundle struct {
	id     uint64
	chunks []Chunk
	data   []byte
}

type builderFile struct {
	name     string
	langs    []string
	chunkIDs []uint64
}

func NewBuilder(id uint64, hashType HashType) *Builder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic("bug: zstd encoder: " + err.Error())
	}
	return &Builder{
		ID:       id,
		HashType: hashType,
		enc:      enc,
		byID:     make(map[uint64]*builderBundle),
		chunks:   make(map[uint64]Chunk),
	}
}

// AddChunk compresses data into the given bundle. The chunk ID is derived
// from the data with the builder's hash type, or assigned sequentially if
// the hash type can't produce IDs. Data already present in the manifest is
// not stored twice.
func (b *Builder) AddChunk(bundleID uint64, data []byte) Chunk {
	id, ok := b.HashType.Sum(data)
	if !ok {
		b.nextID++
		id = b.nextID
	}
	return b.AddChunkWithID(bundleID, id, data)
}

// AddChunkWithID is like AddChunk with an explicit chunk ID.
func (b *Builder) AddChunkWithID(bundleID, id uint64, data []byte) Chunk {
	if c, ok := b.chunks[id]; ok {
		return c
	}
	bb, ok := b.byID[bundleID]
	if !ok {
		bb = &builderBundle{id: bundleID}
		b.byID[bundleID] = bb
		b.bundles = append(b.bundles, bb)
	}
	compressed := b.enc.EncodeAll(data, nil)
	c := Chunk{
		ID:               id,
		BundleID:         bundleID,
		CompressedSize:   uint32(len(compressed)),
		UncompressedSize: uint32(len(data)),
		BundleOffset:     uint64(len(bb.data)),
	}
	bb.data = append(bb.data, compressed...)
	bb.chunks = append(bb.chunks, c)
	b.chunks[id] = c
	return c
}

// AddFile adds a file made of the given chunks, in order. References to
// chunks that were never added are encoded as is.
func (b *Builder) AddFile(name string, languages []string, chunkIDs ...uint64) {
	for _, l := range languages {
		if !slices.Contains(b.languages, l) {
			b.languages = append(b.languages, l)
		}
	}
	b.files = append(b.files, builderFile{name: name, langs: languages, chunkIDs: chunkIDs})
}

// BundleIDs returns the IDs of the bundles in creation order.
func (b *Builder) BundleIDs() []uint64 {
	ids := make([]uint64, len(b.bundles))
	for i, bb := range b.bundles {
		ids[i] = bb.id
	}
	return ids
}

// BundleData returns the raw bundle contents.
func (b *Builder) BundleData(id uint64) []byte {
	if bb, ok := b.byID[id]; ok {
		return bb.data
	}
	return nil
}

// Bytes encodes the manifest, header included.
func (b *Builder) Bytes() []byte {
	body := b.encodeBody()
	compressed := b.enc.EncodeAll(body, nil)

	out := make([]byte, HeaderSize, HeaderSize+len(compressed))
	copy(out, Magic[:])
	out[4] = 2 // major
	out[5] = 0 // minor
	binary.LittleEndian.PutUint16(out[6:], 0)
	binary.LittleEndian.PutUint32(out[8:], HeaderSize)
	binary.LittleEndian.PutUint32(out[12:], uint32(len(compressed)))
	binary.LittleEndian.PutUint64(out[16:], b.ID)
	binary.LittleEndian.PutUint32(out[24:], uint32(len(body)))
	return append(out, compressed...)
}

func (b *Builder) encodeBody() []byte {
	// Assign directory IDs for every distinct parent path.
	dirIDs := make(map[string]uint64)
	var dirs []Directory
	var dirFor func(p string) uint64
	dirFor = func(p string) uint64 {
		if p == "." || p == "" {
			return 0
		}
		if id, ok := dirIDs[p]; ok {
			return id
		}
		parent := dirFor(path.Dir(p))
		id := uint64(len(dirs) + 1)
		dirIDs[p] = id
		dirs = append(dirs, Directory{ID: id, ParentID: parent, Name: path.Base(p)})
		return id
	}
	fileDirs := make([]uint64, len(b.files))
	for i, f := range b.files {
		fileDirs[i] = dirFor(path.Dir(f.name))
	}

	return encodeBody(func(e *encoder) uint64 {
		return e.table(
			tablesField(len(b.bundles), func(e *encoder, i int) uint64 {
				bb := b.bundles[i]
				return e.table(
					u64Field(bb.id),
					tablesField(len(bb.chunks), func(e *encoder, j int) uint64 {
						c := bb.chunks[j]
						return e.table(u64Field(c.ID), u32Field(c.CompressedSize), u32Field(c.UncompressedSize))
					}),
				)
			}),
			tablesField(len(b.languages), func(e *encoder, i int) uint64 {
				return e.table(u8Field(uint8(i+1)), stringField(b.languages[i]))
			}),
			tablesField(len(b.files), func(e *encoder, i int) uint64 {
				f := b.files[i]
				var size uint64
				for _, id := range f.chunkIDs {
					size += uint64(b.chunks[id].UncompressedSize)
				}
				return e.table(
					u64Field(uint64(i+1)),
					u64Field(fileDirs[i]),
					u32Field(uint32(size)),
					stringField(path.Base(f.name)),
					u64Field(b.localeMask(f.langs)),
					field{}, field{},
					u64VectorField(f.chunkIDs),
					field{}, field{}, field{},
					u8Field(0), // params index
				)
			}),
			tablesField(len(dirs), func(e *encoder, i int) uint64 {
				d := dirs[i]
				return e.table(u64Field(d.ID), u64Field(d.ParentID), stringField(d.Name))
			}),
			field{}, // keys
			tablesField(1, func(e *encoder, _ int) uint64 {
				return e.table(field{}, u8Field(uint8(b.HashType)))
			}),
		)
	})
}

func (b *Builder) localeMask(langs []string) uint64 {
	var mask uint64
	for _, l := range langs {
		if i := slices.Index(b.languages, l); i >= 0 && i < 64 {
			mask |= 1 << i
		}
	}
	return mask
}

func (b *Builder) String() string {
	return fmt.Sprintf("Builder{%016X, %d bundles, %d chunks, %d files}", b.ID, len(b.bundles), len(b.chunks), len(b.files))
}

// encoder appends table encoded objects to a buffer. Referenced objects
// are always written after the field pointing at them, so every relative
// offset is positive.
type encoder struct {
	buf []byte
}

// A field is one table field. The zero field is absent.
type field struct {
	size  int
	value uint64
	ref   func(e *encoder) uint64 // writes the referenced object, returns its position
}

func u8Field(v uint8) field   { return field{size: 1, value: uint64(v)} }
func u32Field(v uint32) field { return field{size: 4, value: uint64(v)} }
func u64Field(v uint64) field { return field{size: 8, value: v} }

func refField(fn func(e *encoder) uint64) field {
	return field{size: 4, ref: fn}
}

func stringField(s string) field {
	return refField(func(e *encoder) uint64 { return e.string(s) })
}

func u64VectorField(vs []uint64) field {
	return refField(func(e *encoder) uint64 { return e.u64Vector(vs) })
}

func tablesField(n int, fn func(e *encoder, i int) uint64) field {
	return refField(func(e *encoder) uint64 { return e.tableVector(n, fn) })
}

// encodeBody returns a buffer whose first word points at the table written
// by root.
func encodeBody(root func(e *encoder) uint64) []byte {
	e := &encoder{buf: make([]byte, 4)}
	t := root(e)
	binary.LittleEndian.PutUint32(e.buf, uint32(t))
	return e.buf
}

func (e *encoder) pos() uint64 {
	return uint64(len(e.buf))
}

func (e *encoder) putU32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) patchU32(at uint64, v uint32) {
	binary.LittleEndian.PutUint32(e.buf[at:], v)
}

// table writes a vtable immediately followed by its table.
func (e *encoder) table(fields ...field) uint64 {
	vt := e.pos()
	offsets := make([]uint16, len(fields))
	size := 4
	for i, f := range fields {
		if f.size == 0 {
			continue
		}
		offsets[i] = uint16(size)
		size += f.size
	}
	e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(vtableHeaderSize+2*len(fields)))
	e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(size))
	for _, o := range offsets {
		e.buf = binary.LittleEndian.AppendUint16(e.buf, o)
	}

	t := e.pos()
	e.putU32(uint32(t - vt))

	type patch struct {
		at  uint64
		ref func(e *encoder) uint64
	}
	var patches []patch
	for _, f := range fields {
		switch {
		case f.size == 0:
		case f.ref != nil:
			patches = append(patches, patch{at: e.pos(), ref: f.ref})
			e.putU32(0)
		case f.size == 1:
			e.buf = append(e.buf, uint8(f.value))
		case f.size == 4:
			e.putU32(uint32(f.value))
		case f.size == 8:
			e.buf = binary.LittleEndian.AppendUint64(e.buf, f.value)
		}
	}
	for _, p := range patches {
		target := p.ref(e)
		e.patchU32(p.at, uint32(target-p.at))
	}
	return t
}

func (e *encoder) string(s string) uint64 {
	p := e.pos()
	e.putU32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	return p
}

func (e *encoder) u64Vector(vs []uint64) uint64 {
	p := e.pos()
	e.putU32(uint32(len(vs)))
	for _, v := range vs {
		e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
	}
	return p
}

func (e *encoder) tableVector(n int, fn func(e *encoder, i int) uint64) uint64 {
	p := e.pos()
	e.putU32(uint32(n))
	slots := e.pos()
	for i := 0; i < n; i++ {
		e.putU32(0)
	}
	for i := 0; i < n; i++ {
		t := fn(e, i)
		at := slots + 4*uint64(i)
		e.patchU32(at, uint32(t-at))
	}
	return p
}
