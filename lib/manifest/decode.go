// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package manifest decodes binary release manifests: a fixed header
// followed by a zstd compressed table tree describing bundles, chunks,
// languages, directories and files.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/syncthing/bundlesync/internal/slogutil"
)

var Magic = [4]byte{'R', 'M', 'A', 'N'}

const HeaderSize = 28

var (
	ErrBadMagic  = errors.New("manifest: bad magic")
	ErrTruncated = errors.New("manifest: truncated data")
	ErrMalformed = errors.New("manifest: malformed data")
)

// Field indices of the table schema.
const (
	rootBundles     = 0
	rootLanguages   = 1
	rootFiles       = 2
	rootDirectories = 3
	rootParams      = 5

	bundleID     = 0
	bundleChunks = 1

	chunkID               = 0
	chunkCompressedSize   = 1
	chunkUncompressedSize = 2

	languageID   = 0
	languageName = 1

	fileID          = 0
	fileDirectory   = 1
	fileSize        = 2
	fileName        = 3
	fileLocaleMask  = 4
	fileChunkIDs    = 7
	fileSymlink     = 9
	fileParamsIndex = 11
	filePermissions = 12

	directoryID     = 0
	directoryParent = 1
	directoryName   = 2

	paramsHashType        = 1
	paramsMaxUncompressed = 4
)

type Header struct {
	Major              uint8
	Minor              uint8
	Flags              uint16
	BodyOffset         uint32
	BodyLength         uint32
	ID                 uint64
	UncompressedLength uint32
}

func init() {
	slogutil.RegisterPackage("manifest", "Manifest decoding")
}

// maxBodyLength bounds the declared uncompressed body length.
const maxBodyLength = 256 << 20

var bodyDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecodeAllCapLimit(true))
})

// ParseHeader validates the magic and returns the fixed header.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < len(Magic) || !bytes.Equal(raw[:len(Magic)], Magic[:]) {
		return Header{}, ErrBadMagic
	}
	if len(raw) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header is %d bytes, need %d", ErrTruncated, len(raw), HeaderSize)
	}
	var hdr Header
	hdr.Major, _ = readU8(raw, 4)
	hdr.Minor, _ = readU8(raw, 5)
	hdr.Flags, _ = readU16(raw, 6)
	hdr.BodyOffset, _ = readU32(raw, 8)
	hdr.BodyLength, _ = readU32(raw, 12)
	hdr.ID, _ = readU64(raw, 16)
	hdr.UncompressedLength, _ = readU32(raw, 24)
	if uint64(hdr.BodyOffset)+uint64(hdr.BodyLength) > uint64(len(raw)) {
		return Header{}, fmt.Errorf("%w: body at %d+%d exceeds %d bytes", ErrTruncated, hdr.BodyOffset, hdr.BodyLength, len(raw))
	}
	return hdr, nil
}

// Decode parses a complete manifest. It never returns a partial manifest:
// any structural problem is an error wrapping ErrBadMagic, ErrTruncated or
// ErrMalformed.
func Decode(raw []byte) (*Manifest, error) {
	hdr, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}

	if hdr.UncompressedLength > maxBodyLength {
		return nil, fmt.Errorf("%w: declared body length %d exceeds %d", ErrMalformed, hdr.UncompressedLength, maxBodyLength)
	}

	dec, err := bodyDecoder()
	if err != nil {
		return nil, err
	}
	// Output is limited to the buffer's capacity, the declared length.
	compressed := raw[hdr.BodyOffset : hdr.BodyOffset+hdr.BodyLength]
	body, err := dec.DecodeAll(compressed, make([]byte, 0, hdr.UncompressedLength))
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, fmt.Errorf("%w: body exceeds the declared %d bytes", ErrMalformed, hdr.UncompressedLength)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing body: %w", ErrMalformed, err)
	}
	if len(body) != int(hdr.UncompressedLength) {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrMalformed, len(body), hdr.UncompressedLength)
	}

	m, err := decodeBody(hdr.ID, body)
	if err != nil {
		return nil, err
	}
	if m.DroppedChunkRefs > 0 {
		slog.Warn("Manifest references unknown chunks", slogutil.Hex("manifest", m.ID), slog.Int("dropped", m.DroppedChunkRefs))
	}
	slog.Debug("Decoded manifest", slogutil.Hex("manifest", m.ID), slog.Int("bundles", len(m.Bundles)), slog.Int("chunks", len(m.Chunks)), slog.Int("files", len(m.Files)))
	return m, nil
}

func decodeBody(id uint64, body []byte) (*Manifest, error) {
	root, err := rootTable(body)
	if err != nil {
		return nil, fmt.Errorf("root table: %w", err)
	}

	m := &Manifest{
		ID:          id,
		Chunks:      make(map[uint64]Chunk),
		Bundles:     make(map[uint64]Bundle),
		Directories: make(map[uint64]Directory),
	}
	if err := decodeBundles(m, root); err != nil {
		return nil, fmt.Errorf("bundles: %w", err)
	}
	if err := decodeLanguages(m, root); err != nil {
		return nil, fmt.Errorf("languages: %w", err)
	}
	if err := decodeDirectories(m, root); err != nil {
		return nil, fmt.Errorf("directories: %w", err)
	}
	if err := decodeParams(m, root); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	if err := decodeFiles(m, root); err != nil {
		return nil, fmt.Errorf("files: %w", err)
	}
	return m, nil
}

func decodeBundles(m *Manifest, root table) error {
	bundles, err := root.tables(rootBundles)
	if err != nil {
		return err
	}
	for i := 0; i < bundles.Len(); i++ {
		bt, err := bundles.table(i)
		if err != nil {
			return err
		}
		id, err := bt.u64(bundleID, 0)
		if err != nil {
			return err
		}
		chunks, err := bt.tables(bundleChunks)
		if err != nil {
			return fmt.Errorf("bundle %016X: %w", id, err)
		}

		b := Bundle{ID: id, Chunks: make([]Chunk, 0, chunks.Len())}
		var offset uint64
		for j := 0; j < chunks.Len(); j++ {
			ct, err := chunks.table(j)
			if err != nil {
				return fmt.Errorf("bundle %016X: %w", id, err)
			}
			c, err := decodeChunk(ct)
			if err != nil {
				return fmt.Errorf("bundle %016X: %w", id, err)
			}
			c.BundleID = id
			c.BundleOffset = offset
			offset += uint64(c.CompressedSize)

			b.Chunks = append(b.Chunks, c)
			if _, ok := m.Chunks[c.ID]; !ok {
				m.Chunks[c.ID] = c
			}
		}
		m.Bundles[id] = b
	}
	return nil
}

func decodeChunk(t table) (Chunk, error) {
	var c Chunk
	var err error
	if c.ID, err = t.u64(chunkID, 0); err != nil {
		return Chunk{}, err
	}
	if c.CompressedSize, err = t.u32(chunkCompressedSize, 0); err != nil {
		return Chunk{}, err
	}
	if c.UncompressedSize, err = t.u32(chunkUncompressedSize, 0); err != nil {
		return Chunk{}, err
	}
	return c, nil
}

func decodeLanguages(m *Manifest, root table) error {
	langs, err := root.tables(rootLanguages)
	if err != nil {
		return err
	}
	m.Languages = make([]Language, 0, langs.Len())
	for i := 0; i < langs.Len(); i++ {
		lt, err := langs.table(i)
		if err != nil {
			return err
		}
		var l Language
		if l.ID, err = lt.u8(languageID, 0); err != nil {
			return err
		}
		if l.Name, err = lt.string(languageName); err != nil {
			return err
		}
		m.Languages = append(m.Languages, l)
	}
	return nil
}

func decodeDirectories(m *Manifest, root table) error {
	dirs, err := root.tables(rootDirectories)
	if err != nil {
		return err
	}
	for i := 0; i < dirs.Len(); i++ {
		dt, err := dirs.table(i)
		if err != nil {
			return err
		}
		var d Directory
		if d.ID, err = dt.u64(directoryID, 0); err != nil {
			return err
		}
		if d.ParentID, err = dt.u64(directoryParent, 0); err != nil {
			return err
		}
		if d.Name, err = dt.string(directoryName); err != nil {
			return err
		}
		m.Directories[d.ID] = d
	}
	return nil
}

func decodeParams(m *Manifest, root table) error {
	params, err := root.tables(rootParams)
	if err != nil {
		return err
	}
	m.Params = make([]Params, 0, params.Len())
	for i := 0; i < params.Len(); i++ {
		pt, err := params.table(i)
		if err != nil {
			return err
		}
		ht, err := pt.u8(paramsHashType, 0)
		if err != nil {
			return err
		}
		maxLen, err := pt.u32(paramsMaxUncompressed, 0)
		if err != nil {
			return err
		}
		m.Params = append(m.Params, Params{HashType: HashType(ht), MaxUncompressedLen: maxLen})
	}
	return nil
}

func decodeFiles(m *Manifest, root table) error {
	files, err := root.tables(rootFiles)
	if err != nil {
		return err
	}
	m.Files = make([]File, 0, files.Len())
	for i := 0; i < files.Len(); i++ {
		ft, err := files.table(i)
		if err != nil {
			return err
		}
		f, err := decodeFile(m, ft)
		if err != nil {
			return fmt.Errorf("file %d: %w", i, err)
		}
		m.Files = append(m.Files, f)
	}
	return nil
}

func decodeFile(m *Manifest, t table) (File, error) {
	var f File
	var err error
	if f.ID, err = t.u64(fileID, 0); err != nil {
		return File{}, err
	}
	dirID, err := t.u64(fileDirectory, 0)
	if err != nil {
		return File{}, err
	}
	size, err := t.u32(fileSize, 0)
	if err != nil {
		return File{}, err
	}
	f.Size = uint64(size)
	name, err := t.string(fileName)
	if err != nil {
		return File{}, err
	}
	mask, err := t.u64(fileLocaleMask, 0)
	if err != nil {
		return File{}, err
	}
	if f.Symlink, err = t.string(fileSymlink); err != nil {
		return File{}, err
	}
	paramsIdx, err := t.u8(fileParamsIndex, 0)
	if err != nil {
		return File{}, err
	}
	if f.Permissions, err = t.u8(filePermissions, 0); err != nil {
		return File{}, err
	}

	if f.Name, err = fullName(m.Directories, dirID, name); err != nil {
		return File{}, err
	}
	f.Languages = languagesFromMask(m.Languages, mask)
	if int(paramsIdx) < len(m.Params) {
		f.HashType = m.Params[paramsIdx].HashType
	}

	ids, err := t.vector(fileChunkIDs, 8)
	if err != nil {
		return File{}, err
	}
	f.Chunks = make([]ChunkRef, 0, ids.Len())
	var offset uint64
	for j := 0; j < ids.Len(); j++ {
		id, err := ids.u64(j)
		if err != nil {
			return File{}, err
		}
		c, ok := m.Chunks[id]
		if !ok {
			m.DroppedChunkRefs++
			slog.Debug("Dropping reference to unknown chunk", slog.String("file", f.Name), slogutil.Hex("chunk", id))
			continue
		}
		f.Chunks = append(f.Chunks, ChunkRef{ChunkID: id, FileOffset: offset})
		offset += uint64(c.UncompressedSize)
	}
	return f, nil
}

// fullName prefixes the file name with the names of its ancestor
// directories. A directory whose parent is zero is the last one walked.
func fullName(dirs map[uint64]Directory, dirID uint64, name string) (string, error) {
	parts := []string{name}
	for steps := 0; dirID != 0; steps++ {
		if steps > len(dirs) {
			return "", fmt.Errorf("%w: directory cycle at %016X", ErrMalformed, dirID)
		}
		d, ok := dirs[dirID]
		if !ok {
			return "", fmt.Errorf("%w: unknown directory %016X", ErrMalformed, dirID)
		}
		if d.Name != "" {
			parts = append(parts, d.Name)
		}
		dirID = d.ParentID
	}
	slices.Reverse(parts)
	return path.Join(parts...), nil
}

// languagesFromMask returns the names of the languages whose bit is set.
// Language N (counting from one) is bit N-1.
func languagesFromMask(langs []Language, mask uint64) []string {
	if mask == 0 {
		return nil
	}
	var names []string
	for _, l := range langs {
		if l.ID == 0 || l.ID > 64 {
			continue
		}
		if mask&(1<<(l.ID-1)) != 0 {
			names = append(names, l.Name)
		}
	}
	return names
}
