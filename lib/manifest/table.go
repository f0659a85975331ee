// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package manifest

import (
	"encoding/binary"
	"fmt"
)

// The manifest body is a tree of tables. Every "pointer" is an integer
// position into the one body buffer and every read is bounds checked, so a
// damaged body produces an error rather than a panic.
//
// A table starts with an int32 distance back to its vtable. The vtable is
// a uint16 vtable size, a uint16 table size, and one uint16 per field giving
// the field's position relative to the table start (zero when absent).
// Vtables written by an older encoder may be shorter than the field count
// we know about; the missing fields read as absent.

const vtableHeaderSize = 4

func readU8(buf []byte, pos uint64) (uint8, error) {
	if pos >= uint64(len(buf)) {
		return 0, fmt.Errorf("%w: reading 1 byte at %d of %d", ErrTruncated, pos, len(buf))
	}
	return buf[pos], nil
}

func readU16(buf []byte, pos uint64) (uint16, error) {
	if pos+2 > uint64(len(buf)) {
		return 0, fmt.Errorf("%w: reading 2 bytes at %d of %d", ErrTruncated, pos, len(buf))
	}
	return binary.LittleEndian.Uint16(buf[pos:]), nil
}

func readU32(buf []byte, pos uint64) (uint32, error) {
	if pos+4 > uint64(len(buf)) {
		return 0, fmt.Errorf("%w: reading 4 bytes at %d of %d", ErrTruncated, pos, len(buf))
	}
	return binary.LittleEndian.Uint32(buf[pos:]), nil
}

func readU64(buf []byte, pos uint64) (uint64, error) {
	if pos+8 > uint64(len(buf)) {
		return 0, fmt.Errorf("%w: reading 8 bytes at %d of %d", ErrTruncated, pos, len(buf))
	}
	return binary.LittleEndian.Uint64(buf[pos:]), nil
}

// deref follows the relative uint32 offset stored at pos.
func deref(buf []byte, pos uint64) (uint64, error) {
	rel, err := readU32(buf, pos)
	if err != nil {
		return 0, err
	}
	return pos + uint64(rel), nil
}

type table struct {
	buf    []byte
	pos    uint64
	vtable uint64
	vtsize uint16
}

// rootTable returns the table pointed to by the first word of the buffer.
func rootTable(buf []byte) (table, error) {
	pos, err := deref(buf, 0)
	if err != nil {
		return table{}, fmt.Errorf("root offset: %w", err)
	}
	return tableAt(buf, pos)
}

func tableAt(buf []byte, pos uint64) (table, error) {
	soff, err := readU32(buf, pos)
	if err != nil {
		return table{}, fmt.Errorf("table at %d: %w", pos, err)
	}
	vt := int64(pos) - int64(int32(soff))
	if vt < 0 {
		return table{}, fmt.Errorf("%w: table at %d has vtable at %d", ErrMalformed, pos, vt)
	}
	vtsize, err := readU16(buf, uint64(vt))
	if err != nil {
		return table{}, fmt.Errorf("vtable at %d: %w", vt, err)
	}
	if vtsize < vtableHeaderSize || vtsize%2 != 0 {
		return table{}, fmt.Errorf("%w: vtable at %d has size %d", ErrMalformed, vt, vtsize)
	}
	if uint64(vt)+uint64(vtsize) > uint64(len(buf)) {
		return table{}, fmt.Errorf("%w: vtable at %d of size %d exceeds %d", ErrTruncated, vt, vtsize, len(buf))
	}
	return table{buf: buf, pos: pos, vtable: uint64(vt), vtsize: vtsize}, nil
}

// field returns the absolute position of field i, and false if the field
// is absent from this table.
func (t table) field(i int) (uint64, bool) {
	entry := uint64(vtableHeaderSize + 2*i)
	if entry+2 > uint64(t.vtsize) {
		// Written by an encoder that did not know about this field.
		return 0, false
	}
	rel := binary.LittleEndian.Uint16(t.buf[t.vtable+entry:])
	if rel == 0 {
		return 0, false
	}
	return t.pos + uint64(rel), true
}

func (t table) u8(i int, def uint8) (uint8, error) {
	pos, ok := t.field(i)
	if !ok {
		return def, nil
	}
	return readU8(t.buf, pos)
}

func (t table) u16(i int, def uint16) (uint16, error) {
	pos, ok := t.field(i)
	if !ok {
		return def, nil
	}
	return readU16(t.buf, pos)
}

func (t table) u32(i int, def uint32) (uint32, error) {
	pos, ok := t.field(i)
	if !ok {
		return def, nil
	}
	return readU32(t.buf, pos)
}

func (t table) u64(i int, def uint64) (uint64, error) {
	pos, ok := t.field(i)
	if !ok {
		return def, nil
	}
	return readU64(t.buf, pos)
}

// string returns the string in field i, or the empty string if absent.
func (t table) string(i int) (string, error) {
	pos, ok := t.field(i)
	if !ok {
		return "", nil
	}
	start, err := deref(t.buf, pos)
	if err != nil {
		return "", err
	}
	n, err := readU32(t.buf, start)
	if err != nil {
		return "", err
	}
	end := start + 4 + uint64(n)
	if end > uint64(len(t.buf)) {
		return "", fmt.Errorf("%w: string of length %d at %d exceeds %d", ErrTruncated, n, start, len(t.buf))
	}
	return string(t.buf[start+4 : end]), nil
}

// vector returns the vector in field i, whose elements are elemSize bytes
// each. An absent field is an empty vector.
func (t table) vector(i int, elemSize uint64) (vector, error) {
	pos, ok := t.field(i)
	if !ok {
		return vector{buf: t.buf}, nil
	}
	start, err := deref(t.buf, pos)
	if err != nil {
		return vector{}, err
	}
	n, err := readU32(t.buf, start)
	if err != nil {
		return vector{}, err
	}
	if start+4+uint64(n)*elemSize > uint64(len(t.buf)) {
		return vector{}, fmt.Errorf("%w: vector of %d elements at %d exceeds %d", ErrTruncated, n, start, len(t.buf))
	}
	return vector{buf: t.buf, start: start + 4, n: n, elemSize: elemSize}, nil
}

// tables returns the vector of tables in field i.
func (t table) tables(i int) (vector, error) {
	return t.vector(i, 4)
}

type vector struct {
	buf      []byte
	start    uint64
	n        uint32
	elemSize uint64
}

func (v vector) Len() int {
	return int(v.n)
}

func (v vector) elem(j int) uint64 {
	return v.start + uint64(j)*v.elemSize
}

// table returns element j of a vector of tables.
func (v vector) table(j int) (table, error) {
	pos, err := deref(v.buf, v.elem(j))
	if err != nil {
		return table{}, err
	}
	return tableAt(v.buf, pos)
}

// u64 returns element j of a vector of uint64.
func (v vector) u64(j int) (uint64, error) {
	return readU64(v.buf, v.elem(j))
}
