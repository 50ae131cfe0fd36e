// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bitmap provides the compressed integer-set payload for the Tiger
// cache, plus the UUID-to-dense-integer resource map it depends on.
//
// Resource IDs are dense integers allocated by the ResourceMap, so the set
// is stored as plain 64-bit words indexed by ID. Bitmaps are immutable once
// built: readers share them without locking, writers replace whole values.
// At-rest encoding is a CBOR envelope around an s2-compressed word payload.
package bitmap

import (
	"fmt"
	"math/bits"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/s2"
)

// Bitmap is an immutable set of dense uint32 resource IDs.
//
// Thread Safety: Bitmap is immutable after construction and safe for
// concurrent reads. Mutation goes through Builder, producing a new value.
type Bitmap struct {
	words []uint64
	count int
}

// Empty is the canonical empty bitmap.
var Empty = &Bitmap{}

// Contains reports whether id is in the set.
func (b *Bitmap) Contains(id uint32) bool {
	w := int(id >> 6)
	if w >= len(b.words) {
		return false
	}
	return b.words[w]&(1<<(id&63)) != 0
}

// Len returns the number of IDs in the set.
func (b *Bitmap) Len() int {
	return b.count
}

// IsEmpty reports whether the set has no members.
func (b *Bitmap) IsEmpty() bool {
	return b.count == 0
}

// Iterate calls fn for each ID in ascending order. Iteration stops early
// if fn returns false.
func (b *Bitmap) Iterate(fn func(id uint32) bool) {
	for w, word := range b.words {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			if !fn(uint32(w<<6 + bit)) {
				return
			}
			word &= word - 1
		}
	}
}

// Slice returns all IDs in ascending order. Intended for tests and
// operational tooling; hot paths use Contains/Iterate.
func (b *Bitmap) Slice() []uint32 {
	out := make([]uint32, 0, b.count)
	b.Iterate(func(id uint32) bool {
		out = append(out, id)
		return true
	})
	return out
}

// Union returns a new bitmap holding every ID in b or other.
func (b *Bitmap) Union(other *Bitmap) *Bitmap {
	longer, shorter := b.words, other.words
	if len(shorter) > len(longer) {
		longer, shorter = shorter, longer
	}
	words := make([]uint64, len(longer))
	copy(words, longer)
	for i, w := range shorter {
		words[i] |= w
	}
	return fromWords(words)
}

// WithID returns a bitmap containing every ID in b plus id. Returns b
// unchanged if id is already present.
func (b *Bitmap) WithID(id uint32) *Bitmap {
	if b.Contains(id) {
		return b
	}
	w := int(id >> 6)
	n := len(b.words)
	if w+1 > n {
		n = w + 1
	}
	words := make([]uint64, n)
	copy(words, b.words)
	words[w] |= 1 << (id & 63)
	return &Bitmap{words: words, count: b.count + 1}
}

// WithoutID returns a bitmap containing every ID in b except id.
func (b *Bitmap) WithoutID(id uint32) *Bitmap {
	if !b.Contains(id) {
		return b
	}
	words := make([]uint64, len(b.words))
	copy(words, b.words)
	words[id>>6] &^= 1 << (id & 63)
	return fromWords(words)
}

// fromWords builds a bitmap from raw words, trimming trailing zero words
// and recounting cardinality.
func fromWords(words []uint64) *Bitmap {
	end := len(words)
	for end > 0 && words[end-1] == 0 {
		end--
	}
	words = words[:end]
	count := 0
	for _, w := range words {
		count += bits.OnesCount64(w)
	}
	if count == 0 {
		return Empty
	}
	return &Bitmap{words: words, count: count}
}

// Builder accumulates IDs and produces an immutable Bitmap.
//
// Thread Safety: Builder is NOT safe for concurrent use; build in one
// goroutine and publish the finished Bitmap.
type Builder struct {
	words []uint64
}

// NewBuilder creates a builder with capacity for maxID hint (0 is fine).
func NewBuilder(maxIDHint uint32) *Builder {
	return &Builder{words: make([]uint64, 0, maxIDHint>>6+1)}
}

// Add inserts id into the set under construction.
func (bld *Builder) Add(id uint32) {
	w := int(id >> 6)
	for len(bld.words) <= w {
		bld.words = append(bld.words, 0)
	}
	bld.words[w] |= 1 << (id & 63)
}

// Build finalizes the bitmap. The builder may be reused afterwards; the
// returned bitmap owns a trimmed copy of the words.
func (bld *Builder) Build() *Bitmap {
	words := make([]uint64, len(bld.words))
	copy(words, bld.words)
	return fromWords(words)
}

// envelope is the at-rest encoding. Words are serialized little-endian and
// s2-compressed; Count is stored to avoid a re-count on load.
type envelope struct {
	Version int    `cbor:"v"`
	Count   int    `cbor:"n"`
	Payload []byte `cbor:"p"`
}

const envelopeVersion = 1

// Marshal serializes the bitmap for durable storage.
func (b *Bitmap) Marshal() ([]byte, error) {
	raw := make([]byte, len(b.words)*8)
	for i, w := range b.words {
		for j := 0; j < 8; j++ {
			raw[i*8+j] = byte(w >> (8 * j))
		}
	}
	env := envelope{
		Version: envelopeVersion,
		Count:   b.count,
		Payload: s2.Encode(nil, raw),
	}
	data, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding bitmap envelope: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes a bitmap produced by Marshal.
func Unmarshal(data []byte) (*Bitmap, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding bitmap envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported bitmap envelope version %d", env.Version)
	}
	raw, err := s2.Decode(nil, env.Payload)
	if err != nil {
		return nil, fmt.Errorf("decompressing bitmap payload: %w", err)
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("bitmap payload not word-aligned: %d bytes", len(raw))
	}
	words := make([]uint64, len(raw)/8)
	for i := range words {
		var w uint64
		for j := 0; j < 8; j++ {
			w |= uint64(raw[i*8+j]) << (8 * j)
		}
		words[i] = w
	}
	bm := fromWords(words)
	if bm.count != env.Count {
		return nil, fmt.Errorf("bitmap cardinality mismatch: envelope %d, payload %d", env.Count, bm.count)
	}
	return bm, nil
}

// Of builds a bitmap from the given IDs. Convenience for tests.
func Of(ids ...uint32) *Bitmap {
	bld := NewBuilder(0)
	for _, id := range ids {
		bld.Add(id)
	}
	return bld.Build()
}
