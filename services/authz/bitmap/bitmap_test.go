// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bitmap

import (
	"math/rand"
	"testing"
)

func TestBitmapBasics(t *testing.T) {
	t.Run("empty bitmap contains nothing", func(t *testing.T) {
		if Empty.Contains(0) || Empty.Contains(1<<20) {
			t.Error("empty bitmap reported membership")
		}
		if Empty.Len() != 0 || !Empty.IsEmpty() {
			t.Error("empty bitmap has nonzero length")
		}
	})

	t.Run("builder round trip", func(t *testing.T) {
		bm := Of(0, 1, 63, 64, 65, 1000, 70000)

		if bm.Len() != 7 {
			t.Fatalf("Len = %d, want 7", bm.Len())
		}
		for _, id := range []uint32{0, 1, 63, 64, 65, 1000, 70000} {
			if !bm.Contains(id) {
				t.Errorf("missing id %d", id)
			}
		}
		for _, id := range []uint32{2, 62, 66, 999, 70001} {
			if bm.Contains(id) {
				t.Errorf("unexpected id %d", id)
			}
		}
	})

	t.Run("iterate ascending", func(t *testing.T) {
		bm := Of(5, 1, 128, 64)
		var got []uint32
		bm.Iterate(func(id uint32) bool {
			got = append(got, id)
			return true
		})
		want := []uint32{1, 5, 64, 128}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	})

	t.Run("union", func(t *testing.T) {
		u := Of(1, 2).Union(Of(2, 300))
		if u.Len() != 3 || !u.Contains(1) || !u.Contains(2) || !u.Contains(300) {
			t.Errorf("union = %v", u.Slice())
		}
	})

	t.Run("with and without id are persistent", func(t *testing.T) {
		base := Of(10)
		grown := base.WithID(99)
		if base.Contains(99) {
			t.Error("WithID mutated the receiver")
		}
		if !grown.Contains(99) || grown.Len() != 2 {
			t.Errorf("grown = %v", grown.Slice())
		}

		shrunk := grown.WithoutID(10)
		if !grown.Contains(10) {
			t.Error("WithoutID mutated the receiver")
		}
		if shrunk.Contains(10) || shrunk.Len() != 1 {
			t.Errorf("shrunk = %v", shrunk.Slice())
		}
	})

	t.Run("with existing id returns receiver", func(t *testing.T) {
		bm := Of(7)
		if bm.WithID(7) != bm {
			t.Error("WithID allocated for an existing member")
		}
	})
}

func TestBitmapMarshal(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		bld := NewBuilder(1 << 20)
		for i := 0; i < 5000; i++ {
			bld.Add(uint32(rng.Intn(1 << 20)))
		}
		bm := bld.Build()

		data, err := bm.Marshal()
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}

		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if got.Len() != bm.Len() {
			t.Fatalf("Len = %d, want %d", got.Len(), bm.Len())
		}
		bm.Iterate(func(id uint32) bool {
			if !got.Contains(id) {
				t.Fatalf("missing id %d after round trip", id)
			}
			return true
		})
	})

	t.Run("empty round trip", func(t *testing.T) {
		data, err := Empty.Marshal()
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if !got.IsEmpty() {
			t.Errorf("got %v, want empty", got.Slice())
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		if _, err := Unmarshal([]byte{0xff, 0x00, 0x13}); err == nil {
			t.Error("expected decode error")
		}
	})
}
