// diff/diff_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package diff

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func genRandom(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func genSeeded(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	_, _ = r.Read(b)
	return b
}

func roundTrip(t *testing.T, orig, updated []byte) Stats {
	t.Helper()
	var d bytes.Buffer
	stats, err := Create(bytes.NewReader(orig), bytes.NewReader(updated), &d)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if stats.Size != int64(d.Len()) {
		t.Errorf("stats size %d, wrote %d", stats.Size, d.Len())
	}

	var out bytes.Buffer
	if err := Apply(bytes.NewReader(orig), bytes.NewReader(d.Bytes()), &out); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !bytes.Equal(out.Bytes(), updated) {
		t.Fatalf("round trip mismatch: orig %d bytes, updated %d bytes, got %d bytes",
			len(orig), len(updated), out.Len())
	}
	return stats
}

func TestIdentical(t *testing.T) {
	for _, n := range []int{0, 1, 63, 64, 4095, 4096, 4097, 100000} {
		b := genRandom(n)
		var d bytes.Buffer
		stats, err := Create(bytes.NewReader(b), bytes.NewReader(b), &d)
		if err != nil {
			t.Fatal(err)
		}
		if !stats.Identical || d.Len() != 0 {
			t.Errorf("%d bytes: expected empty diff, got %d bytes (%s)", n, d.Len(), stats)
		}
		roundTrip(t, b, b)
	}
}

func TestEmpty(t *testing.T) {
	b := genRandom(10000)

	stats := roundTrip(t, b, nil)
	if stats.Identical || stats.Size == 0 {
		t.Errorf("emptying a payload gave an empty diff")
	}

	stats = roundTrip(t, nil, b)
	if stats.CopyChunks != 0 || stats.DataBytes != int64(len(b)) {
		t.Errorf("unexpected stats from empty original: %s", stats)
	}
}

func TestUnchangedBlocksAreCopied(t *testing.T) {
	orig := genRandom(10 * ChunkSize)
	updated := append([]byte(nil), orig...)
	// Flip one byte in the middle of the fourth chunk.
	updated[3*ChunkSize+100] ^= 0xff

	stats := roundTrip(t, orig, updated)
	if stats.CopyChunks != 9 || stats.DataChunks != 1 {
		t.Errorf("expected 9 copies and 1 data chunk, got %s", stats)
	}
	if stats.Size >= int64(len(updated)) {
		t.Errorf("diff isn't smaller than the payload: %s", stats)
	}
}

func TestMovedBlocks(t *testing.T) {
	// Whole chunks that move to other aligned positions are still found.
	orig := genRandom(4 * ChunkSize)
	var updated []byte
	for _, i := range []int{3, 0, 2, 1} {
		updated = append(updated, orig[i*ChunkSize:(i+1)*ChunkSize]...)
	}
	stats := roundTrip(t, orig, updated)
	if stats.CopyChunks != 4 {
		t.Errorf("expected 4 copies, got %s", stats)
	}
}

func TestShiftDegradesToData(t *testing.T) {
	orig := genRandom(8 * ChunkSize)
	updated := append([]byte{42}, orig...)
	stats := roundTrip(t, orig, updated)
	if stats.CopyChunks != 0 {
		t.Errorf("unaligned insertion unexpectedly matched: %s", stats)
	}
}

func TestTrailingShortChunk(t *testing.T) {
	orig := genRandom(3*ChunkSize + 100)
	updated := append([]byte(nil), orig...)
	stats := roundTrip(t, orig, updated[:len(updated)-1])
	if stats.CopyChunks != 3 || stats.DataChunks != 1 || stats.DataBytes != 99 {
		t.Errorf("unexpected stats: %s", stats)
	}
}

func TestWeakHashCollisions(t *testing.T) {
	// Chunks that share their leading window but differ afterward must
	// not be confused.
	prefix := genRandom(WindowSize)
	var orig, updated []byte
	for i := 0; i < 4; i++ {
		orig = append(orig, prefix...)
		orig = append(orig, genRandom(ChunkSize-WindowSize)...)
		updated = append(updated, prefix...)
		updated = append(updated, genRandom(ChunkSize-WindowSize)...)
	}
	stats := roundTrip(t, orig, updated)
	if stats.CopyChunks != 0 {
		t.Errorf("matched chunks with different contents: %s", stats)
	}
}

func mutate(r *rand.Rand, b []byte) []byte {
	b = append([]byte(nil), b...)
	// Pick a spot either on a chunk boundary or anywhere.
	pos := func() int {
		if len(b) == 0 {
			return 0
		}
		if r.Intn(2) == 0 {
			return (r.Intn(len(b)/ChunkSize + 1) * ChunkSize) % (len(b) + 1)
		}
		return r.Intn(len(b) + 1)
	}

	for n := r.Intn(8); n >= 0; n-- {
		p := pos()
		switch r.Intn(3) {
		case 0:
			// insert
			ins := genSeeded(r, 1 + r.Intn(2*ChunkSize))
			b = append(b[:p], append(ins, b[p:]...)...)
		case 1:
			// delete
			end := p + r.Intn(2*ChunkSize)
			if end > len(b) {
				end = len(b)
			}
			b = append(b[:p], b[end:]...)
		case 2:
			// flip
			if p < len(b) {
				b[p] ^= byte(1 + r.Intn(255))
			}
		}
	}
	return b
}

func TestRandomEdits(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("Seed = %d", seed)
	r := rand.New(rand.NewSource(seed))

	for i := 0; i < 200; i++ {
		orig := genSeeded(r, r.Intn(20 * ChunkSize))
		roundTrip(t, orig, mutate(r, orig))
	}
}

func TestCorrupt(t *testing.T) {
	orig := genRandom(4 * ChunkSize)
	updated := append(genRandom(100), orig...)
	var d bytes.Buffer
	if _, err := Create(bytes.NewReader(orig), bytes.NewReader(updated), &d); err != nil {
		t.Fatal(err)
	}

	for _, c := range []struct {
		name string
		diff []byte
	}{
		{"truncated", d.Bytes()[:d.Len()-10]},
		{"bad opcode", []byte{7, 0, 0, 0, 0}},
		{"short header", []byte{opCopy, 0, 0}},
		{"copy past end", []byte{opCopy, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 16, 0}},
	} {
		var out bytes.Buffer
		err := Apply(bytes.NewReader(orig), bytes.NewReader(c.diff), &out)
		if !errors.Is(err, ErrCorruptDiff) {
			t.Errorf("%s: expected ErrCorruptDiff, got %v", c.name, err)
		}
	}
}

func TestWeakHash(t *testing.T) {
	a := genRandom(ChunkSize)
	b := append([]byte(nil), a...)
	// Only the leading window counts.
	b[WindowSize] ^= 1
	if weakHash(a) != weakHash(b) {
		t.Errorf("weak hash looked past the window")
	}
	b[WindowSize-1] ^= 1
	if weakHash(a) == weakHash(b) {
		t.Errorf("weak hash didn't change with window contents")
	}
}
