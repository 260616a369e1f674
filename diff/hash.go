// diff/hash.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package diff

import (
	"crypto/sha256"
	"io"
)

///////////////////////////////////////////////////////////////////////////
// Window checksum, from bup's rollsum

const charOffset = 31

// weakHash computes bup's s1/s2 checksum over a single window. Unlike
// the rolling version it starts from scratch each time it's called, so
// it only ever sees the leading WindowSize bytes of a chunk.
func weakHash(window []byte) uint32 {
	s1 := uint32(WindowSize * charOffset)
	s2 := uint32(WindowSize * (WindowSize - 1) * charOffset)
	for _, b := range window[:WindowSize] {
		// Same as adding b to a rolling window that's dropping a zero.
		s1 += uint32(b)
		s2 += s1 - WindowSize*charOffset
	}
	return (s1 << 16) | (s2 & 0xffff)
}

type strongHash [sha256.Size]byte

func hashChunk(b []byte) strongHash {
	return sha256.Sum256(b)
}

// hashAll returns the SHA-256 of everything in r, starting at its
// beginning, along with the number of bytes read.
func hashAll(r io.ReadSeeker) (strongHash, int64, error) {
	var h strongHash
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return h, 0, err
	}
	s := sha256.New()
	n, err := io.Copy(s, r)
	if err != nil {
		return h, n, err
	}
	copy(h[:], s.Sum(nil))
	return h, n, nil
}
