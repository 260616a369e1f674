// crypt/stream.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package crypt

import (
	"bufio"
	"context"
	"crypto/cipher"
	"encoding/binary"
	"io"
)

// SegmentSize is the amount of plaintext sealed in each GCM segment of an
// encrypted payload. Memory use while encrypting or decrypting is a small
// multiple of it, whatever the size of the payload.
const SegmentSize = 64 * 1024

// Each segment is authenticated with one byte of additional data that
// says whether it's the last one, so that a payload truncated at a
// segment boundary doesn't decrypt cleanly.
var (
	aadMore  = []byte{0}
	aadFinal = []byte{1}
)

// segmentNonce returns the base IV with the segment counter xored into
// its last eight bytes. Segment counters start at 1; the bare IV is
// used for sealing the DEK.
func segmentNonce(iv []byte, counter uint64, nonce []byte) []byte {
	copy(nonce, iv)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	n := len(nonce)
	for i := 0; i < 8; i++ {
		nonce[n-8+i] ^= ctr[i]
	}
	return nonce
}

// readSegment fills buf as far as possible and reports whether r is now
// exhausted.
func readSegment(r *bufio.Reader, buf []byte) (int, bool, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, true, nil
	} else if err != nil {
		return n, false, err
	}
	// Peek to see whether this was the last one.
	if _, err := r.Peek(1); err == io.EOF {
		return n, true, nil
	} else if err != nil {
		return n, false, err
	}
	return n, false, nil
}

// encryptStream seals everything from r as a sequence of segments written
// to w. An empty input still produces a single (empty) final segment.
func encryptStream(ctx context.Context, aead cipher.AEAD, iv []byte, r io.Reader, w io.Writer) (int64, error) {
	br := bufio.NewReaderSize(r, SegmentSize)
	plain := make([]byte, SegmentSize)
	sealed := make([]byte, 0, SegmentSize+aead.Overhead())
	nonce := make([]byte, aead.NonceSize())

	var total int64
	for counter := uint64(1); ; counter++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, final, err := readSegment(br, plain)
		if err != nil {
			return total, err
		}

		aad := aadMore
		if final {
			aad = aadFinal
		}
		sealed = aead.Seal(sealed[:0], segmentNonce(iv, counter, nonce), plain[:n], aad)
		if _, err := w.Write(sealed); err != nil {
			return total, err
		}
		total += int64(n)

		if final {
			return total, nil
		}
	}
}

// decryptStream reverses encryptStream. Any authentication failure,
// including a missing final segment, is reported as ErrAuthFailed.
func decryptStream(ctx context.Context, aead cipher.AEAD, iv []byte, r io.Reader, w io.Writer) (int64, error) {
	segSize := SegmentSize + aead.Overhead()
	br := bufio.NewReaderSize(r, segSize)
	sealed := make([]byte, segSize)
	plain := make([]byte, 0, SegmentSize)
	nonce := make([]byte, aead.NonceSize())

	var total int64
	for counter := uint64(1); ; counter++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, final, err := readSegment(br, sealed)
		if err != nil {
			return total, err
		}
		if n < aead.Overhead() {
			return total, ErrAuthFailed
		}

		aad := aadMore
		if final {
			aad = aadFinal
		}
		plain, err = aead.Open(plain[:0], segmentNonce(iv, counter, nonce), sealed[:n], aad)
		if err != nil {
			return total, ErrAuthFailed
		}
		if _, err := w.Write(plain); err != nil {
			return total, err
		}
		total += int64(len(plain))

		if final {
			return total, nil
		}
	}
}
