// diff/diff.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package diff computes and applies block-aligned binary deltas between
// two versions of a backup payload.
//
// The original is indexed in ChunkSize blocks, each keyed by a cheap
// checksum of its first WindowSize bytes and a SHA-256 of the whole
// block. The updated payload is then walked in ChunkSize blocks; a block
// that's found unchanged somewhere in the original becomes a Copy
// instruction and anything else is carried verbatim in a Data
// instruction. Only block-aligned repeats are found: an insertion that
// shifts everything after it will mostly turn into Data.
//
// Encoding, one instruction after another:
//
//	Copy: 0x00, offset (int64 BE), length (uint32 BE)
//	Data: 0x01, length (uint32 BE), length bytes
//
// A diff with no instructions at all means the payloads are identical.
package diff

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	u "github.com/mmp/bkengine/util"
)

const (
	ChunkSize  = 4096
	WindowSize = 64
)

const (
	opCopy = 0
	opData = 1
)

var ErrCorruptDiff = errors.New("corrupt diff")

var log = u.NewLogger(false, false)

func SetLogger(l *u.Logger) {
	log = l
}

// Stats summarizes a diff produced by Create.
type Stats struct {
	// Identical is set if the two payloads had the same contents, in
	// which case nothing was written.
	Identical  bool
	CopyChunks int
	CopyBytes  int64
	DataChunks int
	DataBytes  int64
	// Size of the encoded diff.
	Size int64
}

func (s Stats) String() string {
	if s.Identical {
		return "identical"
	}
	return fmt.Sprintf("%d copies (%s), %d data (%s), diff %s", s.CopyChunks,
		u.FmtBytes(s.CopyBytes), s.DataChunks, u.FmtBytes(s.DataBytes),
		u.FmtBytes(s.Size))
}

type block struct {
	pos    int64
	strong strongHash
}

type countingWriter struct {
	W io.Writer
	N int64
}

func (cw *countingWriter) Write(b []byte) (int, error) {
	n, err := cw.W.Write(b)
	cw.N += int64(n)
	return n, err
}

///////////////////////////////////////////////////////////////////////////
// Create

// Create writes the diff that turns original into updated to w. Both
// readers are read from their start; memory use is one chunk plus an
// index entry per chunk of original.
func Create(original, updated io.ReadSeeker, w io.Writer) (Stats, error) {
	var stats Stats

	origHash, origSize, err := hashAll(original)
	if err != nil {
		return stats, err
	}
	newHash, newSize, err := hashAll(updated)
	if err != nil {
		return stats, err
	}
	if origSize == newSize && origHash == newHash {
		stats.Identical = true
		return stats, nil
	}

	index, err := buildIndex(original)
	if err != nil {
		return stats, err
	}

	if _, err := updated.Seek(0, io.SeekStart); err != nil {
		return stats, err
	}
	cw := &countingWriter{W: w}
	bw := bufio.NewWriter(cw)
	e := encoder{w: bw}

	if newSize == 0 {
		// An empty diff would mean "identical"; be explicit instead.
		e.data(nil)
		stats.DataChunks++
	}

	chunk := make([]byte, ChunkSize)
	check := make([]byte, ChunkSize)
	for {
		n, err := io.ReadFull(updated, chunk)
		if err == io.EOF {
			break
		} else if err != nil && err != io.ErrUnexpectedEOF {
			return stats, err
		}
		c := chunk[:n]

		pos, ok, err := findBlock(original, index, c, check)
		if err != nil {
			return stats, err
		}
		if ok {
			e.copy(pos, uint32(n))
			stats.CopyChunks++
			stats.CopyBytes += int64(n)
		} else {
			e.data(c)
			stats.DataChunks++
			stats.DataBytes += int64(n)
		}
		if e.err != nil {
			return stats, e.err
		}
	}

	if err := bw.Flush(); err != nil {
		return stats, err
	}
	stats.Size = cw.N
	log.Debug("diff: %s", stats)
	return stats, nil
}

func buildIndex(original io.ReadSeeker) (map[uint32][]block, error) {
	if _, err := original.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	index := make(map[uint32][]block)
	chunk := make([]byte, ChunkSize)
	var pos int64
	for {
		n, err := io.ReadFull(original, chunk)
		if err == io.EOF {
			return index, nil
		} else if err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		if n >= WindowSize {
			weak := weakHash(chunk[:n])
			index[weak] = append(index[weak], block{pos, hashChunk(chunk[:n])})
		}
		pos += int64(n)
	}
}

// findBlock looks for c in the original. Only complete chunks are ever
// matched. check is scratch space of at least len(c) bytes.
func findBlock(original io.ReadSeeker, index map[uint32][]block, c, check []byte) (int64, bool, error) {
	if len(c) < ChunkSize {
		return 0, false, nil
	}
	candidates, ok := index[weakHash(c)]
	if !ok {
		return 0, false, nil
	}

	strong := hashChunk(c)
	for _, b := range candidates {
		if b.strong != strong {
			continue
		}
		// Don't trust the hashes; make sure the bytes really match.
		if _, err := original.Seek(b.pos, io.SeekStart); err != nil {
			return 0, false, err
		}
		if _, err := io.ReadFull(original, check[:len(c)]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				continue
			}
			return 0, false, err
		}
		if bytes.Equal(c, check[:len(c)]) {
			return b.pos, true, nil
		}
	}
	return 0, false, nil
}

// encoder writes instructions, remembering the first error.
type encoder struct {
	w   io.Writer
	err error
	buf [13]byte
}

func (e *encoder) write(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *encoder) copy(pos int64, length uint32) {
	e.buf[0] = opCopy
	binary.BigEndian.PutUint64(e.buf[1:9], uint64(pos))
	binary.BigEndian.PutUint32(e.buf[9:13], length)
	e.write(e.buf[:13])
}

func (e *encoder) data(b []byte) {
	e.buf[0] = opData
	binary.BigEndian.PutUint32(e.buf[1:5], uint32(len(b)))
	e.write(e.buf[:5])
	e.write(b)
}

///////////////////////////////////////////////////////////////////////////
// Apply

// Apply reconstructs the updated payload from original and a diff
// produced by Create, writing it to out.
func Apply(original io.ReadSeeker, diff io.Reader, out io.Writer) error {
	r := bufio.NewReader(diff)

	if _, err := r.Peek(1); err == io.EOF {
		// Nothing changed.
		if _, err := original.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := io.Copy(out, original)
		return err
	}

	var hdr [12]byte
	for {
		op, err := r.ReadByte()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		switch op {
		case opCopy:
			if _, err := io.ReadFull(r, hdr[:12]); err != nil {
				return truncated(err)
			}
			pos := int64(binary.BigEndian.Uint64(hdr[:8]))
			length := int64(binary.BigEndian.Uint32(hdr[8:12]))
			if pos < 0 {
				return fmt.Errorf("copy from offset %d: %w", pos, ErrCorruptDiff)
			}
			if _, err := original.Seek(pos, io.SeekStart); err != nil {
				return err
			}
			if n, err := io.CopyN(out, original, length); err == io.EOF {
				return fmt.Errorf("copy %d bytes at offset %d: original too short (%d): %w",
					length, pos, n, ErrCorruptDiff)
			} else if err != nil {
				return err
			}

		case opData:
			if _, err := io.ReadFull(r, hdr[:4]); err != nil {
				return truncated(err)
			}
			length := int64(binary.BigEndian.Uint32(hdr[:4]))
			if _, err := io.CopyN(out, r, length); err == io.EOF {
				return truncated(io.ErrUnexpectedEOF)
			} else if err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown opcode %d: %w", op, ErrCorruptDiff)
		}
	}
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("truncated instruction: %w", ErrCorruptDiff)
	}
	return err
}
