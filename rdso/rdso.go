// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to backup payloads, based on
// github.com/klauspost/reedsolomon. Provides facilities to check the
// integrity of encoded payloads and to recover corrupt ones.
//
// A payload is processed in segments of NDataShards*HashRate bytes. Each
// segment is split into NDataShards shards of HashRate bytes (the last
// one zero-padded), and NParityShards parity shards are computed for it.
// The .rs file is a gob stream holding an rsFileHeader followed by one
// rsFileSegment per segment, with the parity shards and a hash of every
// shard. The hashes identify which shards are bad, so that up to
// NParityShards damaged shards per segment can be reconstructed.
package rdso

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/bkengine/util"
	"golang.org/x/crypto/sha3"
)

var ErrFileCorrupt = errors.New("file corrupt")

const hashSize = 32

type hash [hashSize]byte

// hashBytes computes the SHAKE256 hash of the given byte slice.
func hashBytes(b []byte) hash {
	var h hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type rsFileHeader struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

type rsFileSegment struct {
	// First the data shard hashes, then the parity ones.
	Hashes []hash
	Parity [][]byte
}

// Options give the shape of the encoding.
type Options struct {
	DataShards   int `yaml:"dataShards"`
	ParityShards int `yaml:"parityShards"`
	HashRate     int `yaml:"hashRate"`
}

func DefaultOptions() Options {
	return Options{DataShards: 17, ParityShards: 3, HashRate: 1024 * 1024}
}

func (o Options) Validate() error {
	if o.DataShards < 1 || o.ParityShards < 1 || o.DataShards+o.ParityShards > 256 {
		return fmt.Errorf("%d data / %d parity shards: invalid", o.DataShards, o.ParityShards)
	}
	if o.HashRate < 1 {
		return fmt.Errorf("%d: invalid hash rate", o.HashRate)
	}
	return nil
}

func segmentSize(h rsFileHeader) int64 {
	return int64(h.NDataShards) * int64(h.HashRate)
}

func shard(b []byte, n int) [][]byte {
	var s [][]byte
	for i := 0; i < len(b); i += n {
		s = append(s, b[i:i+n])
	}
	return s
}

func hashShards(shards [][]byte) []hash {
	var h []hash
	for _, s := range shards {
		h = append(h, hashBytes(s))
	}
	return h
}

///////////////////////////////////////////////////////////////////////////
// Encoding

// Encode reads size bytes from r and writes the Reed-Solomon .rs data for
// them to w.
func Encode(r io.Reader, size int64, w io.Writer, nDataShards, nParityShards, hashRate int) error {
	if err := (Options{nDataShards, nParityShards, hashRate}).Validate(); err != nil {
		return err
	}
	h := rsFileHeader{
		FileSize:      size,
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}
	rs, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}

	enc := gob.NewEncoder(w)
	if err := enc.Encode(h); err != nil {
		return err
	}

	buf := make([]byte, segmentSize(h))
	parityBuf := make([]byte, nParityShards*hashRate)
	for remaining := size; remaining > 0; {
		n := min(remaining, int64(len(buf)))
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return err
		}
		clear(buf[n:])
		remaining -= n

		data := shard(buf, hashRate)
		parity := shard(parityBuf, hashRate)
		all := make([][]byte, 0, len(data)+len(parity))
		all = append(append(all, data...), parity...)
		if err := rs.Encode(all); err != nil {
			return err
		}

		if err := enc.Encode(rsFileSegment{hashShards(all), parity}); err != nil {
			return err
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Checking and restoring

// forEachSegment reads the header and then each segment's data and
// parity shards, calling fn with the shards (data first) along with the
// hashes stored for them.
func forEachSegment(data, rs io.Reader, log *u.Logger,
	fn func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	return forEachSegmentAfter(data, rs, log, nil, fn)
}

// forEachSegmentAfter is forEachSegment with a callback for the header,
// which is called even if there are no segments.
func forEachSegmentAfter(data, rs io.Reader, log *u.Logger, header func(h rsFileHeader) error,
	fn func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rs)
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		return fmt.Errorf("rs header: %w", err)
	}
	if err := (Options{h.NDataShards, h.NParityShards, h.HashRate}).Validate(); err != nil {
		return err
	}
	if header != nil {
		if err := header(h); err != nil {
			return err
		}
	}

	buf := make([]byte, segmentSize(h))
	for remaining, segment := h.FileSize, 0; remaining > 0; segment++ {
		n := min(remaining, int64(len(buf)))
		if nr, err := io.ReadFull(data, buf[:n]); err == io.EOF || err == io.ErrUnexpectedEOF {
			// Short data: the missing tail reads as zeros and will fail
			// its hash check.
			if log != nil {
				log.Warning("segment %d: data truncated at %d bytes", segment, nr)
			}
			clear(buf[nr:n])
		} else if err != nil {
			return err
		}
		clear(buf[n:])
		remaining -= n

		var seg rsFileSegment
		if err := dec.Decode(&seg); err != nil {
			return fmt.Errorf("rs segment %d: %w", segment, err)
		}
		if len(seg.Parity) != h.NParityShards || len(seg.Hashes) != h.NDataShards+h.NParityShards {
			return fmt.Errorf("rs segment %d: malformed", segment)
		}

		shards := shard(buf, h.HashRate)
		shards = append(shards, seg.Parity...)
		if err := fn(h, seg.Hashes, shards); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies data against its .rs data, returning ErrFileCorrupt if
// any shard doesn't match. Mismatches are reported to log if it's
// non-nil.
func Check(data, rs io.Reader, log *u.Logger) error {
	errs := 0
	segment := 0
	err := forEachSegment(data, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		for s, sh := range shards {
			if len(sh) != h.HashRate || hashBytes(sh) != hashes[s] {
				if log != nil {
					log.Error("segment %d: %s", segment, describeShard(h, s))
				}
				errs++
			}
		}
		segment++
		return nil
	})
	if err != nil {
		return err
	}
	if errs > 0 {
		return ErrFileCorrupt
	}
	return nil
}

func describeShard(h rsFileHeader, s int) string {
	if s < h.NDataShards {
		return fmt.Sprintf("data shard %d hash mismatch", s)
	}
	return fmt.Sprintf("parity shard %d hash mismatch", s-h.NDataShards)
}

// Restore reconstructs the size bytes of data from its .rs data, writing
// the recovered data to w and a freshly-encoded .rs to wrs.
func Restore(data, rs io.Reader, size int64, w, wrs io.Writer, log *u.Logger) error {
	var rsenc reedsolomon.Encoder
	enc := gob.NewEncoder(wrs)
	remaining := size
	segment := 0

	header := func(h rsFileHeader) error {
		if h.FileSize != size {
			return fmt.Errorf("size %d doesn't match encoded size %d", size, h.FileSize)
		}
		var err error
		if rsenc, err = reedsolomon.New(h.NDataShards, h.NParityShards); err != nil {
			return err
		}
		return enc.Encode(h)
	}

	return forEachSegmentAfter(data, rs, log, header, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		// nil out the bad shards so that they're reconstructed.
		missing := 0
		for s, sh := range shards {
			if len(sh) != h.HashRate || hashBytes(sh) != hashes[s] {
				if log != nil {
					log.Warning("segment %d: %s", segment, describeShard(h, s))
				}
				shards[s] = nil
				missing++
			}
		}
		if missing > 0 {
			if err := rsenc.Reconstruct(shards); err != nil {
				return fmt.Errorf("segment %d: %w", segment, err)
			}
		}

		for _, sh := range shards[:h.NDataShards] {
			n := min(remaining, int64(len(sh)))
			if _, err := w.Write(sh[:n]); err != nil {
				return err
			}
			remaining -= n
		}
		segment++

		return enc.Encode(rsFileSegment{hashShards(shards), shards[h.NDataShards:]})
	})
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the .rs data for the file fn to rsfn.
func EncodeFile(fn, rsfn string, opts Options) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	return writeAtomic(rsfn, func(w io.Writer) error {
		return Encode(f, fi.Size(), w, opts.DataShards, opts.ParityShards, opts.HashRate)
	})
}

// CheckFile checks the file fn against the .rs file rsfn.
func CheckFile(fn, rsfn string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()

	return Check(f, rs, log)
}

// RestoreFile writes a recovered version of fn to out.
func RestoreFile(fn, rsfn, out string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()

	// The recovered size comes from the .rs header, not from fn, which
	// may itself be damaged.
	size, err := encodedSize(rsfn)
	if err != nil {
		return err
	}
	return writeAtomic(out, func(w io.Writer) error {
		return Restore(f, rs, size, w, io.Discard, log)
	})
}

func encodedSize(rsfn string) (int64, error) {
	f, err := os.Open(rsfn)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var h rsFileHeader
	if err := gob.NewDecoder(f).Decode(&h); err != nil {
		return 0, err
	}
	return h.FileSize, nil
}

func writeAtomic(path string, write func(w io.Writer) error) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".part-"+uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	err = write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}
