// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Originally from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).

package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// bandwidth holds the upload and download limits for one Gateway. A nil
// limiter means that direction is unlimited.
type bandwidth struct {
	up, down *rate.Limiter
}

func newBandwidth(uploadBytesPerSecond, downloadBytesPerSecond int) *bandwidth {
	return &bandwidth{
		up:   newLimiter(uploadBytesPerSecond),
		down: newLimiter(downloadBytesPerSecond),
	}
}

func newLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	// The 94/100 factor adds some slop to account for TCP/IP overhead and
	// HTTP headers in an effort to have the actual bandwidth used not
	// exceed the desired limit. Never queue up more than one second's
	// worth of transmission.
	return rate.NewLimiter(rate.Limit(bytesPerSecond*94/100), bytesPerSecond)
}

func (b *bandwidth) uploadReader(ctx context.Context, r io.Reader) io.Reader {
	if b == nil || b.up == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, R: r, lim: b.up}
}

func (b *bandwidth) downloadReader(ctx context.Context, r io.Reader) io.Reader {
	if b == nil || b.down == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, R: r, lim: b.down}
}

// uploadReadSeeker is like uploadReader but keeps the io.Seeker
// implementation of the underlying file, which some SDKs need in order to
// rewind and retry requests.
func (b *bandwidth) uploadReadSeeker(ctx context.Context, r io.ReadSeeker) io.ReadSeeker {
	if b == nil || b.up == nil {
		return r
	}
	return &rateLimitedReadSeeker{rateLimitedReader{ctx: ctx, R: r, lim: b.up}, r}
}

// rateLimitedReader is an io.Reader implementation that returns no more
// bytes than its limiter allows. As long as the upload and download paths
// wrap the underlying io.Readers for local files and remote objects
// (respectively), we stay under the bandwidth per second limit.
type rateLimitedReader struct {
	ctx context.Context
	R   io.Reader
	lim *rate.Limiter
}

func (lr *rateLimitedReader) Read(dst []byte) (int, error) {
	// Don't ask for more than we could ever be allowed in one go.
	if len(dst) > lr.lim.Burst() {
		dst = dst[:lr.lim.Burst()]
	}

	n, err := lr.R.Read(dst)
	if n > 0 {
		// Charge for what was actually read; this blocks until the
		// limiter has doled out enough budget.
		if werr := lr.lim.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type rateLimitedReadSeeker struct {
	rateLimitedReader
	s io.Seeker
}

func (rs *rateLimitedReadSeeker) Seek(offset int64, whence int) (int64, error) {
	return rs.s.Seek(offset, whence)
}
