// archive/archive.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package archive packs a backup group's files into a zip payload and
// unpacks it again.
//
// Archives are deterministic: entries are sorted by name and carry the
// files' own modification times, so archiving the same files twice gives
// the same bytes. That matters for diffing one payload against another,
// which is also why Store (no compression) is available: compressed
// output shifts around far more than the underlying files do.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	u "github.com/mmp/bkengine/util"
)

var ErrUnsafePath = errors.New("unsafe path in archive")

var log = u.NewLogger(false, false)

func SetLogger(l *u.Logger) {
	log = l
}

type Options struct {
	// Store entries uncompressed.
	Store bool
}

type Stats struct {
	Files int
	// Uncompressed bytes.
	Bytes int64
	// Files that vanished or couldn't be read, and so aren't in the
	// archive.
	Skipped []string
}

type entry struct {
	name string
	path string
}

// Create writes a zip archive of files to w. Entries are named by their
// path relative to root, with forward slashes; files outside root are an
// error. Files that vanish before they can be read, or that can't be
// opened for lack of permission, are skipped with a warning and listed
// in Stats.Skipped.
func Create(ctx context.Context, w io.Writer, root string, files []string, opts Options) (Stats, error) {
	var stats Stats

	var entries []entry
	for _, f := range files {
		rel, err := filepath.Rel(root, f)
		if err != nil {
			return stats, err
		}
		if !filepath.IsLocal(rel) {
			return stats, fmt.Errorf("%s: not under %s", f, root)
		}
		entries = append(entries, entry{filepath.ToSlash(rel), f})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	zw := zip.NewWriter(w)
	method := zip.Deflate
	if opts.Store {
		method = zip.Store
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		n, err := addFile(ctx, zw, e, method)
		if errors.Is(err, fs.ErrNotExist) {
			log.Warning("%s: vanished before it could be archived", e.path)
			stats.Skipped = append(stats.Skipped, e.path)
			continue
		} else if errors.Is(err, fs.ErrPermission) {
			log.Warning("%s: %s; skipping it", e.path, err)
			stats.Skipped = append(stats.Skipped, e.path)
			continue
		} else if err != nil {
			return stats, err
		}
		stats.Files++
		stats.Bytes += n
	}

	return stats, zw.Close()
}

// Files at least this big have their progress logged.
const reportSize = 256 * 1024 * 1024

var openFile = os.Open

func addFile(ctx context.Context, zw *zip.Writer, e entry, method uint16) (int64, error) {
	f, err := openFile(e.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if !fi.Mode().IsRegular() {
		return 0, fmt.Errorf("%s: not a regular file", e.path)
	}

	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return 0, err
	}
	hdr.Name = e.name
	hdr.Method = method
	hdr.Modified = fi.ModTime().UTC()

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, err
	}
	var r io.Reader = f
	if fi.Size() >= reportSize {
		rr := &u.ReportingReader{R: f, Msg: e.name, Log: log}
		defer rr.Close()
		r = rr
	}
	return io.Copy(w, u.NewContextReader(ctx, r))
}

// CreateFile is Create writing to the file at path, which only appears
// once the archive is complete.
func CreateFile(ctx context.Context, path, root string, files []string, opts Options) (Stats, error) {
	tmp := path + ".part-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return Stats{}, err
	}

	stats, err := Create(ctx, f, root, files, opts)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return Stats{}, err
	}
	log.Debug("%s: %d files, %s", path, stats.Files, u.FmtBytes(stats.Bytes))
	return stats, nil
}

// List returns the names of the entries in the archive at path.
func List(path string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names, nil
}

// Extract unpacks the archive at path under destDir and returns the paths
// of the extracted files. Entries that would land outside destDir make
// it fail with ErrUnsafePath before anything is written.
func Extract(ctx context.Context, path, destDir string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !safeName(f.Name) {
			return nil, fmt.Errorf("%q: %w", f.Name, ErrUnsafePath)
		}
	}

	var extracted []string
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return extracted, err
		}
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		dst := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if err := extractFile(ctx, f, dst); err != nil {
			return extracted, err
		}
		extracted = append(extracted, dst)
	}
	return extracted, nil
}

func safeName(name string) bool {
	if name == "" || strings.Contains(name, `\`) {
		return false
	}
	return filepath.IsLocal(filepath.FromSlash(strings.TrimSuffix(name, "/")))
}

func extractFile(ctx context.Context, f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return err
	}
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0600
	}
	tmp := dst + ".part-" + uuid.NewString()
	w, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, u.NewContextReader(ctx, r))
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Chtimes(dst, f.Modified, f.Modified)
}
