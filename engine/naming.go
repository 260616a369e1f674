// engine/naming.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

const (
	timestampLayout = "20060102150405"

	zipExt  = ".zip"
	diffExt = ".diff"
	encExt  = ".enc"
	metaExt = ".meta"
	rsExt   = ".rs"
)

// GroupPrefix turns a group (usually a directory path) into the prefix
// that its remote keys live under: slash-separated, with no leading
// slash or drive letter colon.
func GroupPrefix(group string) string {
	p := filepath.ToSlash(group)
	p = strings.ReplaceAll(p, "\\", "/")
	if len(p) >= 2 && p[1] == ':' {
		p = p[:1] + p[2:]
	}
	var parts []string
	for _, c := range strings.Split(p, "/") {
		if c != "" && c != "." && c != ".." {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return "root"
	}
	return strings.Join(parts, "/")
}

// RemoteKey returns the key for a payload of the given group made at ts,
// e.g. "home/me/docs/20240301120000.diff.enc".
func RemoteKey(group string, ts time.Time, isDiff, encrypted bool) string {
	ext := zipExt
	if isDiff {
		ext = diffExt
	}
	if encrypted {
		ext += encExt
	}
	return GroupPrefix(group) + "/" + ts.UTC().Format(timestampLayout) + ext
}

func isEncryptedKey(key string) bool {
	return strings.HasSuffix(key, encExt)
}

func isDiffKey(key string) bool {
	return strings.HasSuffix(strings.TrimSuffix(key, encExt), diffExt)
}

func isSidecarKey(key string) bool {
	return strings.HasSuffix(key, metaExt) || strings.HasSuffix(key, rsExt)
}

// ScanGroup returns the regular files under dir, skipping anything with
// a path component in exclude. Unreadable directories are logged and
// skipped.
func ScanGroup(dir string, exclude []string) ([]string, error) {
	skip := make(map[string]bool)
	for _, e := range exclude {
		skip[e] = true
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			log.Warning("%s: %s", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path != dir && skip[d.Name()] {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
