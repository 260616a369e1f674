// state/changes.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package state

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	u "github.com/mmp/bkengine/util"
	"golang.org/x/crypto/sha3"
)

// BackupType selects which files a backup run includes.
type BackupType int

const (
	// Everything.
	Full BackupType = iota
	// Files that changed since they were last backed up.
	Incremental
	// Files that changed since the group's last full backup.
	Differential
)

func (t BackupType) String() string {
	switch t {
	case Full:
		return "Full"
	case Incremental:
		return "Incremental"
	case Differential:
		return "Differential"
	default:
		return fmt.Sprintf("BackupType(%d)", int(t))
	}
}

func ParseBackupType(s string) (BackupType, error) {
	for _, t := range []BackupType{Full, Incremental, Differential} {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return Full, fmt.Errorf("%q: unknown backup type", s)
}

func (t BackupType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *BackupType) UnmarshalText(b []byte) error {
	var err error
	*t, err = ParseBackupType(string(b))
	return err
}

///////////////////////////////////////////////////////////////////////////
// Change detection

// ChangedFiles returns the subset of paths that a backup of the given
// type should include. Files that can't be stat'ed are included: leaving
// out something that might have changed is worse than backing up
// something that didn't.
func (s *Store) ChangedFiles(group string, paths []string, typ BackupType) []string {
	if typ == Full {
		return paths
	}

	var since time.Time
	if typ == Differential {
		var ok bool
		if since, ok = s.LastFullBackupTime(group); !ok {
			log.Verbose("%s: no full backup yet; including everything", group)
			return paths
		}
	}

	var changed []string
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			log.Warning("%s: %s; including it anyway", p, err)
			changed = append(changed, p)
			continue
		}
		mtime := fi.ModTime().UTC()

		switch typ {
		case Incremental:
			prev, ok := s.FileMetadata(p)
			if !ok || mtime.After(prev.LastModifiedUTC) || fi.Size() != prev.Size {
				changed = append(changed, p)
			}
		case Differential:
			if mtime.After(since) {
				changed = append(changed, p)
			}
		default:
			changed = append(changed, p)
		}
	}
	log.Debug("%s: %s: %d of %d files changed", group, typ, len(changed), len(paths))
	return changed
}

// FileMetadata returns the stored metadata for the file at path.
func (s *Store) FileMetadata(path string) (FileMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, ok := s.files[path]
	return fm, ok
}

// AddOrUpdateFileMetadata records the file's current size, modification
// time and content hash. It should only be called once the file is part
// of a completed backup.
func (s *Store) AddOrUpdateFileMetadata(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	h := sha3.NewShake256()
	if _, err := io.Copy(h, u.NewContextReader(ctx, f)); err != nil {
		return err
	}
	var sum [32]byte
	h.Read(sum[:])

	fm := FileMetadata{
		Path:            path,
		Size:            fi.Size(),
		LastModifiedUTC: fi.ModTime().UTC(),
		ContentHash:     hex.EncodeToString(sum[:]),
	}
	s.mu.Lock()
	s.files[path] = fm
	s.mu.Unlock()
	return nil
}

// ForgetFile drops the stored metadata for path.
func (s *Store) ForgetFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
}
