// state/state.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package state keeps track of what has been backed up: per-file metadata
// used for change detection and the history of completed backups for
// each backup group. Everything lives in a single JSON document that's
// rewritten in full on each Save.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	u "github.com/mmp/bkengine/util"
)

var log = u.NewLogger(false, false)

func SetLogger(l *u.Logger) {
	log = l
}

// FileMetadata is what's recorded about a file after it has been
// included in a backup.
type FileMetadata struct {
	Path            string    `json:"path"`
	Size            int64     `json:"size"`
	LastModifiedUTC time.Time `json:"lastModifiedUtc"`
	// Hex-encoded SHAKE256 of the contents.
	ContentHash string `json:"contentHash"`
}

// BackupInfo describes one completed upload.
type BackupInfo struct {
	// Remote key of the payload.
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestampUtc"`
	IsDiff    bool      `json:"isDiff"`
	// Set for the payloads of Full runs; Differential runs compare
	// against the newest of these.
	Full bool `json:"full,omitempty"`
	// Storage backend the payload went to; empty means the default one.
	StorageType string `json:"storageType,omitempty"`
}

type document struct {
	FileMetadata  map[string]FileMetadata `json:"fileMetadata"`
	BackupHistory map[string][]BackupInfo `json:"backupHistory"`
}

// Store holds the backup state in memory. All methods are safe for
// concurrent use.
type Store struct {
	path  string
	clock clock.Clock

	mu      sync.Mutex
	files   map[string]FileMetadata
	history map[string][]BackupInfo
}

// New returns an empty Store that's persisted at path. The wall clock is
// used if clk is nil.
func New(path string, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{
		path:    path,
		clock:   clk,
		files:   make(map[string]FileMetadata),
		history: make(map[string][]BackupInfo),
	}
}

// Open returns a Store with the contents of the state document at path,
// if there is one.
func Open(path string, clk clock.Clock) (*Store, error) {
	s := New(path, clk)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

///////////////////////////////////////////////////////////////////////////
// Persistence

// Load replaces the in-memory state with the saved document. A missing
// document leaves the Store empty.
func (s *Store) Load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Verbose("%s: no saved state", s.path)
		s.mu.Lock()
		s.files = make(map[string]FileMetadata)
		s.history = make(map[string][]BackupInfo)
		s.mu.Unlock()
		return nil
	} else if err != nil {
		return err
	}

	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	if doc.FileMetadata == nil {
		doc.FileMetadata = make(map[string]FileMetadata)
	}
	if doc.BackupHistory == nil {
		doc.BackupHistory = make(map[string][]BackupInfo)
	}
	for _, h := range doc.BackupHistory {
		sortHistory(h)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = doc.FileMetadata
	s.history = doc.BackupHistory
	log.Debug("%s: loaded %d files, %d groups", s.path, len(s.files), len(s.history))
	return nil
}

// Save writes the whole state document, replacing the previous one.
// Writers are serialized, so concurrent callers never lose each other's
// updates.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(document{s.files, s.history}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	tmp := s.path + ".part-" + uuid.NewString()
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	log.Debug("%s: saved state (%s)", s.path, u.FmtBytes(int64(len(b))))
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Backup history

func sortHistory(h []BackupInfo) {
	sort.SliceStable(h, func(i, j int) bool { return h[i].Timestamp.Before(h[j].Timestamp) })
}

// AddBackup records a completed upload to the group's history, stamped
// with the current time.
func (s *Store) AddBackup(group, remotePath string, isDiff bool, storageType string) BackupInfo {
	return s.addBackup(BackupInfo{
		Path:        remotePath,
		IsDiff:      isDiff,
		StorageType: storageType,
	}, group)
}

// AddFullBackup is AddBackup for the payload of a Full run.
func (s *Store) AddFullBackup(group, remotePath, storageType string) BackupInfo {
	return s.addBackup(BackupInfo{
		Path:        remotePath,
		Full:        true,
		StorageType: storageType,
	}, group)
}

func (s *Store) addBackup(bi BackupInfo, group string) BackupInfo {
	bi.Timestamp = s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[group], bi)
	sortHistory(h)
	s.history[group] = h
	return bi
}

// Backups returns a copy of the group's history, oldest first.
func (s *Store) Backups(group string) []BackupInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BackupInfo(nil), s.history[group]...)
}

// Groups returns the names of all groups with history, sorted.
func (s *Store) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var g []string
	for name := range s.history {
		g = append(g, name)
	}
	sort.Strings(g)
	return g
}

// RemoveBackups drops the given entries from the group's history and
// returns how many were removed. Entries are matched by both path and
// timestamp, so other entries that share a path are left alone.
func (s *Store) RemoveBackups(group string, backups []BackupInfo) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []BackupInfo
	removed := 0
	for _, bi := range s.history[group] {
		if containsBackup(backups, bi) {
			removed++
		} else {
			kept = append(kept, bi)
		}
	}
	if len(kept) == 0 {
		delete(s.history, group)
	} else {
		s.history[group] = kept
	}
	return removed
}

func containsBackup(backups []BackupInfo, bi BackupInfo) bool {
	for _, b := range backups {
		if b.Path == bi.Path && b.Timestamp.Equal(bi.Timestamp) {
			return true
		}
	}
	return false
}

func latestArchive(h []BackupInfo, before *time.Time) (BackupInfo, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].IsDiff || h[i].Path == "" {
			continue
		}
		if before != nil && h[i].Timestamp.After(*before) {
			continue
		}
		return h[i], true
	}
	return BackupInfo{}, false
}

// PreviousBackupPath returns the remote path of the group's most recent
// full (non-diff) backup, or "" if there isn't one, in which case the
// next backup has to be a full one.
func (s *Store) PreviousBackupPath(group string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	bi, _ := latestArchive(s.history[group], nil)
	return bi.Path
}

// LastFullBackupTime returns the time of the group's most recent Full
// run. Archives uploaded by other runs don't count.
func (s *Store) LastFullBackupTime(group string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[group]
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Full && h[i].Path != "" {
			return h[i].Timestamp, true
		}
	}
	return time.Time{}, false
}

// BaseBackupPath returns the full backup that the given diff was made
// against: the newest full backup in the diff's group that isn't newer
// than the diff itself. It returns "" if the diff isn't in the history or
// has no base.
func (s *Store) BaseBackupPath(diffRemotePath string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.history {
		for _, bi := range h {
			if bi.Path == diffRemotePath {
				ts := bi.Timestamp
				base, _ := latestArchive(h, &ts)
				if base.Path == diffRemotePath {
					return ""
				}
				return base.Path
			}
		}
	}
	return ""
}

// Lookup returns the history entry with the given remote path.
func (s *Store) Lookup(remotePath string) (group string, bi BackupInfo, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for g, h := range s.history {
		for _, b := range h {
			if b.Path == remotePath {
				return g, b, true
			}
		}
	}
	return "", BackupInfo{}, false
}
