// state/state_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, *testclock.Clock) {
	clk := testclock.NewClock(epoch)
	return New(filepath.Join(t.TempDir(), "state.json"), clk), clk
}

func touch(t *testing.T, path string, contents string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestChangedFilesFull(t *testing.T) {
	s, _ := newStore(t)
	paths := []string{"/does/not/exist", "/etc", "x"}
	assert.Equal(t, paths, s.ChangedFiles("g", paths, Full))
}

func TestChangedFilesIncremental(t *testing.T) {
	s, _ := newStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	same := filepath.Join(dir, "same")
	touched := filepath.Join(dir, "touched")
	resized := filepath.Join(dir, "resized")
	fresh := filepath.Join(dir, "fresh")
	gone := filepath.Join(dir, "gone")

	mtime := epoch.Add(-time.Hour)
	for _, p := range []string{same, touched, resized, gone} {
		touch(t, p, "hello", mtime)
		require.NoError(t, s.AddOrUpdateFileMetadata(ctx, p))
	}

	// Newer mtime, same size.
	touch(t, touched, "hello", mtime.Add(time.Minute))
	// Same mtime, different size.
	touch(t, resized, "hello, world", mtime)
	touch(t, fresh, "new", mtime)
	require.NoError(t, os.Remove(gone))

	changed := s.ChangedFiles("g", []string{same, touched, resized, fresh, gone}, Incremental)
	assert.Equal(t, []string{touched, resized, fresh, gone}, changed)
}

func TestChangedFilesDifferential(t *testing.T) {
	s, clk := newStore(t)
	dir := t.TempDir()

	old := filepath.Join(dir, "old")
	newer := filepath.Join(dir, "newer")
	touch(t, old, "a", epoch.Add(-time.Hour))
	touch(t, newer, "b", epoch.Add(2*time.Hour))
	paths := []string{old, newer}

	// No full backup yet: everything.
	assert.Equal(t, paths, s.ChangedFiles("g", paths, Differential))

	s.AddFullBackup("g", "g/20240301120000.zip", "")
	assert.Equal(t, []string{newer}, s.ChangedFiles("g", paths, Differential))

	// Neither diffs nor the archives of other runs move the baseline,
	// and per-file metadata isn't consulted.
	clk.Advance(3 * time.Hour)
	s.AddBackup("g", "g/20240301150000.diff", true, "")
	s.AddBackup("g", "g/20240301150001.zip", false, "")
	require.NoError(t, s.AddOrUpdateFileMetadata(context.Background(), newer))
	assert.Equal(t, []string{newer}, s.ChangedFiles("g", paths, Differential))

	// A new Full run does.
	s.AddFullBackup("g", "g/20240301150002.zip", "")
	assert.Empty(t, s.ChangedFiles("g", paths, Differential))
}

// Each Differential run includes everything changed since the last
// Full run, not since the previous Differential one.
func TestDifferentialAccumulates(t *testing.T) {
	s, clk := newStore(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	touch(t, a, "a", epoch.Add(-time.Hour))
	touch(t, b, "b", epoch.Add(-time.Hour))
	paths := []string{a, b}

	s.AddFullBackup("g", "g/1.zip", "")
	clk.Advance(time.Hour)
	touch(t, a, "a2", epoch.Add(30*time.Minute))
	assert.Equal(t, []string{a}, s.ChangedFiles("g", paths, Differential))
	s.AddBackup("g", "g/2.zip", false, "")

	clk.Advance(time.Hour)
	touch(t, b, "b2", epoch.Add(90*time.Minute))
	assert.Equal(t, paths, s.ChangedFiles("g", paths, Differential))

	// A store saved before runs were marked has no Full runs, so
	// everything is included.
	s2, _ := newStore(t)
	s2.AddBackup("g", "g/1.zip", false, "")
	assert.Equal(t, paths, s2.ChangedFiles("g", paths, Differential))
}

func TestFileMetadata(t *testing.T) {
	s, _ := newStore(t)
	p := filepath.Join(t.TempDir(), "f")
	mtime := time.Date(2023, 1, 2, 3, 4, 5, 0, time.Local)
	touch(t, p, "hello", mtime)
	require.NoError(t, s.AddOrUpdateFileMetadata(context.Background(), p))

	fm, ok := s.FileMetadata(p)
	require.True(t, ok)
	assert.Equal(t, int64(5), fm.Size)
	assert.True(t, fm.LastModifiedUTC.Equal(mtime))
	assert.Equal(t, time.UTC, fm.LastModifiedUTC.Location())
	assert.Len(t, fm.ContentHash, 64)

	q := filepath.Join(t.TempDir(), "g")
	touch(t, q, "hello", mtime)
	require.NoError(t, s.AddOrUpdateFileMetadata(context.Background(), q))
	fq, _ := s.FileMetadata(q)
	assert.Equal(t, fm.ContentHash, fq.ContentHash)

	assert.Error(t, s.AddOrUpdateFileMetadata(context.Background(), p+".missing"))
}

func TestHistory(t *testing.T) {
	s, clk := newStore(t)
	assert.Equal(t, "", s.PreviousBackupPath("g"))

	full1 := s.AddFullBackup("g", "g/1.zip", "")
	clk.Advance(time.Hour)
	diff1 := s.AddBackup("g", "g/2.diff", true, "")
	clk.Advance(time.Hour)
	full2 := s.AddFullBackup("g", "g/3.zip", "s3")
	clk.Advance(time.Hour)
	s.AddBackup("g", "g/4.diff", true, "s3")
	s.AddBackup("other", "other/1.zip", false, "")

	assert.Equal(t, epoch, full1.Timestamp)
	assert.Equal(t, "s3", full2.StorageType)
	assert.Equal(t, "g/3.zip", s.PreviousBackupPath("g"))
	assert.Equal(t, "g/1.zip", s.BaseBackupPath(diff1.Path))
	assert.Equal(t, "g/3.zip", s.BaseBackupPath("g/4.diff"))
	assert.Equal(t, "", s.BaseBackupPath("g/nope.diff"))
	assert.Equal(t, []string{"g", "other"}, s.Groups())

	last, ok := s.LastFullBackupTime("g")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(2*time.Hour), last)

	group, bi, ok := s.Lookup("g/2.diff")
	require.True(t, ok)
	assert.Equal(t, "g", group)
	assert.True(t, bi.IsDiff)

	assert.True(t, full1.Full)
	assert.False(t, diff1.Full)

	assert.Equal(t, 2, s.RemoveBackups("g", []BackupInfo{full1, diff1, {Path: "g/zzz"}}))
	assert.Len(t, s.Backups("g"), 2)
	assert.Equal(t, "", s.BaseBackupPath("g/2.diff"))

	other := s.Backups("other")
	assert.Equal(t, 1, s.RemoveBackups("other", other))
	assert.Equal(t, []string{"g"}, s.Groups())
}

func TestRemoveBackupsByIdentity(t *testing.T) {
	s, clk := newStore(t)
	first := s.AddBackup("g", "g/1.zip", false, "")
	clk.Advance(time.Second)
	second := s.AddBackup("g", "g/1.zip", false, "")

	assert.Equal(t, 1, s.RemoveBackups("g", []BackupInfo{first}))
	assert.Equal(t, []BackupInfo{second}, s.Backups("g"))
}

func TestDiffOnlyGroupHasNoBase(t *testing.T) {
	s, _ := newStore(t)
	s.AddBackup("g", "g/1.diff", true, "")
	assert.Equal(t, "", s.PreviousBackupPath("g"))
	assert.Equal(t, "", s.BaseBackupPath("g/1.diff"))
}

func TestSaveLoad(t *testing.T) {
	s, clk := newStore(t)
	p := filepath.Join(t.TempDir(), "f")
	touch(t, p, "contents", epoch)
	require.NoError(t, s.AddOrUpdateFileMetadata(context.Background(), p))
	s.AddFullBackup("/home/me/docs", "home/me/docs/20240301120000.zip.enc", "local")
	clk.Advance(time.Minute)
	s.AddBackup("/home/me/docs", "home/me/docs/20240301120100.diff.enc", true, "")
	require.NoError(t, s.Save())

	s2, err := Open(s.Path(), clk)
	require.NoError(t, err)
	assert.Equal(t, s.Backups("/home/me/docs"), s2.Backups("/home/me/docs"))
	fm1, _ := s.FileMetadata(p)
	fm2, ok := s2.FileMetadata(p)
	require.True(t, ok)
	assert.Equal(t, fm1.ContentHash, fm2.ContentHash)
	assert.True(t, fm1.LastModifiedUTC.Equal(fm2.LastModifiedUTC))

	// Document layout.
	b, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(b), `"fileMetadata"`)
	assert.Contains(t, string(b), `"backupHistory"`)
	assert.Contains(t, string(b), `"timestampUtc"`)
	assert.Contains(t, string(b), `"full": true`)

	// No temporary files left around.
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadMissing(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nope.json"), nil)
	require.NoError(t, err)
	assert.Empty(t, s.Groups())
}

func TestLoadCorrupt(t *testing.T) {
	p := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(p, []byte("{not json"), 0600))
	_, err := Open(p, nil)
	assert.Error(t, err)
}

func TestConcurrentGroups(t *testing.T) {
	s, _ := newStore(t)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				s.AddBackup(fmt.Sprintf("g%d", g), fmt.Sprintf("g%d/%d.zip", g, i), false, "")
				assert.NoError(t, s.Save())
			}
		}(g)
	}
	wg.Wait()

	s2, err := Open(s.Path(), nil)
	require.NoError(t, err)
	for g := 0; g < 8; g++ {
		assert.Len(t, s2.Backups(fmt.Sprintf("g%d", g)), 20)
	}
}

func TestParseBackupType(t *testing.T) {
	for _, typ := range []BackupType{Full, Incremental, Differential} {
		got, err := ParseBackupType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	got, err := ParseBackupType("incremental")
	require.NoError(t, err)
	assert.Equal(t, Incremental, got)
	_, err = ParseBackupType("sometimes")
	assert.Error(t, err)
}
