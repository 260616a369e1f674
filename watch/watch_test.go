// watch/watch_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package watch

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncedRun(t *testing.T) {
	dir := t.TempDir()
	clk := testclock.NewClock(time.Now())
	ran := make(chan struct{}, 10)

	w, err := New(Options{
		Dirs:     []string{dir},
		Debounce: time.Minute,
		Clock:    clk,
		Run: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Watch(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("b"), 0644))

	// Nothing happens until things have been quiet for the debounce
	// interval.
	select {
	case <-ran:
		t.Fatal("ran before the debounce interval passed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, clk.WaitAdvance(time.Minute, 5*time.Second, 1))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("no run after the debounce interval")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, ran)
}

func TestNewDirectoriesAreWatched(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "old", "deeper"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".cache"), 0755))

	w, err := New(Options{
		Dirs:    []string{dir},
		Exclude: []string{".cache"},
		Clock:   testclock.NewClock(time.Now()),
		Run:     func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)
	defer w.Close()

	watched := w.Watched()
	assert.Contains(t, watched, filepath.Join(dir, "old", "deeper"))
	assert.NotContains(t, watched, filepath.Join(dir, ".cache"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx)

	sub := filepath.Join(dir, "new")
	require.NoError(t, os.Mkdir(sub, 0755))
	assert.Eventually(t, func() bool {
		return slices.Contains(w.Watched(), sub)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBusySkips(t *testing.T) {
	var skips atomic.Int32
	started, release := make(chan struct{}), make(chan struct{})

	w, err := New(Options{
		Dirs: []string{t.TempDir()},
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
		OnSkip: func() { skips.Add(1) },
	})
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	first := make(chan bool)
	go func() { first <- w.Trigger(ctx) }()
	<-started

	// Dropped, not queued.
	assert.False(t, w.Trigger(ctx))
	assert.False(t, w.Trigger(ctx))
	assert.Equal(t, int32(2), skips.Load())

	close(release)
	assert.True(t, <-first)
}

func TestMissingDir(t *testing.T) {
	_, err := New(Options{
		Dirs: []string{filepath.Join(t.TempDir(), "nope")},
		Run:  func(ctx context.Context) error { return nil },
	})
	assert.Error(t, err)

	_, err = New(Options{Dirs: []string{t.TempDir()}})
	assert.Error(t, err)
}
