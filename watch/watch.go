// watch/watch.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package watch runs backups when the watched trees change. Bursts of
// filesystem events are debounced into a single run, and a run that
// would start while another is still going is skipped rather than
// queued.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
	u "github.com/mmp/bkengine/util"
)

var log = u.NewLogger(false, false)

func SetLogger(l *u.Logger) {
	log = l
}

type Options struct {
	// Directory trees to watch.
	Dirs []string
	// Directory names that aren't descended into.
	Exclude []string
	// How long things have to be quiet before Run is called.
	Debounce time.Duration
	// Called to do the backup; it's never called concurrently.
	Run func(ctx context.Context) error
	// Optional; called when a run is skipped because one is in progress.
	OnSkip func()
	// Defaults to the wall clock.
	Clock clock.Clock
}

type Watcher struct {
	opts Options
	skip map[string]bool
	fsw  *fsnotify.Watcher

	busy sync.Mutex
	runs sync.WaitGroup
}

// New starts watching opts.Dirs and everything under them; events are
// only acted on once Watch is called.
func New(opts Options) (*Watcher, error) {
	if opts.Run == nil {
		return nil, errors.New("watch: no Run function")
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{opts: opts, fsw: fsw, skip: make(map[string]bool)}
	for _, e := range opts.Exclude {
		w.skip[e] = true
	}
	for _, d := range opts.Dirs {
		if err := w.addTree(d); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// addTree watches dir and all of the directories below it. fsnotify
// isn't recursive.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			log.Warning("%s: %s", path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.skip[d.Name()] {
			return fs.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			if path == dir {
				return err
			}
			log.Warning("%s: %s", path, err)
		}
		return nil
	})
}

// Watched returns the directories currently being watched.
func (w *Watcher) Watched() []string {
	return w.fsw.WatchList()
}

// Watch handles events until ctx is done, then waits for any run in
// progress to finish.
func (w *Watcher) Watch(ctx context.Context) error {
	defer w.runs.Wait()

	var timer clock.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.handle(ev) {
				continue
			}
			if timer == nil {
				timer = w.opts.Clock.NewTimer(w.opts.Debounce)
			} else {
				timer.Reset(w.opts.Debounce)
			}
			fire = timer.Chan()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warning("watch: %s", err)

		case <-fire:
			fire = nil
			w.runs.Add(1)
			go func() {
				defer w.runs.Done()
				w.Trigger(ctx)
			}()
		}
	}
}

// handle updates the watch list for the event and reports whether it
// should lead to a backup.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if w.skip[filepath.Base(ev.Name)] {
		return false
	}
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	log.Debug("%s", ev)

	if ev.Has(fsnotify.Create) {
		if err := w.addTree(ev.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warning("%s: %s", ev.Name, err)
		}
	}
	return true
}

// Trigger calls Run now unless a run is already in progress, in which
// case it returns false without waiting.
func (w *Watcher) Trigger(ctx context.Context) bool {
	if !w.busy.TryLock() {
		log.Verbose("backup in progress; skipping this one")
		if w.opts.OnSkip != nil {
			w.opts.OnSkip()
		}
		return false
	}
	defer w.busy.Unlock()

	if err := w.opts.Run(ctx); err != nil {
		log.Error("%s", err)
	}
	return true
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
