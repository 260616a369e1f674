// engine/engine.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package engine ties the pieces together: it works out what changed in
// a backup group, builds an archive (or a diff against the group's last
// full backup), optionally encrypts it and adds Reed-Solomon parity, and
// uploads the lot, recording the result in the state store. It also
// restores backups and runs retention.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/mmp/bkengine/archive"
	"github.com/mmp/bkengine/config"
	"github.com/mmp/bkengine/crypt"
	"github.com/mmp/bkengine/diff"
	"github.com/mmp/bkengine/rdso"
	"github.com/mmp/bkengine/retention"
	"github.com/mmp/bkengine/state"
	"github.com/mmp/bkengine/storage"
	u "github.com/mmp/bkengine/util"
	"github.com/mmp/bkengine/watch"
	"golang.org/x/sync/errgroup"
)

var log = u.NewLogger(false, false)

func SetLogger(l *u.Logger) {
	log = l
}

type Options struct {
	// Required if encryption is enabled.
	Password string
	// Defaults to the wall clock.
	Clock clock.Clock
	// Optional.
	Metrics *Collector
	// Defaults to storage.Open.
	Open retention.OpenFunc
}

type Engine struct {
	cfg      *config.Config
	store    *state.Store
	clock    clock.Clock
	password string
	salt     []byte
	metrics  *Collector
	open     retention.OpenFunc
}

// New returns an Engine for the given configuration, loading the saved
// state. If encryption is enabled, the password is checked against the
// configured verification token and crypt.ErrWrongPassword is returned
// if it doesn't match.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		clock:    opts.Clock,
		password: opts.Password,
		metrics:  opts.Metrics,
		open:     opts.Open,
	}
	if e.clock == nil {
		e.clock = clock.WallClock
	}
	if e.open == nil {
		e.open = storage.Open
	}
	if cfg.Encryption.Enabled {
		if err := cfg.Encryption.CheckPassword(opts.Password); err != nil {
			return nil, err
		}
		e.salt, _ = cfg.Encryption.SaltBytes()
	}

	var err error
	if e.store, err = state.Open(cfg.StatePath, e.clock); err != nil {
		return nil, err
	}
	return e, nil
}

// Store returns the engine's state store.
func (e *Engine) Store() *state.Store {
	return e.store
}

func (e *Engine) storageOptions() storage.Options {
	opts := e.cfg.Storage.Options
	if opts.Clock == nil {
		opts.Clock = e.clock
	}
	return opts
}

func (e *Engine) gateway(ctx context.Context) (storage.Gateway, error) {
	return e.open(ctx, e.cfg.Storage.Type, e.storageOptions())
}

func (e *Engine) workDir() (string, func(), error) {
	dir := filepath.Join(e.cfg.WorkDir, "bk-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", nil, err
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warning("%s: %s", dir, err)
		}
	}, nil
}

///////////////////////////////////////////////////////////////////////////
// Backup

// Result describes one group's backup run.
type Result struct {
	Group string
	// Nothing changed, so nothing was uploaded.
	Skipped bool
	// Remote key of the uploaded payload.
	Key    string
	IsDiff bool
	// Files included in the payload.
	Files int
	// Bytes uploaded, sidecars included.
	Uploaded int64
}

// BackupGroup backs up one group with the configured backup type.
func (e *Engine) BackupGroup(ctx context.Context, group string) (*Result, error) {
	start := e.clock.Now()
	res, err := e.backupGroup(ctx, group)

	outcome, kind := "ok", "zip"
	if err != nil {
		outcome = Classify(err).String()
	} else if res.Skipped {
		outcome = "skipped"
	}
	if res != nil && res.IsDiff {
		kind = "diff"
	}
	e.metrics.backupDone(kind, outcome, e.clock.Now().Sub(start).Seconds())
	return res, err
}

func (e *Engine) backupGroup(ctx context.Context, group string) (*Result, error) {
	res := &Result{Group: group}
	typ := e.cfg.BackupType

	files, err := ScanGroup(group, e.cfg.Exclude)
	if err != nil {
		return nil, err
	}
	// A Differential run with nothing to compare against includes
	// everything, so it counts as a Full run.
	_, haveFull := e.store.LastFullBackupTime(group)
	full := typ == state.Full || (typ == state.Differential && !haveFull)

	changed := e.store.ChangedFiles(group, files, typ)
	if len(changed) == 0 && !full {
		log.Verbose("%s: no changes", group)
		res.Skipped = true
		return res, nil
	}

	dir, cleanup, err := e.workDir()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	gw, err := e.gateway(ctx)
	if err != nil {
		return nil, err
	}
	defer gw.Close()

	ts := e.clock.Now().UTC()
	payload := filepath.Join(dir, "payload"+zipExt)
	stats, err := archive.CreateFile(ctx, payload, group, changed,
		archive.Options{Store: e.cfg.Diff.Enabled})
	if err != nil {
		return nil, err
	}
	res.Files = stats.Files
	if res.Files == 0 && !full {
		log.Verbose("%s: none of the changed files could be read", group)
		res.Skipped = true
		return res, nil
	}
	// Skipped files get no metadata, so the next run tries them again.
	unread := make(map[string]bool)
	for _, f := range stats.Skipped {
		unread[f] = true
	}

	if !full && e.cfg.Diff.Enabled {
		if base := e.store.PreviousBackupPath(group); base != "" {
			d, err := e.makeDiff(ctx, gw, base, payload, dir)
			if err != nil {
				if Classify(err) == Auth {
					return nil, err
				}
				log.Warning("%s: can't diff against %s (%s); uploading the archive", group, base, err)
			} else if d != "" {
				payload = d
				res.IsDiff = true
			}
		}
	}

	if res.Key, err = e.freeKey(ctx, gw, group, ts, res.IsDiff); err != nil {
		return nil, err
	}
	if res.Uploaded, err = e.upload(ctx, gw, payload, res.Key); err != nil {
		return nil, err
	}

	// The backup exists remotely now; record it. If we crash before the
	// state is saved, the payload is left orphaned (see FindOrphans).
	if full {
		e.store.AddFullBackup(group, res.Key, e.cfg.Storage.Type)
	} else {
		e.store.AddBackup(group, res.Key, res.IsDiff, e.cfg.Storage.Type)
	}
	for _, f := range changed {
		if unread[f] {
			continue
		}
		if err := e.store.AddOrUpdateFileMetadata(ctx, f); err != nil {
			log.Warning("%s: %s", f, err)
		}
	}
	if err := e.store.Save(); err != nil {
		return nil, err
	}
	log.Verbose("%s: uploaded %s (%d files, %s)", group, res.Key, res.Files,
		u.FmtBytes(res.Uploaded))
	return res, nil
}

// freeKey returns the key for a payload made at ts, moving ts forward a
// second at a time until the key is neither in the history nor already
// in storage. Keys only have one-second resolution.
func (e *Engine) freeKey(ctx context.Context, gw storage.Gateway, group string, ts time.Time, isDiff bool) (string, error) {
	for {
		key := RemoteKey(group, ts, isDiff, e.cfg.Encryption.Enabled)
		if _, _, ok := e.store.Lookup(key); !ok {
			exists, err := gw.Exists(ctx, key)
			if err != nil {
				return "", err
			}
			if !exists {
				return key, nil
			}
		}
		log.Debug("%s: already used", key)
		ts = ts.Add(time.Second)
	}
}

// makeDiff diffs the archive against the base backup, returning the
// path to the diff or "" if it isn't worth using.
func (e *Engine) makeDiff(ctx context.Context, gw storage.Gateway, base, archivePath, dir string) (string, error) {
	baseDir := filepath.Join(dir, "base")
	baseArchive, err := e.fetch(ctx, gw, base, baseDir)
	if err != nil {
		return "", err
	}

	orig, err := os.Open(baseArchive)
	if err != nil {
		return "", err
	}
	defer orig.Close()
	updated, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer updated.Close()

	diffPath := filepath.Join(dir, "payload"+diffExt)
	out, err := os.Create(diffPath)
	if err != nil {
		return "", err
	}
	stats, err := diff.Create(orig, updated, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}

	fi, err := updated.Stat()
	if err != nil {
		return "", err
	}
	if stats.Size >= fi.Size() {
		log.Verbose("%s: diff (%s) isn't smaller than the archive (%s)", base,
			u.FmtBytes(stats.Size), u.FmtBytes(fi.Size()))
		return "", nil
	}
	log.Debug("%s: %s", base, stats)
	return diffPath, nil
}

// upload encrypts the payload and adds parity as configured, then
// uploads it and its sidecars to key. Sidecars go first, so that the
// payload never exists remotely without them.
func (e *Engine) upload(ctx context.Context, gw storage.Gateway, payload, key string) (int64, error) {
	var total int64
	put := func(local, remote string) error {
		fi, err := os.Stat(local)
		if err != nil {
			return err
		}
		if err := gw.Upload(ctx, local, remote); err != nil {
			return err
		}
		total += fi.Size()
		e.metrics.uploaded(fi.Size())
		return nil
	}

	if e.cfg.Encryption.Enabled {
		enc := payload + encExt
		md, err := crypt.EncryptFile(ctx, payload, enc, e.password, e.salt,
			e.cfg.Encryption.KeyDerivationIterations)
		if err != nil {
			return 0, err
		}
		meta := enc + metaExt
		if err := crypt.WriteMetadata(meta, md); err != nil {
			return 0, err
		}
		if err := put(meta, key+metaExt); err != nil {
			return total, err
		}
		payload = enc
	}

	if e.cfg.Parity.Enabled {
		rs := payload + rsExt
		if err := rdso.EncodeFile(payload, rs, e.cfg.Parity.Options); err != nil {
			return total, err
		}
		if err := put(rs, key+rsExt); err != nil {
			return total, err
		}
	}

	return total, put(payload, key)
}

// BackupAll backs up every configured group, up to Concurrency at once.
// A failure in one group doesn't stop the others; all of the failures
// are returned, joined.
func (e *Engine) BackupAll(ctx context.Context) (map[string]*Result, error) {
	var mu sync.Mutex
	results := make(map[string]*Result)
	var errs []error

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, group := range e.cfg.Groups {
		g.Go(func() error {
			res, err := e.BackupGroup(ctx, group)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Error("%s: %s", group, err)
				errs = append(errs, fmt.Errorf("%s: %w", group, err))
			} else {
				results[group] = res
			}
			return nil
		})
	}
	g.Wait()
	return results, errors.Join(errs...)
}

// Watch backs up every group whenever its contents change, until ctx is
// done.
func (e *Engine) Watch(ctx context.Context) error {
	w, err := watch.New(watch.Options{
		Dirs:     e.cfg.Groups,
		Exclude:  e.cfg.Exclude,
		Debounce: e.cfg.Watch.Debounce,
		Clock:    e.clock,
		Run: func(ctx context.Context) error {
			_, err := e.BackupAll(ctx)
			return err
		},
		OnSkip: e.metrics.WatchSkipped,
	})
	if err != nil {
		return err
	}
	defer w.Close()
	return w.Watch(ctx)
}

///////////////////////////////////////////////////////////////////////////
// Retention and bookkeeping

// ApplyRetention prunes every group according to the retention
// configuration.
func (e *Engine) ApplyRetention(ctx context.Context) (map[string]retention.Result, error) {
	p := &retention.Policy{
		Config:             e.cfg.Retention,
		Store:              e.store,
		DefaultStorageType: e.cfg.Storage.Type,
		StorageOptions:     e.storageOptions(),
		Open:               e.open,
		Clock:              e.clock,
	}
	results, err := p.ApplyAll(ctx)
	for _, r := range results {
		e.metrics.retention(len(r.Deleted), len(r.Failed))
	}
	return results, err
}

// FindOrphans lists payloads in storage that aren't in the backup
// history. They're what's left behind if the process dies between an
// upload and the state being saved; sidecars aren't reported.
func (e *Engine) FindOrphans(ctx context.Context) ([]storage.ObjectInfo, error) {
	gw, err := e.gateway(ctx)
	if err != nil {
		return nil, err
	}
	defer gw.Close()

	lister, ok := gw.(storage.Lister)
	if !ok {
		return nil, fmt.Errorf("%s: can't list objects", gw)
	}

	known := make(map[string]bool)
	for _, g := range e.store.Groups() {
		for _, b := range e.store.Backups(g) {
			known[b.Path] = true
		}
	}

	var orphans []storage.ObjectInfo
	for _, g := range e.cfg.Groups {
		objs, err := lister.List(ctx, GroupPrefix(g)+"/")
		if err != nil {
			return nil, err
		}
		for _, o := range objs {
			if !known[o.Key] && !isSidecarKey(o.Key) {
				orphans = append(orphans, o)
			}
		}
	}
	return orphans, nil
}
