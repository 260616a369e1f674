// retention/retention.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package retention prunes old backups. Whatever the configuration, the
// newest backup in a group is never deleted.
package retention

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/mmp/bkengine/state"
	"github.com/mmp/bkengine/storage"
	u "github.com/mmp/bkengine/util"
)

var log = u.NewLogger(false, false)

func SetLogger(l *u.Logger) {
	log = l
}

type Config struct {
	Enabled bool `yaml:"enabled"`
	// Number of most recent backups to keep in each group; values less
	// than one are treated as one.
	KeepLastPerDirectory int `yaml:"keepLastPerDirectory"`
	// Backups younger than this are kept as well. Zero disables the age
	// rule.
	MaxAgeDays int `yaml:"maxAgeDays"`
}

func (c Config) KeepLast() int {
	if c.KeepLastPerDirectory < 1 {
		return 1
	}
	return c.KeepLastPerDirectory
}

// SelectBackupsToDelete returns the backups that cfg says should go,
// newest first. The most recent ones (KeepLast of them) are kept, as is
// everything within MaxAgeDays of now, and the very newest one is always
// kept. Entries without a remote path are ignored.
func SelectBackupsToDelete(backups []state.BackupInfo, cfg Config, now time.Time) []state.BackupInfo {
	if len(backups) <= 1 {
		return nil
	}

	var sorted []state.BackupInfo
	for _, b := range backups {
		if b.Path != "" {
			sorted = append(sorted, b)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	if len(sorted) == 0 {
		return nil
	}

	keep := make(map[int]bool)
	for i := 0; i < cfg.KeepLast() && i < len(sorted); i++ {
		keep[i] = true
	}
	if cfg.MaxAgeDays > 0 {
		cutoff := now.UTC().AddDate(0, 0, -cfg.MaxAgeDays)
		for i, b := range sorted {
			if !b.Timestamp.UTC().Before(cutoff) {
				keep[i] = true
			}
		}
	}
	keep[0] = true

	var del []state.BackupInfo
	for i, b := range sorted {
		if !keep[i] {
			del = append(del, b)
		}
	}
	return del
}

///////////////////////////////////////////////////////////////////////////
// Applying the policy

// OpenFunc obtains a storage gateway for a storage type.
type OpenFunc func(ctx context.Context, typ string, opts storage.Options) (storage.Gateway, error)

// Policy applies a retention Config to the groups in a state.Store,
// deleting pruned payloads (and their sidecars) from storage.
type Policy struct {
	Config Config
	Store  *state.Store
	// Storage type used for backups that don't record one.
	DefaultStorageType string
	StorageOptions     storage.Options
	// Defaults to storage.Open.
	Open  OpenFunc
	Clock clock.Clock
}

// Result summarizes one group's retention pass.
type Result struct {
	// Remote paths removed from the history.
	Deleted []string
	// Of those, the ones that were already missing from storage.
	AlreadyGone []string
	// Remote paths that couldn't be deleted and remain in the history.
	Failed []string
	// History entries dropped without touching storage, since a kept
	// entry refers to the same remote path.
	Shared []string
	// Remote paths kept despite the policy, since a kept diff needs them
	// as its base.
	Bases []string
}

func (p *Policy) now() time.Time {
	if p.Clock == nil {
		return clock.WallClock.Now()
	}
	return p.Clock.Now()
}

func (p *Policy) open(ctx context.Context, typ string) (storage.Gateway, error) {
	if p.Open != nil {
		return p.Open(ctx, typ, p.StorageOptions)
	}
	return storage.Open(ctx, typ, p.StorageOptions)
}

// ApplyGroup prunes one group. Deletions are grouped by the storage
// backend each backup went to; if a backend can't be opened, its
// deletions are skipped but the others still happen. The base of any
// kept diff is kept too, and a remote object is never deleted while a
// kept entry refers to it. The state is saved once at the end if
// anything was removed from the history.
func (p *Policy) ApplyGroup(ctx context.Context, group string) (Result, error) {
	var res Result
	if !p.Config.Enabled {
		return res, nil
	}

	backups := p.Store.Backups(group)
	del := SelectBackupsToDelete(backups, p.Config, p.now())
	del, res.Bases = p.keepBases(backups, del)
	if len(del) == 0 {
		log.Debug("%s: nothing to prune", group)
		return res, nil
	}

	// Objects that a kept entry still refers to stay in storage.
	inUse := make(map[string]bool)
	for _, b := range backups {
		if !contains(del, b) {
			inUse[b.Path] = true
		}
	}

	var removed []state.BackupInfo
	byType := make(map[string][]state.BackupInfo)
	for _, b := range del {
		if inUse[b.Path] {
			log.Warning("%s: %s is shared with a kept backup; dropping only its history entry",
				group, b.Path)
			res.Shared = append(res.Shared, b.Path)
			removed = append(removed, b)
			continue
		}
		typ := b.StorageType
		if typ == "" {
			typ = p.DefaultStorageType
		}
		byType[typ] = append(byType[typ], b)
	}
	var types []string
	for typ := range byType {
		types = append(types, typ)
	}
	sort.Strings(types)

	for _, typ := range types {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		backups := byType[typ]
		gw, err := p.open(ctx, typ)
		if err != nil {
			log.Error("%s: %s: %s; skipping %d deletions", group, typ, err, len(backups))
			for _, b := range backups {
				res.Failed = append(res.Failed, b.Path)
			}
			continue
		}

		for _, b := range backups {
			gone, err := deleteBackup(ctx, gw, b.Path)
			if err != nil {
				log.Error("%s: %s: %s", gw, b.Path, err)
				res.Failed = append(res.Failed, b.Path)
				continue
			}
			res.Deleted = append(res.Deleted, b.Path)
			removed = append(removed, b)
			if gone {
				res.AlreadyGone = append(res.AlreadyGone, b.Path)
			}
		}
		if err := gw.Close(); err != nil {
			log.Warning("%s: close: %s", gw, err)
		}
	}

	if len(removed) == 0 {
		return res, nil
	}
	p.Store.RemoveBackups(group, removed)
	log.Verbose("%s: pruned %d backups", group, len(res.Deleted))
	return res, p.Store.Save()
}

// keepBases removes from del the base of every diff that's being kept,
// since the diff can't be restored without it. It returns what's left
// to delete and the paths that were spared.
func (p *Policy) keepBases(backups, del []state.BackupInfo) ([]state.BackupInfo, []string) {
	bases := make(map[string]bool)
	for _, b := range backups {
		if b.IsDiff && !contains(del, b) {
			if base := p.Store.BaseBackupPath(b.Path); base != "" {
				bases[base] = true
			}
		}
	}
	if len(bases) == 0 {
		return del, nil
	}

	var left []state.BackupInfo
	var spared []string
	for _, b := range del {
		if bases[b.Path] {
			log.Verbose("%s: keeping it as the base of a newer diff", b.Path)
			spared = append(spared, b.Path)
		} else {
			left = append(left, b)
		}
	}
	return left, spared
}

func contains(backups []state.BackupInfo, bi state.BackupInfo) bool {
	for _, b := range backups {
		if b.Path == bi.Path && b.Timestamp.Equal(bi.Timestamp) {
			return true
		}
	}
	return false
}

// deleteBackup removes a payload along with its sidecars. It reports
// whether the payload was already missing.
func deleteBackup(ctx context.Context, gw storage.Gateway, key string) (bool, error) {
	exists, err := gw.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		log.Warning("%s: %s: already gone", gw, key)
	} else if err := gw.Delete(ctx, key); err != nil {
		return false, err
	}

	var sidecars []string
	if strings.HasSuffix(key, ".enc") {
		sidecars = append(sidecars, key+".meta")
	}
	sidecars = append(sidecars, key+".rs")
	for _, s := range sidecars {
		if err := gw.Delete(ctx, s); err != nil {
			log.Warning("%s: %s: %s", gw, s, err)
		}
	}
	return !exists, nil
}

// ApplyAll prunes every group in the store. A failure in one group is
// logged and doesn't stop the others; the first error is returned.
func (p *Policy) ApplyAll(ctx context.Context) (map[string]Result, error) {
	results := make(map[string]Result)
	var firstErr error
	for _, g := range p.Store.Groups() {
		res, err := p.ApplyGroup(ctx, g)
		results[g] = res
		if err != nil {
			log.Error("%s: retention: %s", g, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return results, firstErr
}
