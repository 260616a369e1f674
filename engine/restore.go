// engine/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mmp/bkengine/archive"
	"github.com/mmp/bkengine/crypt"
	"github.com/mmp/bkengine/diff"
	"github.com/mmp/bkengine/rdso"
	"github.com/mmp/bkengine/storage"
)

///////////////////////////////////////////////////////////////////////////
// Fetching payloads back

// fetch downloads key into dir, repairing it from its parity sidecar if
// needed and decrypting it. It returns the path of the plaintext payload.
func (e *Engine) fetch(ctx context.Context, gw storage.Gateway, key, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	local := filepath.Join(dir, filepath.Base(key))
	if err := gw.Download(ctx, key, local); err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}

	local, err := e.checkParity(ctx, gw, key, local)
	if err != nil {
		return "", err
	}

	if !isEncryptedKey(key) {
		return local, nil
	}

	metaLocal := local + metaExt
	if err := gw.Download(ctx, key+metaExt, metaLocal); errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", key, crypt.ErrMissingMetadata)
	} else if err != nil {
		return "", err
	}
	md, err := crypt.ReadMetadata(metaLocal)
	if err != nil {
		return "", err
	}
	plain := local[:len(local)-len(encExt)]
	if err := crypt.DecryptFile(ctx, local, plain, e.password, md); err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return plain, nil
}

// checkParity verifies a downloaded payload against its .rs sidecar, if
// it has one, and returns the path of a repaired copy if it's damaged.
func (e *Engine) checkParity(ctx context.Context, gw storage.Gateway, key, local string) (string, error) {
	ok, err := gw.Exists(ctx, key+rsExt)
	if err != nil {
		return "", err
	}
	if !ok {
		return local, nil
	}
	rs := local + rsExt
	if err := gw.Download(ctx, key+rsExt, rs); err != nil {
		return "", err
	}

	err = rdso.CheckFile(local, rs, log)
	if err == nil {
		return local, nil
	} else if !errors.Is(err, rdso.ErrFileCorrupt) {
		return "", err
	}

	log.Warning("%s: corrupt; trying to repair it from parity", key)
	repaired := local + ".repaired"
	if err := rdso.RestoreFile(local, rs, repaired, log); err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	if err := os.Rename(repaired, local); err != nil {
		return "", err
	}
	return local, nil
}

// Restore extracts the backup stored under remotePath into destDir. A
// diff is applied to its base backup first; ErrNoBaseBackup is returned
// if the base can't be found in the history.
func (e *Engine) Restore(ctx context.Context, remotePath, destDir string) ([]string, error) {
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

	archivePath, err := e.fetchArchive(ctx, gw, remotePath, dir)
	if err != nil {
		return nil, err
	}
	return archive.Extract(ctx, archivePath, destDir)
}

// fetchArchive returns the local path of the archive that remotePath
// describes, rebuilding it from its base if it's a diff.
func (e *Engine) fetchArchive(ctx context.Context, gw storage.Gateway, remotePath, dir string) (string, error) {
	payload, err := e.fetch(ctx, gw, remotePath, filepath.Join(dir, "payload"))
	if err != nil {
		return "", err
	}
	if !isDiffKey(remotePath) {
		return payload, nil
	}

	if _, _, ok := e.store.Lookup(remotePath); !ok {
		return "", fmt.Errorf("%s: %w", remotePath, ErrNotInHistory)
	}
	base := e.store.BaseBackupPath(remotePath)
	if base == "" {
		return "", fmt.Errorf("%s: %w", remotePath, ErrNoBaseBackup)
	}
	baseArchive, err := e.fetchArchive(ctx, gw, base, filepath.Join(dir, "base"))
	if err != nil {
		return "", err
	}

	orig, err := os.Open(baseArchive)
	if err != nil {
		return "", err
	}
	defer orig.Close()
	d, err := os.Open(payload)
	if err != nil {
		return "", err
	}
	defer d.Close()

	rebuilt := filepath.Join(dir, "rebuilt"+zipExt)
	out, err := os.Create(rebuilt)
	if err != nil {
		return "", err
	}
	err = diff.Apply(orig, d, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", remotePath, err)
	}
	return rebuilt, nil
}
