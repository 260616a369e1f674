// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

type LocalOptions struct {
	// Root is the directory that objects are stored under; it's created
	// if it doesn't exist.
	Root string `yaml:"root"`
}

// disk stores each object as a regular file under a root directory, with
// the key's slashes mapped to subdirectories.
type disk struct {
	root string
	bw   *bandwidth
}

// NewLocal returns a Gateway that stores objects in a local (or
// network-mounted) directory.
func NewLocal(opts Options) (Gateway, error) {
	if opts.Local.Root == "" {
		return nil, errors.New("local: no root directory given")
	}
	root, err := filepath.Abs(opts.Local.Root)
	if err != nil {
		return nil, err
	}
	return &disk{
		root: root,
		bw:   newBandwidth(opts.MaxUploadBytesPerSecond, opts.MaxDownloadBytesPerSecond),
	}, nil
}

func (db *disk) String() string {
	return "local: " + db.root
}

func (db *disk) Initialize(ctx context.Context) error {
	// Make sure that the backup directory exists and is in fact a directory.
	if err := os.MkdirAll(db.root, 0700); err != nil {
		return err
	}
	stat, err := os.Stat(db.root)
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return errors.New(db.root + ": is a regular file")
	}
	return nil
}

func (db *disk) Close() error {
	return nil
}

func (db *disk) path(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(db.root, filepath.FromSlash(key)), nil
}

func (db *disk) Upload(ctx context.Context, localPath, remoteKey string) error {
	dst, err := db.path(remoteKey)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := writeFileAtomic(ctx, dst, db.bw.uploadReader(ctx, f))
	if err != nil {
		return err
	}
	log.Debug("%s: stored %d bytes", dst, n)
	return nil
}

func (db *disk) Download(ctx context.Context, remoteKey, localPath string) error {
	src, err := db.path(remoteKey)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	defer f.Close()

	_, err = writeFileAtomic(ctx, localPath, db.bw.downloadReader(ctx, f))
	return err
}

func (db *disk) Exists(ctx context.Context, remoteKey string) (bool, error) {
	p, err := db.path(remoteKey)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (db *disk) Delete(ctx context.Context, remoteKey string) error {
	p, err := db.path(remoteKey)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (db *disk) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := filepath.WalkDir(db.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), ".part-") {
			return nil
		}
		rel, err := filepath.Rel(db.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, ObjectInfo{key, fi.Size(), fi.ModTime()})
		return nil
	})
	return infos, err
}
