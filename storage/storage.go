// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	u "github.com/mmp/bkengine/util"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrUnknownType = errors.New("unknown storage type")
	ErrInvalidKey  = errors.New("invalid remote key")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log = u.NewLogger(false, false)

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Errors

// TransientError marks a failure that may well succeed if the operation
// is tried again (network trouble, rate limiting, a 5xx from a cloud
// service, ...).
type TransientError struct {
	Op  string
	Key string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: %s (transient)", e.Op, e.Key, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a *TransientError; nil stays nil.
func Transient(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Key: key, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is a
// *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage backends

// Gateway is the uniform contract that the backup engine uses to talk to
// remote storage. Keys are slash-separated and never start with a slash.
//
// Implementations must be safe for concurrent use.
type Gateway interface {
	// String returns a human-readable description of the backend.
	String() string

	// Initialize checks (and if needed creates) whatever the backend
	// needs before it can be used: a bucket, a root directory, a
	// connection.
	Initialize(ctx context.Context) error

	// Upload stores the contents of the local file at remoteKey,
	// replacing anything that's already there. Readers never observe a
	// partially-uploaded object under remoteKey.
	Upload(ctx context.Context, localPath, remoteKey string) error

	// Download copies the object to localPath. The file only appears
	// under localPath once all of its bytes have arrived. ErrNotFound is
	// returned if there is no such object.
	Download(ctx context.Context, remoteKey, localPath string) error

	// Exists reports whether an object is stored under remoteKey.
	Exists(ctx context.Context, remoteKey string) (bool, error)

	// Delete removes the object. Deleting a key that doesn't exist is
	// not an error.
	Delete(ctx context.Context, remoteKey string) error

	// Close releases connections and other resources held by the
	// backend.
	Close() error
}

// ObjectInfo describes a stored object as reported by a Lister.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// Lister is implemented by backends that can enumerate their contents.
type Lister interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

///////////////////////////////////////////////////////////////////////////
// Factory

// Options carries the backend-specific settings that the factory hands
// to constructors. Only the section for the requested type is consulted.
type Options struct {
	Local LocalOptions `yaml:"local,omitempty"`
	S3    S3Options    `yaml:"s3,omitempty"`
	GCS   GCSOptions   `yaml:"gcs,omitempty"`
	SFTP  SFTPOptions  `yaml:"sftp,omitempty"`

	// zero -> unlimited
	MaxUploadBytesPerSecond   int `yaml:"maxUploadBytesPerSecond,omitempty"`
	MaxDownloadBytesPerSecond int `yaml:"maxDownloadBytesPerSecond,omitempty"`

	// Clock drives retry back-off; the wall clock is used if nil.
	Clock clock.Clock `yaml:"-"`
}

func (o Options) clock() clock.Clock {
	if o.Clock == nil {
		return clock.WallClock
	}
	return o.Clock
}

// Constructor creates an uninitialized Gateway from Options.
type Constructor func(opts Options) (Gateway, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{
		"memory": func(Options) (Gateway, error) { return NewMemory(), nil },
		"local":  NewLocal,
		"s3":     NewS3,
		"gcs":    NewGCS,
		"sftp":   NewSFTP,
	}
)

// Register makes a backend available to Open under the given type name,
// replacing any existing registration.
func Register(typ string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(typ)] = c
}

// Types returns the names of all registered backends.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var t []string
	for name := range registry {
		t = append(t, name)
	}
	sort.Strings(t)
	return t
}

// Open resolves typ to a backend, constructs it with opts and
// initializes it. The caller must Close the returned Gateway.
func Open(ctx context.Context, typ string, opts Options) (Gateway, error) {
	registryMu.RLock()
	c, ok := registry[strings.ToLower(typ)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", typ, ErrUnknownType)
	}

	g, err := c(opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", typ, err)
	}
	if err := g.Initialize(ctx); err != nil {
		g.Close()
		return nil, fmt.Errorf("%s: initialize: %w", g, err)
	}
	log.Debug("%s: opened", g)
	return g, nil
}

///////////////////////////////////////////////////////////////////////////
// Some utility stuff

// checkKey rejects keys that could escape a backend's root.
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	for _, c := range strings.Split(key, "/") {
		if c == "" || c == "." || c == ".." {
			return fmt.Errorf("%q: %w", key, ErrInvalidKey)
		}
	}
	return nil
}

// tempName returns a name next to final that won't collide with other
// in-flight writes.
func tempName(final string) string {
	return final + ".part-" + uuid.NewString()
}

// writeFileAtomic copies r to a temporary file next to path and renames
// it into place once everything has been written. Nothing is left under
// path (or the temporary name) if the copy fails or ctx is cancelled.
func writeFileAtomic(ctx context.Context, path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return 0, err
	}
	tmp := tempName(path)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, u.NewContextReader(ctx, r))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}
