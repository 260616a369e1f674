// engine/errors.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"context"
	"errors"

	"github.com/mmp/bkengine/crypt"
	"github.com/mmp/bkengine/storage"
)

var (
	// ErrNoBaseBackup is returned when restoring a diff whose base
	// backup isn't in the history. There's no way around it.
	ErrNoBaseBackup = errors.New("no base backup for diff")

	// ErrNotInHistory is returned when restoring a diff that the state
	// store has no record of, so its base is unknown.
	ErrNotInHistory = errors.New("backup not in history")
)

// Kind says how a caller should react to an error.
type Kind int

const (
	// No error.
	OK Kind = iota
	// Trying again later may well work.
	Transient
	// Wrong password or tampered data: ask for the password again
	// rather than retrying.
	Auth
	// Retrying won't help.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Transient:
		return "transient"
	case Auth:
		return "auth"
	default:
		return "fatal"
	}
}

// Classify maps an error returned by the engine to a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, crypt.ErrAuthFailed), errors.Is(err, crypt.ErrWrongPassword):
		return Auth
	case errors.Is(err, crypt.ErrMissingMetadata), errors.Is(err, ErrNoBaseBackup):
		return Fatal
	case storage.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return Transient
	default:
		return Fatal
	}
}
