// crypt/crypt.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Portions derived from skicka, (c) 2016 Google, Inc. (BSD licensed).

// Package crypt implements password-based authenticated encryption of
// backup payloads with a two-level key hierarchy.
//
// A key-encryption key (KEK) is derived from the password with
// PBKDF2-HMAC-SHA256. Every payload gets its own random data-encryption
// key (DEK), which is sealed under the KEK with AES-256-GCM; the payload
// itself is then encrypted under the DEK in fixed-size GCM segments. The
// sealed DEK, the salt and the IV are kept in a small JSON sidecar
// (Metadata) next to the encrypted payload. Without the sidecar, the
// payload can't be decrypted.
package crypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	u "github.com/mmp/bkengine/util"
	"golang.org/x/crypto/pbkdf2"
)

const (
	Algorithm = "AES-256-GCM"
	Version   = 1

	DefaultIterations = 1000000

	SaltSize = 32
	KeySize  = 32
	IVSize   = 12
)

var (
	// ErrAuthFailed is returned when a GCM tag doesn't verify: either the
	// password is wrong or the payload or its metadata has been damaged.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrWrongPassword is returned when a password doesn't match a
	// verification token.
	ErrWrongPassword = errors.New("wrong password")

	// ErrMissingMetadata is returned when a payload's encryption sidecar
	// can't be found. It isn't recoverable.
	ErrMissingMetadata = errors.New("encryption metadata missing")
)

var log = u.NewLogger(false, false)

func SetLogger(l *u.Logger) {
	log = l
}

// Metadata records everything besides the password that's needed to
// decrypt a payload.
type Metadata struct {
	Salt                    []byte `json:"salt"`
	IV                      []byte `json:"iv"`
	EncryptedDEK            []byte `json:"encryptedDEK"`
	Algorithm               string `json:"algorithm"`
	Version                 int    `json:"version"`
	KeyDerivationIterations int    `json:"keyDerivationIterations"`
}

func (md *Metadata) check() error {
	if md.Algorithm != Algorithm {
		return fmt.Errorf("%s: unsupported algorithm", md.Algorithm)
	}
	if md.Version != Version {
		return fmt.Errorf("%d: unsupported metadata version", md.Version)
	}
	if len(md.IV) != IVSize || len(md.Salt) == 0 || md.KeyDerivationIterations <= 0 {
		return fmt.Errorf("malformed encryption metadata: %w", ErrAuthFailed)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Keys

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GenerateSalt returns SaltSize random bytes.
func GenerateSalt() ([]byte, error) {
	return randomBytes(SaltSize)
}

// DeriveKey derives the KEK from the password and salt. DefaultIterations
// are used if iterations isn't positive.
func DeriveKey(password string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)
}

const verificationText = "bkengine password verification v1"

func token(kek []byte) []byte {
	mac := hmac.New(sha256.New, kek)
	mac.Write([]byte(verificationText))
	return mac.Sum(nil)
}

// CreatePasswordVerificationToken returns a base64 token that lets
// VerifyPassword check a password later without storing it.
func CreatePasswordVerificationToken(password string, salt []byte, iterations int) string {
	kek := DeriveKey(password, salt, iterations)
	defer u.WipeBytes(kek)
	return base64.StdEncoding.EncodeToString(token(kek))
}

// VerifyPassword reports whether password matches a token made by
// CreatePasswordVerificationToken with the same salt and iterations.
func VerifyPassword(password string, salt []byte, tok string, iterations int) bool {
	want, err := base64.StdEncoding.DecodeString(tok)
	if err != nil {
		return false
	}
	kek := DeriveKey(password, salt, iterations)
	defer u.WipeBytes(kek)
	return hmac.Equal(token(kek), want)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncryptFile encrypts inputPath to outputPath under a fresh DEK and
// returns the metadata needed to decrypt it. The output only appears
// once it's been completely written.
func EncryptFile(ctx context.Context, inputPath, outputPath, password string, salt []byte,
	iterations int) (*Metadata, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	in, err := os.Open(inputPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	kek := DeriveKey(password, salt, iterations)
	defer u.WipeBytes(kek)
	dek, err := randomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	defer u.WipeBytes(dek)
	iv, err := randomBytes(IVSize)
	if err != nil {
		return nil, err
	}

	kekGCM, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	md := &Metadata{
		Salt:                    append([]byte(nil), salt...),
		IV:                      iv,
		EncryptedDEK:            kekGCM.Seal(nil, iv, dek, nil),
		Algorithm:               Algorithm,
		Version:                 Version,
		KeyDerivationIterations: iterations,
	}

	dekGCM, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	var n int64
	err = writeAtomic(outputPath, func(w io.Writer) error {
		n, err = encryptStream(ctx, dekGCM, iv, in, w)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Debug("%s: encrypted %s", outputPath, u.FmtBytes(n))
	return md, nil
}

// DecryptFile decrypts inputPath to outputPath. ErrAuthFailed is returned
// if the password is wrong or anything has been tampered with; in that
// case nothing is left at outputPath.
func DecryptFile(ctx context.Context, inputPath, outputPath, password string, md *Metadata) error {
	if md == nil {
		return ErrMissingMetadata
	}
	if err := md.check(); err != nil {
		return err
	}

	kek := DeriveKey(password, md.Salt, md.KeyDerivationIterations)
	defer u.WipeBytes(kek)
	kekGCM, err := newGCM(kek)
	if err != nil {
		return err
	}
	dek, err := kekGCM.Open(nil, md.IV, md.EncryptedDEK, nil)
	if err != nil {
		return ErrAuthFailed
	}
	defer u.WipeBytes(dek)

	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	dekGCM, err := newGCM(dek)
	if err != nil {
		return err
	}
	return writeAtomic(outputPath, func(w io.Writer) error {
		_, err := decryptStream(ctx, dekGCM, md.IV, in, w)
		return err
	})
}

// writeAtomic calls write with a temporary file next to path, renaming
// it to path if write succeeds and removing it otherwise.
func writeAtomic(path string, write func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".part-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	err = write(f)
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
	}
	return err
}

///////////////////////////////////////////////////////////////////////////
// Sidecars

// WriteMetadata stores md as JSON at path.
func WriteMetadata(path string, md *Metadata) error {
	b, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
}

// ReadMetadata loads a sidecar written by WriteMetadata.
func ReadMetadata(path string) (*Metadata, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrMissingMetadata)
	} else if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &md, nil
}
