// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config defines the YAML configuration document that drives the
// backup engine. The engine never goes looking for it; whoever embeds
// the engine loads a Config and passes it in.
package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mmp/bkengine/crypt"
	"github.com/mmp/bkengine/rdso"
	"github.com/mmp/bkengine/retention"
	"github.com/mmp/bkengine/state"
	"github.com/mmp/bkengine/storage"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BackupType state.BackupType `yaml:"backupType"`
	// Where the state document lives.
	StatePath string `yaml:"statePath"`
	// Scratch space for archives, diffs and encrypted payloads.
	WorkDir string `yaml:"workDir"`
	// Directories to back up; each one is a backup group.
	Groups []string `yaml:"groups"`
	// Path components to skip while scanning groups.
	Exclude []string `yaml:"exclude,omitempty"`
	// Maximum number of groups backed up at once.
	Concurrency int `yaml:"concurrency"`

	Diff       Diff             `yaml:"diff"`
	Parity     Parity           `yaml:"parity"`
	Watch      Watch            `yaml:"watch"`
	Retention  retention.Config `yaml:"retention"`
	Encryption Encryption       `yaml:"encryption"`
	Storage    Storage          `yaml:"storage"`
}

type Diff struct {
	Enabled bool `yaml:"enabled"`
}

type Parity struct {
	Enabled      bool `yaml:"enabled"`
	rdso.Options `yaml:",inline"`
}

type Watch struct {
	// How long the tree has to be quiet before a backup starts.
	Debounce time.Duration `yaml:"debounce"`
}

type Encryption struct {
	Enabled bool `yaml:"enabled"`
	// base64
	Salt                    string `yaml:"salt,omitempty"`
	VerificationToken       string `yaml:"verificationToken,omitempty"`
	KeyDerivationIterations int    `yaml:"keyDerivationIterations,omitempty"`
}

type Storage struct {
	Type            string `yaml:"type"`
	storage.Options `yaml:",inline"`
}

func Default() *Config {
	return &Config{
		BackupType:  state.Incremental,
		Concurrency: 2,
		Diff:        Diff{Enabled: true},
		Parity:      Parity{Options: rdso.DefaultOptions()},
		Watch:       Watch{Debounce: 30 * time.Second},
		Retention: retention.Config{
			Enabled:              true,
			KeepLastPerDirectory: 3,
			MaxAgeDays:           30,
		},
		Encryption: Encryption{KeyDerivationIterations: crypt.DefaultIterations},
		Storage:    Storage{Type: "local"},
	}
}

// Parse reads a YAML document on top of the defaults and validates the
// result. Unknown fields are an error.
func Parse(b []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

// Validate checks the configuration for consistency, filling in a few
// values (like KeepLastPerDirectory) that are coerced rather than
// rejected.
func (c *Config) Validate() error {
	var errs []error
	if c.StatePath == "" {
		errs = append(errs, errors.New("statePath: must be given"))
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	for _, g := range c.Groups {
		if g == "" {
			errs = append(errs, errors.New("groups: empty group"))
		}
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	c.Retention.KeepLastPerDirectory = c.Retention.KeepLast()
	if c.Retention.MaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("retention.maxAgeDays: %d is negative", c.Retention.MaxAgeDays))
	}

	if c.Parity.Enabled {
		if err := c.Parity.Options.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("parity: %w", err))
		}
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, errors.New("watch.debounce: negative"))
	}

	if c.Encryption.Enabled {
		if c.Encryption.KeyDerivationIterations <= 0 {
			c.Encryption.KeyDerivationIterations = crypt.DefaultIterations
		}
		if _, err := c.Encryption.SaltBytes(); err != nil {
			errs = append(errs, fmt.Errorf("encryption.salt: %w", err))
		}
		if c.Encryption.VerificationToken == "" {
			errs = append(errs, errors.New("encryption.verificationToken: must be given"))
		}
	}

	if !slices.Contains(storage.Types(), strings.ToLower(c.Storage.Type)) {
		errs = append(errs, fmt.Errorf("storage.type: %q: %w", c.Storage.Type, storage.ErrUnknownType))
	}
	return errors.Join(errs...)
}

// SaltBytes decodes the configured salt.
func (e *Encryption) SaltBytes() ([]byte, error) {
	if e.Salt == "" {
		return nil, errors.New("no salt given")
	}
	return base64.StdEncoding.DecodeString(e.Salt)
}

// SetPassword configures encryption with a new random salt and a
// verification token for password. The password itself isn't stored.
func (e *Encryption) SetPassword(password string) error {
	salt, err := crypt.GenerateSalt()
	if err != nil {
		return err
	}
	if e.KeyDerivationIterations <= 0 {
		e.KeyDerivationIterations = crypt.DefaultIterations
	}
	e.Enabled = true
	e.Salt = base64.StdEncoding.EncodeToString(salt)
	e.VerificationToken = crypt.CreatePasswordVerificationToken(password, salt,
		e.KeyDerivationIterations)
	return nil
}

// CheckPassword returns crypt.ErrWrongPassword if password doesn't match
// the configured verification token.
func (e *Encryption) CheckPassword(password string) error {
	salt, err := e.SaltBytes()
	if err != nil {
		return err
	}
	if !crypt.VerifyPassword(password, salt, e.VerificationToken, e.KeyDerivationIterations) {
		return crypt.ErrWrongPassword
	}
	return nil
}
