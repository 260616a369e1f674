// config/config_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/bkengine/crypt"
	"github.com/mmp/bkengine/state"
	"github.com/mmp/bkengine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
backupType: Differential
statePath: /var/lib/bk/state.json
workDir: /var/cache/bk
groups: [/home/me/docs, /home/me/photos]
exclude: [".cache", node_modules]
concurrency: 4
diff: {enabled: false}
parity: {enabled: true, dataShards: 10, parityShards: 2, hashRate: 65536}
watch: {debounce: 1m30s}
retention: {enabled: true, keepLastPerDirectory: 0, maxAgeDays: 14}
storage:
  type: S3
  maxUploadBytesPerSecond: 1000000
  s3:
    bucket: backups
    region: eu-west-1
    endpoint: http://minio:9000
    usePathStyle: true
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, state.Differential, c.BackupType)
	assert.Equal(t, "/var/lib/bk/state.json", c.StatePath)
	assert.Equal(t, []string{"/home/me/docs", "/home/me/photos"}, c.Groups)
	assert.Equal(t, []string{".cache", "node_modules"}, c.Exclude)
	assert.Equal(t, 4, c.Concurrency)
	assert.False(t, c.Diff.Enabled)
	assert.True(t, c.Parity.Enabled)
	assert.Equal(t, 10, c.Parity.DataShards)
	assert.Equal(t, 65536, c.Parity.HashRate)
	assert.Equal(t, 90*time.Second, c.Watch.Debounce)
	// Coerced up to one.
	assert.Equal(t, 1, c.Retention.KeepLastPerDirectory)
	assert.Equal(t, 14, c.Retention.MaxAgeDays)
	assert.Equal(t, "S3", c.Storage.Type)
	assert.Equal(t, 1000000, c.Storage.MaxUploadBytesPerSecond)
	assert.Equal(t, "backups", c.Storage.S3.Bucket)
	assert.True(t, c.Storage.S3.UsePathStyle)
	assert.False(t, c.Encryption.Enabled)
}

func TestDefaults(t *testing.T) {
	c, err := Parse([]byte("statePath: /tmp/state.json\n"))
	require.NoError(t, err)
	assert.Equal(t, state.Incremental, c.BackupType)
	assert.Equal(t, 30*time.Second, c.Watch.Debounce)
	assert.Equal(t, "local", c.Storage.Type)
	assert.Equal(t, 3, c.Retention.KeepLastPerDirectory)
	assert.NotEmpty(t, c.WorkDir)
}

func TestInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"no state path":  "groups: [/x]\n",
		"unknown field":  "statePath: /s\nbogus: 1\n",
		"bad type":       "statePath: /s\nbackupType: Sometimes\n",
		"bad parity":     "statePath: /s\nparity: {enabled: true, dataShards: 0}\n",
		"no salt":        "statePath: /s\nencryption: {enabled: true, verificationToken: abc}\n",
		"negative age":   "statePath: /s\nretention: {maxAgeDays: -1}\n",
		"bad debounce":   "statePath: /s\nwatch: {debounce: soon}\n",
		"unknown remote": "statePath: /s\nstorage: {type: tape}\n",
	} {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}

	_, err := Parse([]byte("statePath: /s\nstorage: {type: tape}\n"))
	assert.True(t, errors.Is(err, storage.ErrUnknownType))
}

func TestPassword(t *testing.T) {
	e := Encryption{KeyDerivationIterations: 1000}
	require.NoError(t, e.SetPassword("open sesame"))
	assert.True(t, e.Enabled)
	assert.NotEmpty(t, e.Salt)

	assert.NoError(t, e.CheckPassword("open sesame"))
	assert.ErrorIs(t, e.CheckPassword("open sesame!"), crypt.ErrWrongPassword)
}

func TestSaveLoad(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, c.Encryption.SetPassword("pw"))

	path := filepath.Join(t.TempDir(), "bk.yaml")
	require.NoError(t, c.Save(path))
	c2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, c2)
}
