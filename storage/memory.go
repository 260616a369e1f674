// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type object struct {
	data    []byte
	created time.Time
}

// Memory is a Gateway that keeps all objects in RAM.  It's really only
// useful for testing of code built on top of Gateway, where we may want
// to save the trouble of saving a bunch of stuff to disk.
type Memory struct {
	mu      sync.Mutex
	objects map[string]object

	// Counters for tests that want to know how the gateway was used.
	Uploads, Downloads, Deletes int
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

// NewMemory returns an empty in-memory Gateway. Close doesn't discard
// its contents, so the same *Memory can be handed out repeatedly.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]object)}
}

func (m *Memory) String() string {
	return "memory"
}

func (m *Memory) Initialize(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) Upload(ctx context.Context, localPath, remoteKey string) error {
	if err := checkKey(remoteKey); err != nil {
		return err
	}
	b, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[remoteKey] = object{b, time.Now()}
	m.Uploads++
	return nil
}

func (m *Memory) Download(ctx context.Context, remoteKey, localPath string) error {
	m.mu.Lock()
	obj, ok := m.objects[remoteKey]
	m.Downloads++
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	_, err := writeFileAtomic(ctx, localPath, bytes.NewReader(obj.data))
	return err
}

func (m *Memory) Exists(ctx context.Context, remoteKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[remoteKey]
	return ok, nil
}

func (m *Memory) Delete(ctx context.Context, remoteKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, remoteKey)
	m.Deletes++
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{key, int64(len(obj.data)), obj.created})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Put stores data directly under key, bypassing the local filesystem.
func (m *Memory) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = object{dupe(data), time.Now()}
}

// Get returns a copy of the object stored under key.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return dupe(obj.data), true
}

// Keys returns the sorted keys of all stored objects.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
