// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // content address
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/meigma/unthin/dependency"
	"github.com/meigma/unthin/storage"
)

// SHA1Hex returns the lowercase hex SHA-1 of content.
func SHA1Hex(content string) string {
	sum := sha1.Sum([]byte(content)) //nolint:gosec // content address
	return hex.EncodeToString(sum[:])
}

// WriteFile writes content to dir/rel, creating parent directories.
func WriteFile(t testing.TB, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// MemStorage is a concurrency-safe in-memory storage.Storage.
//
// Statuses can be forced per hash to simulate other writers; a forced
// status also drives the PutDependency result.
type MemStorage struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	forced   map[string]dependency.FileStatus
	lost     map[string]bool
	projects map[string][]byte

	StatusCalls int
	PutCalls    int
	Puts        []string
	Err         error
}

var _ storage.Storage = (*MemStorage)(nil)

// NewMemStorage returns an empty MemStorage.
func NewMemStorage() *MemStorage {
	return &MemStorage{
		blobs:    make(map[string][]byte),
		forced:   make(map[string]dependency.FileStatus),
		lost:     make(map[string]bool),
		projects: make(map[string][]byte),
	}
}

// Force pins the status reported for sha1.
func (m *MemStorage) Force(sha1 string, st dependency.FileStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced[sha1] = st
}

// LoseRace makes sha1 report NON_EXISTENT while PutDependency finds
// another writer already holding it, as when a concurrent put claims the
// blob between the status check and the write.
func (m *MemStorage) LoseRace(sha1 string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[sha1] = true
}

// Seed stores content as a closed blob.
func (m *MemStorage) Seed(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[SHA1Hex(content)] = []byte(content)
}

// Has reports whether sha1 holds closed content.
func (m *MemStorage) Has(sha1 string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[sha1]
	return ok
}

func (m *MemStorage) status(key string) dependency.FileStatus {
	if st, ok := m.forced[key]; ok {
		return st
	}
	if _, ok := m.blobs[key]; ok {
		return dependency.Closed
	}
	return dependency.NonExistent
}

// DependencyStatus implements storage.Storage.
func (m *MemStorage) DependencyStatus(_ context.Context, d dependency.Dependency) (dependency.FileStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusCalls++
	if m.Err != nil {
		return dependency.NonExistent, m.Err
	}
	return m.status(d.Key()), nil
}

// ExistsDependency implements storage.Storage.
func (m *MemStorage) ExistsDependency(ctx context.Context, d dependency.Dependency) (bool, error) {
	st, err := m.DependencyStatus(ctx, d)
	return st == dependency.Closed, err
}

// PutDependency implements storage.Storage.
func (m *MemStorage) PutDependency(_ context.Context, f dependency.File) (storage.PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	if m.Err != nil {
		return 0, m.Err
	}
	if m.lost[f.Key()] {
		return storage.PutAlreadyWriting, nil
	}
	switch m.status(f.Key()) {
	case dependency.Closed:
		return storage.PutAlreadyExists, nil
	case dependency.Open:
		return storage.PutAlreadyWriting, nil
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return 0, err
	}
	m.blobs[f.Key()] = b
	m.Puts = append(m.Puts, f.Key())
	return storage.PutWritten, nil
}

// GetDependency implements storage.Storage.
func (m *MemStorage) GetDependency(_ context.Context, d dependency.Dependency) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[d.Key()]
	if !ok || m.status(d.Key()) != dependency.Closed {
		return nil, errors.Wrapf(storage.ErrNotFound, "dependency %s", d.Key())
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// PutProject implements storage.Storage.
func (m *MemStorage) PutProject(_ context.Context, meta storage.ProjectMetadata, archivePath string) (string, error) {
	b, err := os.ReadFile(archivePath) //nolint:gosec // test helper
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := filepath.ToSlash(filepath.Join(
		strconv.Itoa(meta.ProjectID), strconv.Itoa(meta.ProjectID)+"-"+SHA1Hex(string(b))+".zip"))
	m.projects[key] = b
	return key, nil
}

// GetProject implements storage.Storage.
func (m *MemStorage) GetProject(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.projects[key]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "project %s", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// DeleteProject implements storage.Storage.
func (m *MemStorage) DeleteProject(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.projects[key]
	delete(m.projects, key)
	return ok, nil
}
