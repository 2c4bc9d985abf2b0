package contentstore

import (
	"context"
	"strconv"
	"sync"
)

// Memory is an in-process Backend used in tests and by the built-in
// example blog type. It honors the same optimistic-concurrency contract as
// the remote implementations: a Commit against a stale head fails with
// ErrConflict.
type Memory struct {
	mu    sync.Mutex
	files map[string][]byte
	rev   int
}

// NewMemory creates a Memory backend seeded with the given files.
// The seed map may be nil.
func NewMemory(seed map[string][]byte) *Memory {
	files := make(map[string][]byte, len(seed))
	for p, data := range seed {
		files[p] = append([]byte(nil), data...)
	}
	return &Memory{files: files}
}

// Read implements Backend.
func (m *Memory) Read(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// ProbeAny implements Backend.
func (m *Memory) ProbeAny(_ context.Context, candidates []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range candidates {
		if _, ok := m.files[p]; ok {
			return p, nil
		}
	}
	return "", ErrNotFound
}

// Head implements Backend.
func (m *Memory) Head(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strconv.Itoa(m.rev), nil
}

// Commit implements Backend.
func (m *Memory) Commit(_ context.Context, base string, changes []Change, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if base != strconv.Itoa(m.rev) {
		return ErrConflict
	}
	for _, ch := range changes {
		if ch.Delete {
			delete(m.files, ch.Path)
			continue
		}
		m.files[ch.Path] = append([]byte(nil), ch.Data...)
	}
	m.rev++
	return nil
}

// Len reports the number of files in the tree.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// Paths returns a snapshot of every path in the tree.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	return paths
}
