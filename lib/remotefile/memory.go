// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

package remotefile

import (
	"context"
	"fmt"
	"sync"
)

// MemorySource is an in-memory Source for tests. Files can be grown,
// truncated, or replaced between reads to simulate log writes and
// rotation, and reads can be scripted to fail partway through a
// cycle.
type MemorySource struct {
	mu        sync.Mutex
	files     map[string][]byte
	reads     int
	failAfter int // fail reads once this many have succeeded; 0 = never
	failErr   error
}

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{files: make(map[string][]byte)}
}

// Set replaces the content of path.
func (m *MemorySource) Set(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), data...)
}

// Append extends path, creating it if absent. This is how tests model
// the DNS server writing new queries.
func (m *MemorySource) Append(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append(m.files[path], data...)
}

// Remove deletes path.
func (m *MemorySource) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}

// FailReadsAfter makes every ReadRange and ReadAll after the next n
// successful reads return err wrapped in a TransportError. Pass n=0
// to restore normal operation.
func (m *MemorySource) FailReadsAfter(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = 0
	m.failAfter = n
	m.failErr = err
}

// Reads reports how many ReadRange/ReadAll calls have been served.
func (m *MemorySource) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Size implements Source.
func (m *MemorySource) Size(_ context.Context, path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return int64(len(data)), nil
}

// ReadRange implements Source.
func (m *MemorySource) ReadRange(_ context.Context, path string, offset, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.countRead("read-range"); err != nil {
		return nil, err
	}
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := min(offset+length, int64(len(data)))
	return append([]byte(nil), data[offset:end]...), nil
}

// ReadAll implements Source.
func (m *MemorySource) ReadAll(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.countRead("read-all"); err != nil {
		return nil, err
	}
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemorySource) countRead(op string) error {
	if m.failAfter > 0 && m.reads >= m.failAfter {
		return &TransportError{Op: op, Err: m.failErr}
	}
	m.reads++
	return nil
}
