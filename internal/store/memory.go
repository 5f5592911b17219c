package store

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-memory Store. Tests use it to build multi-device
// topologies without touching disk, and the legacy migration tests use
// it as the pre-replication store stand-in.
type Memory struct {
	mu          sync.RWMutex
	closed      bool
	collections map[string][]byte
	attachments map[string][]byte
	flags       map[string]bool
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string][]byte),
		attachments: make(map[string][]byte),
		flags:       make(map[string]bool),
	}
}

var errClosed = errors.New("store: closed")

func (m *Memory) Records(_ context.Context, collection string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	payload, ok := m.collections[collection]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), payload...), nil
}

func (m *Memory) PutRecords(_ context.Context, collection string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.collections[collection] = append([]byte(nil), payload...)
	return nil
}

func (m *Memory) Attachment(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	data, ok := m.attachments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) PutAttachment(_ context.Context, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.attachments[id] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Flag(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, errClosed
	}
	return m.flags[name], nil
}

func (m *Memory) SetFlag(_ context.Context, name string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.flags[name] = value
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
