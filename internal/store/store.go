package store

import (
	"context"
	"sync"
	"time"
)

// Delivery states recorded for result operations.
const (
	StatusDelivered = "delivered"
	StatusDropped   = "dropped"
)

type Store interface {
	SetRoute(ctx context.Context, opType, route string) error
	GetRoute(ctx context.Context, opType string) (string, error)
	// ClaimProcessed marks operationID processed and reports whether this
	// call was the first to do so within ttl.
	ClaimProcessed(ctx context.Context, operationID string, ttl time.Duration) (bool, error)
	SetResultStatus(ctx context.Context, resultID, status string, ttl time.Duration) error
	Close() error
}

type statusEntry struct {
	status   string
	expireAt time.Time
}

type MemoryStore struct {
	mu        sync.RWMutex
	routes    map[string]string
	processed map[string]time.Time
	results   map[string]statusEntry
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes:    make(map[string]string),
		processed: make(map[string]time.Time),
		results:   make(map[string]statusEntry),
		now:       time.Now,
	}
}

func (m *MemoryStore) SetRoute(_ context.Context, opType, route string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[opType] = route
	return nil
}

func (m *MemoryStore) GetRoute(_ context.Context, opType string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.routes[opType], nil
}

func (m *MemoryStore) ClaimProcessed(_ context.Context, operationID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.prune()
	if _, taken := m.processed[operationID]; taken {
		return false, nil
	}
	m.processed[operationID] = now.Add(ttl)
	return true, nil
}

// prune drops expired processed ids. Callers hold mu.
func (m *MemoryStore) prune() time.Time {
	now := m.now()
	for id, expireAt := range m.processed {
		if !now.Before(expireAt) {
			delete(m.processed, id)
		}
	}
	return now
}

func (m *MemoryStore) SetResultStatus(_ context.Context, resultID, status string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[resultID] = statusEntry{status: status, expireAt: m.now().Add(ttl)}
	return nil
}

// ResultStatus returns the recorded delivery state of a result, or "" once
// it has expired or was never recorded.
func (m *MemoryStore) ResultStatus(resultID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.results[resultID]
	if !ok || !m.now().Before(entry.expireAt) {
		return ""
	}
	return entry.status
}

func (m *MemoryStore) Close() error {
	return nil
}
