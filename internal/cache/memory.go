package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"panther/internal/models"
)

// DefaultMaxEntries bounds a memory cache built with zero capacity.
const DefaultMaxEntries = 256

type memoryEntry struct {
	key     string
	resp    *models.NormalizedResponse
	expires time.Time
}

// Memory is an in-process LRU cache with a fixed TTL.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	order   *list.List
	entries map[string]*list.Element
	now     func() time.Time
}

// NewMemory returns a memory cache.
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		ttl:     ttl,
		max:     maxEntries,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (*models.NormalizedResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if !m.now().Before(entry.expires) {
		m.order.Remove(el)
		delete(m.entries, key)
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	return copyResponse(entry.resp), true, nil
}

func (m *Memory) Set(_ context.Context, key string, resp *models.NormalizedResponse) error {
	if resp == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &memoryEntry{key: key, resp: copyResponse(resp), expires: m.now().Add(m.ttl)}
	if el, ok := m.entries[key]; ok {
		el.Value = entry
		m.order.MoveToFront(el)
		return nil
	}
	m.entries[key] = m.order.PushFront(entry)
	for m.order.Len() > m.max {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order.Init()
	m.entries = make(map[string]*list.Element)
	return nil
}
