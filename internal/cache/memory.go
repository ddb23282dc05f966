package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Memory is a bounded in-process backend. When full, the least recently
// written entry is evicted.
type Memory struct {
	maxEntries int
	now        func() time.Time

	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

type memoryItem struct {
	key   string
	entry Entry
}

// NewMemory returns a memory backend. maxEntries <= 0 means unbounded.
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		maxEntries: maxEntries,
		now:        time.Now,
		order:      list.New(),
		items:      make(map[string]*list.Element),
	}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return Entry{}, false, nil
	}
	item := el.Value.(*memoryItem)
	if !item.entry.ExpiresAt.IsZero() && !m.now().Before(item.entry.ExpiresAt) {
		m.order.Remove(el)
		delete(m.items, key)
		return Entry{}, false, nil
	}
	return item.entry, true, nil
}

func (m *Memory) Set(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		el.Value.(*memoryItem).entry = entry
		m.order.MoveToBack(el)
		return nil
	}
	m.items[key] = m.order.PushBack(&memoryItem{key: key, entry: entry})
	for m.maxEntries > 0 && m.order.Len() > m.maxEntries {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		delete(m.items, oldest.Value.(*memoryItem).key)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.order.Remove(el)
		delete(m.items, key)
	}
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
