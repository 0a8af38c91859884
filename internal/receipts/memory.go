package receipts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository 在内存中保存回执。
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Receipt
	order   []string
	now     func() time.Time
}

// NewMemoryRepository 创建内存回执库。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Receipt), now: time.Now}
}

// Record 实现 Repository。
func (m *MemoryRepository) Record(_ context.Context, receipt Receipt) error {
	if err := receipt.validate(m.now); err != nil {
		return err
	}
	m.put(receipt)
	return nil
}

func (m *MemoryRepository) put(receipt Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := receipt.key()
	if existing, ok := m.records[key]; ok {
		receipt.CreatedAt = existing.CreatedAt
	} else {
		m.order = append(m.order, key)
	}
	m.records[key] = receipt
}

// List 实现 Repository。
func (m *MemoryRepository) List(_ context.Context, opts ...ListOption) ([]Receipt, error) {
	options := buildListOptions(opts)

	m.mu.RLock()
	matched := make([]Receipt, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.records[m.order[i]]
		if options.matches(r) {
			matched = append(matched, r)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt > matched[j].CreatedAt })
	if options.Offset >= len(matched) {
		return []Receipt{}, nil
	}
	matched = matched[options.Offset:]
	if len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	return matched, nil
}

// Close 实现 Repository。
func (m *MemoryRepository) Close() error { return nil }
