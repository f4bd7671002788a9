package notify

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory notification store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Notification
}

// NewMemoryStore creates a new in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Notification)}
}

func (m *MemoryStore) Create(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[n.ID]; ok {
		return nil
	}
	cp := *n
	cp.DeliveredTo = append([]string(nil), n.DeliveredTo...)
	m.items[n.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByAccount(_ context.Context, account string, category Category, limit int) ([]*Notification, error) {
	account = strings.ToLower(account)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.items {
		if n.Account != account {
			continue
		}
		if category != "" && n.Category != category {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountUnseen(_ context.Context, account string) (map[Category]int, error) {
	account = strings.ToLower(account)
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[Category]int{CategoryDeal: 0, CategoryWTS: 0, CategoryWTB: 0}
	for _, n := range m.items {
		if n.Account == account && !n.Seen {
			counts[n.Category]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) MarkSeen(_ context.Context, account string, category Category) (int, error) {
	account = strings.ToLower(account)
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := 0
	for _, n := range m.items {
		if n.Account == account && n.Category == category && !n.Seen {
			n.Seen = true
			updated++
		}
	}
	return updated, nil
}

func (m *MemoryStore) ListPending(_ context.Context, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.items {
		if n.Status == StatusNew {
			cp := *n
			cp.DeliveredTo = append([]string(nil), n.DeliveredTo...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, id, publisher string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.items[id]; ok && !n.DeliveredBy(publisher) {
		n.DeliveredTo = append(n.DeliveredTo, publisher)
	}
	return nil
}

func (m *MemoryStore) MarkSent(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if n, ok := m.items[id]; ok {
			n.Status = StatusSent
		}
	}
	return nil
}

func sortNewestFirst(ns []*Notification) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].ID > ns[j].ID
		}
		return ns[i].CreatedAt.After(ns[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
