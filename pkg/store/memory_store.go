package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"grimoire/pkg/domain"
)

// MemoryStore keeps records in-process. It backs tests and the
// no-database dev mode; document atomicity comes from the mutex.
type MemoryStore struct {
	mu     sync.RWMutex
	books  map[string]domain.Book
	orders []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books: make(map[string]domain.Book),
	}
}

// Insert stores a new record and tracks insertion order.
func (m *MemoryStore) Insert(_ context.Context, b domain.Book) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; !exists {
		m.orders = append(m.orders, b.ID)
	}
	m.books[b.ID] = cloneBook(b)
	return b.ID, nil
}

// FindByID retrieves a record by ID.
func (m *MemoryStore) FindByID(_ context.Context, id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, false, nil
	}
	return cloneBook(b), true, nil
}

// FindAll returns records in insertion order.
func (m *MemoryStore) FindAll(_ context.Context) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.orders))
	for _, id := range m.orders {
		if b, ok := m.books[id]; ok {
			res = append(res, cloneBook(b))
		}
	}
	return res, nil
}

// FindTopRated sorts by average rating descending; insertion order
// breaks ties.
func (m *MemoryStore) FindTopRated(ctx context.Context, limit int) ([]domain.Book, error) {
	if limit <= 0 {
		return []domain.Book{}, nil
	}
	all, err := m.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].AverageRating > all[j].AverageRating
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Replace overwrites the whole record.
func (m *MemoryStore) Replace(_ context.Context, id string, b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		return nil
	}
	b.ID = id
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = cloneBook(b)
	return nil
}

// Delete removes a record.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, id)
	filtered := m.orders[:0]
	for _, item := range m.orders {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.orders = filtered
	return nil
}

// cloneBook copies the ratings slice so callers never alias stored state.
func cloneBook(b domain.Book) domain.Book {
	if b.Ratings != nil {
		ratings := make([]domain.Rating, len(b.Ratings))
		copy(ratings, b.Ratings)
		b.Ratings = ratings
	}
	return b
}
