package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webpush-libs/webpush-go"
)

// Memory implements in-memory storage for testing and development.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemory creates a new in-memory storage.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*Record),
	}
}

// Save stores or updates a subscription. A record without an ID is given
// one.
func (m *Memory) Save(_ context.Context, record *Record) error {
	if err := validate(record); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	for id, r := range m.records {
		if id != record.ID && r.Subscription.Endpoint == record.Subscription.Endpoint {
			delete(m.records, id)
		}
	}
	// Store a copy to avoid external mutations
	m.records[record.ID] = copyRecord(record)
	return nil
}

// Get retrieves a subscription by ID.
func (m *Memory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(record), nil
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (m *Memory) GetByEndpoint(_ context.Context, endpoint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, record := range m.records {
		if record.Subscription.Endpoint == endpoint {
			return copyRecord(record), nil
		}
	}
	return nil, ErrNotFound
}

// GetByUserID retrieves all subscriptions for a user.
func (m *Memory) GetByUserID(_ context.Context, userID string) ([]*Record, error) {
	return m.filter(func(r *Record) bool { return r.UserID == userID }), nil
}

// GetByVAPIDKey retrieves all subscriptions for a specific VAPID key.
func (m *Memory) GetByVAPIDKey(_ context.Context, vapidKey string) ([]*Record, error) {
	return m.filter(func(r *Record) bool { return r.VAPIDKey == vapidKey }), nil
}

// CountByVAPIDKey returns the number of subscriptions for a specific VAPID key.
func (m *Memory) CountByVAPIDKey(_ context.Context, vapidKey string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, record := range m.records {
		if record.VAPIDKey == vapidKey {
			count++
		}
	}
	return count, nil
}

// Delete removes a subscription by ID.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (m *Memory) DeleteByEndpoint(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, record := range m.records {
		if record.Subscription.Endpoint == endpoint {
			delete(m.records, id)
			return nil
		}
	}
	return ErrNotFound
}

// List returns subscriptions newest first, with pagination.
func (m *Memory) List(_ context.Context, limit, offset int) ([]*Record, error) {
	all := m.filter(func(*Record) bool { return true })
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

// Close is a no-op for in-memory storage.
func (m *Memory) Close() error {
	return nil
}

// filter returns copies of the matching records, newest first.
func (m *Memory) filter(match func(*Record) bool) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Record
	for _, record := range m.records {
		if match(record) {
			results = append(results, copyRecord(record))
		}
	}
	slices.SortFunc(results, func(a, b *Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return results
}

func copyRecord(r *Record) *Record {
	return &Record{
		ID:        r.ID,
		UserID:    r.UserID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		VAPIDKey:  r.VAPIDKey,
		Subscription: &webpush.Subscription{
			Endpoint: r.Subscription.Endpoint,
			Keys: webpush.Keys{
				P256dh: r.Subscription.Keys.P256dh,
				Auth:   r.Subscription.Keys.Auth,
			},
		},
	}
}
