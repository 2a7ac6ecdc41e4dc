package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"rewards-miniapp/internal/models"
)

var ErrSessionNotFound = errors.New("session: not found")

// MemoryStore keeps session records in process. It backs the "memory" store
// driver.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	id      models.Identity
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord), now: time.Now}
}

func (m *MemoryStore) StoreSession(_ context.Context, id *models.Identity, expiry time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id.UserID+":"+id.SessionID] = memoryRecord{id: *id, expires: m.now().Add(expiry)}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, userID, sessionID string) (*models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + ":" + sessionID
	rec, ok := m.records[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !m.now().Before(rec.expires) {
		delete(m.records, key)
		return nil, ErrSessionNotFound
	}
	id := rec.id
	return &id, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, userID+":"+sessionID)
	return nil
}
