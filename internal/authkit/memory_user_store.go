package authkit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryUserStore is an in-memory directory intended for tests and dev.
type MemoryUserStore struct {
	mutex   sync.Mutex
	records map[string]UserRecord
}

// NewMemoryUserStore creates an empty in-memory directory.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{records: make(map[string]UserRecord)}
}

// FindByExternalID returns the record for the provider subject id.
func (store *MemoryUserStore) FindByExternalID(ctx context.Context, externalID string) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.records[externalID]
	if !ok {
		return UserRecord{}, fmt.Errorf("user_store.find.memory: %w", ErrUserNotFound)
	}
	return record, nil
}

// Insert adds a record; the check-and-insert happens under one lock so
// concurrent signups for the same identity cannot both succeed.
func (store *MemoryUserStore) Insert(ctx context.Context, record UserRecord) error {
	if record.ExternalID == "" {
		return fmt.Errorf("user_store.insert.memory: %w", ErrUserEmptyExternalID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, exists := store.records[record.ExternalID]; exists {
		return fmt.Errorf("user_store.insert.memory: %w", ErrUserAlreadyExists)
	}
	store.records[record.ExternalID] = record
	return nil
}
