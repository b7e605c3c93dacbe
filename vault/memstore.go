package vault

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps serialized records in memory. Records are stored in
// their CBOR form so a read never aliases a writer's slices.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) GetSecret(_ context.Context, walletID string) (*EncryptedSecret, error) {
	s.mu.RLock()
	data, ok := s.records[walletID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", ErrRecordNotFound, walletID)
	}
	return UnmarshalRecord(data)
}

func (s *MemoryStore) PutSecret(_ context.Context, rec *EncryptedSecret) error {
	data, err := MarshalRecord(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[rec.WalletID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteSecret(_ context.Context, walletID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[walletID]; !ok {
		return fmt.Errorf("%w: wallet %s", ErrRecordNotFound, walletID)
	}
	delete(s.records, walletID)
	return nil
}
