package passkey

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process CredentialStore.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*Credential)}
}

func (s *MemoryStore) SaveCredential(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cred
	s.creds[string(cred.ID)] = &c
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, id []byte) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[string(id)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) ListCredentials(_ context.Context, userID string) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Credential
	for _, c := range s.creds {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateCounter(_ context.Context, id []byte, counter uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[string(id)]
	if !ok {
		return ErrCredentialNotFound
	}
	c.Counter = counter
	return nil
}

func (s *MemoryStore) RevokeCredential(_ context.Context, id []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[string(id)]
	if !ok {
		return ErrCredentialNotFound
	}
	if c.RevokedAt == nil {
		c.RevokedAt = &at
	}
	return nil
}
