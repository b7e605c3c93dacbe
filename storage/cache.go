package storage

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/mesmerverse/geolink-authz/passkey"
)

// LRUCache is a thread-safe LRU cache. It must only hold public data;
// nothing derived from key material belongs here.
type LRUCache[K comparable, V any] struct {
	capacity int
	items    map[K]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type cacheEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache[K comparable, V any](capacity int) *LRUCache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}
}

func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put adds or updates a value, evicting the least recently used entry
// when full.
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheEntry[K, V]).value = value
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*cacheEntry[K, V]).key)
			c.order.Remove(oldest)
		}
	}
	c.items[key] = c.order.PushFront(&cacheEntry[K, V]{key: key, value: value})
}

func (c *LRUCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		delete(c.items, key)
		c.order.Remove(elem)
	}
}

func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns all keys, most recently used first.
func (c *LRUCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*cacheEntry[K, V]).key)
	}
	return keys
}

// CachedCredentialStore serves credential lookups from an LRU in front of
// another store. Writes go through and invalidate.
type CachedCredentialStore struct {
	passkey.CredentialStore
	cache *LRUCache[string, passkey.Credential]
}

func NewCachedCredentialStore(inner passkey.CredentialStore, capacity int) *CachedCredentialStore {
	return &CachedCredentialStore{
		CredentialStore: inner,
		cache:           NewLRUCache[string, passkey.Credential](capacity),
	}
}

func (s *CachedCredentialStore) GetCredential(ctx context.Context, id []byte) (*passkey.Credential, error) {
	if c, ok := s.cache.Get(string(id)); ok {
		return &c, nil
	}
	cred, err := s.CredentialStore.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Put(string(id), *cred)
	return cred, nil
}

func (s *CachedCredentialStore) SaveCredential(ctx context.Context, cred *passkey.Credential) error {
	s.cache.Delete(string(cred.ID))
	return s.CredentialStore.SaveCredential(ctx, cred)
}

func (s *CachedCredentialStore) UpdateCounter(ctx context.Context, id []byte, counter uint32) error {
	s.cache.Delete(string(id))
	return s.CredentialStore.UpdateCounter(ctx, id, counter)
}

func (s *CachedCredentialStore) RevokeCredential(ctx context.Context, id []byte, at time.Time) error {
	s.cache.Delete(string(id))
	return s.CredentialStore.RevokeCredential(ctx, id, at)
}
