package dispatcher

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNonceUsed is returned when a (signer, nonce) pair was already consumed.
var ErrNonceUsed = errors.New("nonce already used")

// NonceRegistry tracks consumed (signer, nonce) pairs. ConsumeNonce must
// check and insert atomically. Entries may be forgotten once expiresAt has
// passed, since the intent carrying them can no longer validate.
type NonceRegistry interface {
	IsNonceUsed(ctx context.Context, signer string, nonce [32]byte) (bool, error)
	ConsumeNonce(ctx context.Context, signer string, nonce [32]byte, expiresAt int64) error
}

const (
	// maxNonceEntries bounds memory use of the in-process registry.
	maxNonceEntries = 50000

	nonceCleanupInterval = 60 * time.Second
)

type nonceKey struct {
	signer string
	nonce  [32]byte
}

// MemoryNonceRegistry is an in-process NonceRegistry with expiry-based
// cleanup.
type MemoryNonceRegistry struct {
	entries     map[nonceKey]int64
	mu          sync.Mutex
	lastCleanup time.Time
	now         func() time.Time
}

// NewMemoryNonceRegistry creates an empty registry. now may be nil.
func NewMemoryNonceRegistry(now func() time.Time) *MemoryNonceRegistry {
	if now == nil {
		now = time.Now
	}
	return &MemoryNonceRegistry{
		entries:     make(map[nonceKey]int64),
		lastCleanup: now(),
		now:         now,
	}
}

func (r *MemoryNonceRegistry) IsNonceUsed(_ context.Context, signer string, nonce [32]byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[nonceKey{signer, nonce}]
	return ok, nil
}

func (r *MemoryNonceRegistry) ConsumeNonce(_ context.Context, signer string, nonce [32]byte, expiresAt int64) error {
	key := nonceKey{signer, nonce}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastCleanup) > nonceCleanupInterval {
		r.cleanupLocked(now)
		r.lastCleanup = now
	}

	if _, exists := r.entries[key]; exists {
		log.Warn().
			Str("signer", signer).
			Str("nonce", hex.EncodeToString(nonce[:8])).
			Msg("SECURITY: Replay detected - nonce already used")
		return ErrNonceUsed
	}

	if len(r.entries) >= maxNonceEntries {
		r.cleanupLocked(now)
		if len(r.entries) >= maxNonceEntries {
			// Unexpired entries cannot be dropped without reopening replay,
			// so refuse new ones instead.
			log.Warn().Int("entries", len(r.entries)).Msg("SECURITY: Nonce registry full")
			return errors.New("nonce registry full")
		}
	}

	r.entries[key] = expiresAt
	return nil
}

// Len returns the number of tracked nonces.
func (r *MemoryNonceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// cleanupLocked removes expired entries (must be called with lock held)
func (r *MemoryNonceRegistry) cleanupLocked(now time.Time) {
	removed := 0
	for k, exp := range r.entries {
		if exp < now.Unix() {
			delete(r.entries, k)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(r.entries)).
			Msg("Nonce registry cleanup")
	}
}
