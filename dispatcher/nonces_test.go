package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryNonceRegistry(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1700000000, 0)
	r := NewMemoryNonceRegistry(func() time.Time { return clock })

	var nonce [32]byte
	nonce[0] = 1

	used, err := r.IsNonceUsed(ctx, "GA", nonce)
	if err != nil || used {
		t.Fatalf("fresh nonce: used=%v err=%v", used, err)
	}
	if err := r.ConsumeNonce(ctx, "GA", nonce, clock.Unix()+300); err != nil {
		t.Fatalf("ConsumeNonce failed: %v", err)
	}
	if err := r.ConsumeNonce(ctx, "GA", nonce, clock.Unix()+300); !errors.Is(err, ErrNonceUsed) {
		t.Errorf("second consume: got %v, want ErrNonceUsed", err)
	}
	used, _ = r.IsNonceUsed(ctx, "GA", nonce)
	if !used {
		t.Error("consumed nonce not reported as used")
	}

	// Nonces are scoped per signer.
	if err := r.ConsumeNonce(ctx, "GB", nonce, clock.Unix()+300); err != nil {
		t.Errorf("other signer: %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}

	clock = clock.Add(10 * time.Minute)
	var next [32]byte
	next[0] = 2
	if err := r.ConsumeNonce(ctx, "GA", next, clock.Unix()+300); err != nil {
		t.Fatalf("ConsumeNonce failed: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("expired entries not cleaned up: Len = %d", r.Len())
	}
}
