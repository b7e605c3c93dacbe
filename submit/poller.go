package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransactionFailed = errors.New("transaction failed on ledger")
	ErrNotConfirmed      = errors.New("transaction not confirmed")
)

// Ledger statuses.
const (
	StatusPending  = "PENDING"
	StatusNotFound = "NOT_FOUND"
	StatusSuccess  = "SUCCESS"
	StatusFailed   = "FAILED"
)

// TxStatus is the ledger view of a submitted transaction.
type TxStatus struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
	Ledger int64  `json:"ledger,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatusChecker looks up a transaction by hash.
type StatusChecker interface {
	Status(ctx context.Context, txHash string) (*TxStatus, error)
}

// PollConfig is the retry policy for confirmation polling.
type PollConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultPollConfig polls from 500ms up to 5s for at most a minute.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  time.Minute,
	}
}

// Poller waits for submitted transactions to settle. It retries status
// lookups only.
type Poller struct {
	checker StatusChecker
	cfg     PollConfig
}

func NewPoller(checker StatusChecker, cfg PollConfig) *Poller {
	def := DefaultPollConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = def.MaxElapsedTime
	}
	return &Poller{checker: checker, cfg: cfg}
}

// WaitForConfirmation polls until txHash is SUCCESS or FAILED, ctx ends or
// the elapsed-time budget runs out.
func (p *Poller) WaitForConfirmation(ctx context.Context, txHash string) (*TxStatus, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.cfg.InitialInterval
	expBackoff.MaxInterval = p.cfg.MaxInterval
	expBackoff.MaxElapsedTime = p.cfg.MaxElapsedTime

	var final *TxStatus
	operation := func() error {
		st, err := p.checker.Status(ctx, txHash)
		if err != nil {
			return err
		}
		switch st.Status {
		case StatusSuccess:
			final = st
			return nil
		case StatusFailed:
			final = st
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrTransactionFailed, st.Error))
		default:
			return fmt.Errorf("%w: status %s", ErrNotConfirmed, st.Status)
		}
	}
	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("tx_hash", txHash).Dur("retry_in", wait).Msg("Waiting for confirmation")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		if final != nil {
			return final, err
		}
		if errors.Is(err, ErrNotConfirmed) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotConfirmed, txHash, err)
		}
		return nil, err
	}
	log.Info().Str("tx_hash", txHash).Int64("ledger", final.Ledger).Msg("Transaction confirmed")
	return final, nil
}
