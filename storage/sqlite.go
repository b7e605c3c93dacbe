// Package storage persists encrypted wallet records, passkey bookkeeping and
// consumed nonces.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/mesmerverse/geolink-authz/dispatcher"
	"github.com/mesmerverse/geolink-authz/passkey"
	"github.com/mesmerverse/geolink-authz/vault"
)

// SQLiteStorage stores vault records, credentials and used nonces in one
// SQLite database. Every write bumps a rollback counter kept in _metadata
// so a restored older copy of the file can be detected.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string

	rollbackCounter int64

	mu sync.RWMutex
}

var (
	_ vault.Store              = (*SQLiteStorage)(nil)
	_ passkey.CredentialStore  = (*SQLiteStorage)(nil)
	_ dispatcher.NonceRegistry = (*SQLiteStorage)(nil)
)

// NewSQLiteStorage opens (or creates) the database at path. ":memory:"
// gives a private in-memory database.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// One connection: an in-memory database is per connection, and a file
	// database only has one writer anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStorage{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.loadRollbackCounter(); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Int64("rollback_counter", s.rollbackCounter).Msg("SQLite storage opened")
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
	-- One encrypted wallet secret per wallet. record is the CBOR form.
	CREATE TABLE IF NOT EXISTS encrypted_secrets (
		wallet_id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		record BLOB NOT NULL,
		format_version INTEGER NOT NULL,
		derivation TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Passkey bookkeeping. Rows are revoked, never deleted.
	CREATE TABLE IF NOT EXISTS credentials (
		credential_id BLOB PRIMARY KEY,
		user_id TEXT NOT NULL,
		public_key BLOB NOT NULL,
		public_key_spki BLOB,
		counter INTEGER NOT NULL DEFAULT 0,
		prf_enabled INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		revoked_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials(user_id);

	-- Consumed intent nonces per signer.
	CREATE TABLE IF NOT EXISTS used_nonces (
		signer TEXT NOT NULL,
		nonce BLOB NOT NULL,
		used_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (signer, nonce)
	);
	CREATE INDEX IF NOT EXISTS idx_used_nonces_cleanup ON used_nonces(expires_at);

	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO _metadata (key, value, updated_at)
	VALUES ('rollback_counter', '0', strftime('%s', 'now'));
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStorage) loadRollbackCounter() error {
	var v string
	if err := s.db.QueryRow(`SELECT value FROM _metadata WHERE key = 'rollback_counter'`).Scan(&v); err != nil {
		return fmt.Errorf("failed to read rollback counter: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt rollback counter %q: %w", v, err)
	}
	s.rollbackCounter = n
	return nil
}

// bumpRollbackCounter must run inside the write transaction.
func (s *SQLiteStorage) bumpRollbackCounter(ctx context.Context, tx *sql.Tx) error {
	next := s.rollbackCounter + 1
	_, err := tx.ExecContext(ctx, `
		UPDATE _metadata SET value = ?, updated_at = ? WHERE key = 'rollback_counter'
	`, strconv.FormatInt(next, 10), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update rollback counter: %w", err)
	}
	return nil
}

// GetRollbackCounter returns the current rollback counter
func (s *SQLiteStorage) GetRollbackCounter() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollbackCounter
}

// write runs fn in a transaction and bumps the rollback counter with it.
func (s *SQLiteStorage) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := s.bumpRollbackCounter(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	s.rollbackCounter++
	return nil
}

// ===============================
// Encrypted secrets (vault.Store)
// ===============================

func (s *SQLiteStorage) GetSecret(ctx context.Context, walletID string) (*vault.EncryptedSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM encrypted_secrets WHERE wallet_id = ?`, walletID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: wallet %s", vault.ErrRecordNotFound, walletID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	return vault.UnmarshalRecord(data)
}

// PutSecret inserts or replaces the wallet's record in a single statement,
// so readers never observe a partially written record.
func (s *SQLiteStorage) PutSecret(ctx context.Context, rec *vault.EncryptedSecret) error {
	data, err := vault.MarshalRecord(rec)
	if err != nil {
		return err
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO encrypted_secrets
				(wallet_id, record_id, record, format_version, derivation, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(wallet_id) DO UPDATE SET
				record_id = excluded.record_id,
				record = excluded.record,
				format_version = excluded.format_version,
				derivation = excluded.derivation,
				updated_at = excluded.updated_at
		`, rec.WalletID, rec.ID, data, rec.Metadata.Version, string(rec.Metadata.Derivation.Method),
			rec.Metadata.CreatedAt, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to store secret: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStorage) DeleteSecret(ctx context.Context, walletID string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM encrypted_secrets WHERE wallet_id = ?`, walletID)
		if err != nil {
			return fmt.Errorf("failed to delete secret: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: wallet %s", vault.ErrRecordNotFound, walletID)
		}
		return nil
	})
}

// ListWallets returns the wallet IDs with a stored secret.
func (s *SQLiteStorage) ListWallets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT wallet_id FROM encrypted_secrets ORDER BY wallet_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ===============================
// Credentials (passkey.CredentialStore)
// ===============================

func (s *SQLiteStorage) SaveCredential(ctx context.Context, cred *passkey.Credential) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO credentials
				(credential_id, user_id, public_key, public_key_spki, counter, prf_enabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, cred.ID, cred.UserID, cred.PublicKey65[:], cred.PublicKeySPKI, int64(cred.Counter),
			boolToInt(cred.PRFEnabled), cred.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to store credential: %w", err)
		}
		return nil
	})
}

const credentialColumns = `credential_id, user_id, public_key, public_key_spki, counter, prf_enabled, created_at, revoked_at`

func (s *SQLiteStorage) GetCredential(ctx context.Context, id []byte) (*passkey.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE credential_id = ?`, id)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, passkey.ErrCredentialNotFound
	}
	return cred, err
}

func (s *SQLiteStorage) ListCredentials(ctx context.Context, userID string) ([]*passkey.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []*passkey.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) UpdateCounter(ctx context.Context, id []byte, counter uint32) error {
	return s.updateCredential(ctx, id, `UPDATE credentials SET counter = ? WHERE credential_id = ?`, int64(counter), id)
}

func (s *SQLiteStorage) RevokeCredential(ctx context.Context, id []byte, at time.Time) error {
	return s.updateCredential(ctx, id,
		`UPDATE credentials SET revoked_at = COALESCE(revoked_at, ?) WHERE credential_id = ?`, at.Unix(), id)
}

func (s *SQLiteStorage) updateCredential(ctx context.Context, id []byte, query string, args ...any) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update credential: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return passkey.ErrCredentialNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*passkey.Credential, error) {
	var (
		cred      passkey.Credential
		pub       []byte
		counter   int64
		prf       int
		createdAt int64
		revokedAt sql.NullInt64
	)
	if err := row.Scan(&cred.ID, &cred.UserID, &pub, &cred.PublicKeySPKI, &counter, &prf, &createdAt, &revokedAt); err != nil {
		return nil, err
	}
	if len(pub) != len(cred.PublicKey65) {
		return nil, fmt.Errorf("stored public key has %d bytes", len(pub))
	}
	copy(cred.PublicKey65[:], pub)
	cred.Counter = uint32(counter)
	cred.PRFEnabled = prf != 0
	cred.CreatedAt = time.Unix(createdAt, 0).UTC()
	if revokedAt.Valid {
		t := time.Unix(revokedAt.Int64, 0).UTC()
		cred.RevokedAt = &t
	}
	return &cred, nil
}

// ===============================
// Used nonces (dispatcher.NonceRegistry)
// ===============================

func (s *SQLiteStorage) IsNonceUsed(ctx context.Context, signer string, nonce [32]byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM used_nonces WHERE signer = ? AND nonce = ?`, signer, nonce[:]).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return count > 0, nil
}

// ConsumeNonce relies on the primary key for atomic check-and-insert.
func (s *SQLiteStorage) ConsumeNonce(ctx context.Context, signer string, nonce [32]byte, expiresAt int64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO used_nonces (signer, nonce, used_at, expires_at)
			VALUES (?, ?, ?, ?)
		`, signer, nonce[:], time.Now().Unix(), expiresAt)
		if err != nil {
			return fmt.Errorf("failed to record nonce: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return dispatcher.ErrNonceUsed
		}
		return nil
	})
}

// CleanupExpiredNonces removes nonces whose intents can no longer validate.
func (s *SQLiteStorage) CleanupExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM used_nonces WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup nonces: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
