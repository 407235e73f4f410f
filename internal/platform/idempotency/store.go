// Package idempotency persists processed request keys in Postgres.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fee-engine/internal/platform/db"
)

// ErrConflict indicates the key was already claimed.
var ErrConflict = errors.New("idempotent request already processed")

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	module     TEXT NOT NULL,
	key        TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (module, key)
)`

const createdIndex = `CREATE INDEX IF NOT EXISTS idempotency_keys_created_at_idx ON idempotency_keys (created_at)`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists processed keys.
type Store struct {
	db  execer
	now func() time.Time
}

// NewStore constructs the store on top of a pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return newStore(pool)
}

func newStore(db execer) *Store {
	return &Store{db: db, now: time.Now}
}

// EnsureSchema creates the key table when it does not exist.
func EnsureSchema(ctx context.Context, pool db.TxBeginner) error {
	return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, schema); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, createdIndex)
		return err
	})
}

// CheckAndInsert claims key for module, failing with ErrConflict when it
// was claimed before.
func (s *Store) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.db == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	_, err := s.db.Exec(ctx, `INSERT INTO idempotency_keys (module, key, created_at) VALUES ($1, $2, $3)`, module, key, s.now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return err
	}
	return nil
}

// Delete removes a module's key, typically used to roll back failed
// processing.
func (s *Store) Delete(ctx context.Context, key, module string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE module=$1 AND key=$2`, module, key)
	return err
}

// Cleanup removes entries older than retention and reports how many went.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-olderThan)
	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
