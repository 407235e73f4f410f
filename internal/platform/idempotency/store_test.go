package idempotency

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeExec struct {
	keys map[string]time.Time
	sql  []string
	err  error
}

func (f *fakeExec) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	if f.keys == nil {
		f.keys = make(map[string]time.Time)
	}
	switch {
	case len(args) == 3:
		key := args[0].(string) + "/" + args[1].(string)
		if _, ok := f.keys[key]; ok {
			return pgconn.CommandTag{}, fmt.Errorf("exec: %w", &pgconn.PgError{Code: uniqueViolation})
		}
		f.keys[key] = args[2].(time.Time)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case len(args) == 2:
		delete(f.keys, args[0].(string)+"/"+args[1].(string))
		return pgconn.NewCommandTag("DELETE 1"), nil
	case len(args) == 1:
		cutoff := args[0].(time.Time)
		removed := 0
		for key, created := range f.keys {
			if created.Before(cutoff) {
				delete(f.keys, key)
				removed++
			}
		}
		return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", removed)), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected statement")
}

func TestCheckAndInsertDetectsReplay(t *testing.T) {
	exec := &fakeExec{}
	store := newStore(exec)
	ctx := context.Background()

	require.NoError(t, store.CheckAndInsert(ctx, "key-1", "fees.payment"))
	require.ErrorIs(t, store.CheckAndInsert(ctx, "key-1", "fees.payment"), ErrConflict)

	require.NoError(t, store.Delete(ctx, "key-1", "fees.payment"))
	require.NoError(t, store.CheckAndInsert(ctx, "key-1", "fees.payment"))
}

func TestCheckAndInsertScopesKeysByModule(t *testing.T) {
	exec := &fakeExec{}
	store := newStore(exec)
	ctx := context.Background()

	require.NoError(t, store.CheckAndInsert(ctx, "key-1", "fees.payment"))
	require.NoError(t, store.CheckAndInsert(ctx, "key-1", "fees.refund"))
	require.ErrorIs(t, store.CheckAndInsert(ctx, "key-1", "fees.refund"), ErrConflict)

	require.NoError(t, store.Delete(ctx, "key-1", "fees.refund"))
	require.Contains(t, exec.keys, "fees.payment/key-1")
	require.NotContains(t, exec.keys, "fees.refund/key-1")
}

func TestCheckAndInsertValidatesArguments(t *testing.T) {
	store := newStore(&fakeExec{})
	require.Error(t, store.CheckAndInsert(context.Background(), "", "fees.payment"))
	require.Error(t, store.CheckAndInsert(context.Background(), "key", ""))

	var nilStore *Store
	require.Error(t, nilStore.CheckAndInsert(context.Background(), "key", "fees.payment"))
	require.NoError(t, nilStore.Delete(context.Background(), "key", "fees.payment"))
}

func TestCheckAndInsertPassesThroughOtherErrors(t *testing.T) {
	boom := errors.New("connection reset")
	store := newStore(&fakeExec{err: boom})
	err := store.CheckAndInsert(context.Background(), "key", "fees.payment")
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrConflict)
}

func TestCleanupRemovesExpiredKeys(t *testing.T) {
	exec := &fakeExec{}
	store := newStore(exec)
	now := time.Date(2024, time.July, 15, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	store.now = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, store.CheckAndInsert(ctx, "old", "fees.payment"))
	store.now = func() time.Time { return now }
	require.NoError(t, store.CheckAndInsert(ctx, "fresh", "fees.payment"))

	removed, err := store.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
	require.Contains(t, exec.keys, "fees.payment/fresh")
	require.NotContains(t, exec.keys, "fees.payment/old")
}
