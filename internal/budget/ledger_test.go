package budget

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-curator/internal/store"
)

func newTestLedger(t *testing.T, ceiling float64) (*Ledger, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "budget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	l, err := NewLedger(st, ceiling)
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }
	return l, st
}

func TestNewLedger_RequiresPositiveCeiling(t *testing.T) {
	_, err := NewLedger(nil, 0)
	require.Error(t, err)
}

func TestLedger_SkipWhenEstimateExceedsRemaining(t *testing.T) {
	l, _ := newTestLedger(t, 1.0)
	ctx := context.Background()

	_, err := l.Debit(ctx, 0.60)
	require.NoError(t, err)

	remaining, err := l.Remaining(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.40, remaining, 1e-9)

	_, err = l.Reserve(ctx, 0.60)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	spent, err := l.Spent(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.60, spent, 1e-9, "ledger unchanged by a skipped item")
}

func TestLedger_ReservationHoldsBudget(t *testing.T) {
	l, _ := newTestLedger(t, 1.0)
	ctx := context.Background()

	r1, err := l.Reserve(ctx, 0.7)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, 0.4)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	r1.Release()
	r2, err := l.Reserve(ctx, 0.4)
	require.NoError(t, err)
	assert.Equal(t, 0.4, r2.Amount())

	spent, err := l.Spent(ctx)
	require.NoError(t, err)
	assert.Zero(t, spent, "reservations never debit")
}

func TestLedger_CommitRecordsActualAndIsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t, 1.0)
	ctx := context.Background()

	r, err := l.Reserve(ctx, 0.5)
	require.NoError(t, err)

	debited, err := r.Commit(ctx, 0.2)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, debited, 1e-9)

	again, err := r.Commit(ctx, 0.2)
	require.NoError(t, err)
	assert.Zero(t, again)

	remaining, err := l.Remaining(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, remaining, 1e-9)
}

func TestLedger_CommitClampsAtCeiling(t *testing.T) {
	l, _ := newTestLedger(t, 1.0)
	ctx := context.Background()

	r, err := l.Reserve(ctx, 0.9)
	require.NoError(t, err)
	debited, err := r.Commit(ctx, 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, debited, 1e-9)

	spent, err := l.Spent(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, spent, 1e-9)
}

func TestLedger_MonthlyReset(t *testing.T) {
	l, _ := newTestLedger(t, 1.0)
	ctx := context.Background()

	_, err := l.Debit(ctx, 1.0)
	require.NoError(t, err)

	l.now = func() time.Time { return time.Date(2026, 11, 1, 0, 0, 1, 0, time.UTC) }
	remaining, err := l.Remaining(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, remaining, 1e-9)
}

func TestLedger_ConcurrentReservationsNeverOverspend(t *testing.T) {
	l, _ := newTestLedger(t, 1.0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var total float64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Reserve(ctx, 0.15)
			if err != nil {
				return
			}
			d, err := r.Commit(ctx, 0.15)
			if err == nil {
				mu.Lock()
				total += d
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	spent, err := l.Spent(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, spent, 1.0+1e-9)
	assert.InDelta(t, spent, total, 1e-9)
	assert.InDelta(t, 0.90, spent, 1e-9, "six reservations of 0.15 fit under 1.0")
}
