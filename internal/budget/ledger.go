// Package budget enforces the monthly generation spend ceiling.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/store"
)

// ErrBudgetExceeded is returned when an estimate does not fit the remaining
// monthly budget.
var ErrBudgetExceeded = eris.New("budget: exceeded")

// Ledger is the process-wide view of the persisted monthly spend row.
// Check-then-act sequences (reserve, commit) are serialized by a mutex so
// concurrent workers cannot overspend between the check and the debit.
type Ledger struct {
	mu       sync.Mutex
	store    store.BudgetStore
	ceiling  float64
	reserved map[string]float64
	now      func() time.Time
}

// NewLedger creates a ledger over st with the given monthly ceiling in USD.
func NewLedger(st store.BudgetStore, monthlyCeiling float64) (*Ledger, error) {
	if monthlyCeiling <= 0 {
		return nil, eris.Errorf("budget: monthly ceiling must be positive, got %f", monthlyCeiling)
	}
	return &Ledger{
		store:    st,
		ceiling:  monthlyCeiling,
		reserved: make(map[string]float64),
		now:      time.Now,
	}, nil
}

// Ceiling returns the configured monthly ceiling.
func (l *Ledger) Ceiling() float64 { return l.ceiling }

func (l *Ledger) period() string { return model.BudgetPeriod(l.now()) }

// State returns the persisted row for the current month.
func (l *Ledger) State(ctx context.Context) (*model.BudgetState, error) {
	st, err := l.store.GetBudget(ctx, l.period(), l.ceiling)
	if err != nil {
		return nil, eris.Wrap(err, "budget: load state")
	}
	return st, nil
}

// Remaining returns what is left this month after recorded spend and
// outstanding reservations.
func (l *Ledger) Remaining(ctx context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked(ctx)
}

func (l *Ledger) remainingLocked(ctx context.Context) (float64, error) {
	st, err := l.State(ctx)
	if err != nil {
		return 0, err
	}
	r := st.Remaining() - l.reserved[st.Period]
	if r < 0 {
		r = 0
	}
	return r, nil
}

// Spent returns recorded spend for the current month.
func (l *Ledger) Spent(ctx context.Context) (float64, error) {
	st, err := l.State(ctx)
	if err != nil {
		return 0, err
	}
	return st.SpentUSD, nil
}

// Reserve holds estimate against the remaining budget. Nothing is recorded
// until Commit; a reservation that is released debits nothing.
func (l *Ledger) Reserve(ctx context.Context, estimate float64) (*Reservation, error) {
	if estimate < 0 {
		return nil, eris.Errorf("budget: negative estimate %f", estimate)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining, err := l.remainingLocked(ctx)
	if err != nil {
		return nil, err
	}
	if estimate > remaining {
		return nil, eris.Wrapf(ErrBudgetExceeded, "budget: estimate $%.4f exceeds remaining $%.4f", estimate, remaining)
	}
	period := l.period()
	l.reserved[period] += estimate
	return &Reservation{ledger: l, period: period, amount: estimate}, nil
}

// Debit records spend directly, clamped to the ceiling. Returns the amount
// actually recorded.
func (l *Ledger) Debit(ctx context.Context, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debitLocked(ctx, l.period(), amount)
}

func (l *Ledger) debitLocked(ctx context.Context, period string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, nil
	}
	before, err := l.store.GetBudget(ctx, period, l.ceiling)
	if err != nil {
		return 0, eris.Wrap(err, "budget: load state")
	}
	after, err := l.store.AddSpend(ctx, period, amount, l.ceiling)
	if err != nil {
		return 0, eris.Wrap(err, "budget: record spend")
	}
	debited := after.SpentUSD - before.SpentUSD
	if debited < amount {
		zap.L().Warn("budget: debit clamped at monthly ceiling",
			zap.String("period", period),
			zap.Float64("requested_usd", amount),
			zap.Float64("debited_usd", debited),
			zap.Float64("ceiling_usd", l.ceiling),
		)
	}
	return debited, nil
}

// Reservation is a pending hold on the budget.
type Reservation struct {
	ledger *Ledger
	period string
	amount float64
	done   bool
}

// Amount returns the reserved estimate.
func (r *Reservation) Amount() float64 { return r.amount }

// Commit releases the hold and records actual spend. Safe to call once;
// later calls are no-ops.
func (r *Reservation) Commit(ctx context.Context, actual float64) (float64, error) {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.done {
		return 0, nil
	}
	r.releaseLocked()
	return l.debitLocked(ctx, r.period, actual)
}

// Release drops the hold without recording spend.
func (r *Reservation) Release() {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	r.releaseLocked()
}

func (r *Reservation) releaseLocked() {
	if r.done {
		return
	}
	r.done = true
	l := r.ledger
	l.reserved[r.period] -= r.amount
	if l.reserved[r.period] <= 1e-12 {
		delete(l.reserved, r.period)
	}
}
