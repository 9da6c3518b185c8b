package model

import "time"

// BudgetState is the persisted monthly spend row.
type BudgetState struct {
	Period     string    `json:"period"` // YYYY-MM
	SpentUSD   float64   `json:"spent_usd"`
	CeilingUSD float64   `json:"ceiling_usd"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Remaining returns the unspent portion of the ceiling, never negative.
func (b BudgetState) Remaining() float64 {
	r := b.CeilingUSD - b.SpentUSD
	if r < 0 {
		return 0
	}
	return r
}

// BudgetPeriod returns the ledger key for t.
func BudgetPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}
