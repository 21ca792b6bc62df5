package scantrans

import (
	"context"
	"time"
)

// Ledger tracks the recurring free allowance and the purchasable credit
// balance for each identity, and debits them as units complete.
type Ledger interface {
	// Remaining returns the identity's current budget state for today's
	// period without mutating it.
	Remaining(ctx context.Context, id Identity) (QuotaSnapshot, error)

	// Consume debits amount units, free allowance first, then the credit
	// wallet. It must be atomic at the storage tier: once the combined
	// budget would go negative it returns ErrQuotaExceeded and debits
	// nothing.
	Consume(ctx context.Context, id Identity, amount int64) (QuotaSnapshot, error)

	// Credit adds delta credits to an account's wallet. Repeated deliveries
	// of the same externalRef are a no-op returning the current balance.
	Credit(ctx context.Context, accountID string, delta int64, reason, externalRef string) (int64, error)

	// WalletSummary returns the account's credit balance.
	WalletSummary(ctx context.Context, accountID string) (WalletSummary, error)
}

// QuotaSnapshot is the budget state for one identity and period at rest.
// Used + Remaining == Limit always holds for the free allowance.
type QuotaSnapshot struct {
	Limit     int64
	Used      int64
	Remaining int64
	Paid      bool
}

// WalletSummary reports an account's purchased credit balance.
type WalletSummary struct {
	Balance  int64
	LoggedIn bool
}

// LedgerEntry is one append-only budget movement. Entries are never mutated;
// an account balance is the sum of its deltas.
type LedgerEntry struct {
	ID          string
	Account     string
	Delta       int64
	Reason      string
	ExternalRef string
	At          time.Time
}

// Ledger entry reasons.
const (
	ReasonUnitConsumption   = "unit_consumption"
	ReasonPackPurchase      = "pack_purchase"
	ReasonSubscriptionCycle = "subscription_cycle"
)

// PeriodKey returns the free-allowance period a given instant falls in.
// The allowance resets at midnight UTC.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
