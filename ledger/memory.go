// Package ledger provides budget ledger implementations for scantrans.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inkfold/scantrans"
)

// Memory is an in-memory Ledger with daily free-allowance reset. Consume is
// all-or-nothing under one mutex, so concurrent unit completions can never
// overspend the combined budget.
type Memory struct {
	mu         sync.Mutex
	dailyLimit int64
	now        func() time.Time
	quotas     map[string]*quotaRow
	paid       map[string]bool
	wallets    map[string]int64
	walletSeen map[string]bool
	entries    []scantrans.LedgerEntry
	seenRefs   map[string]bool // credit externalRef dedup
}

type quotaRow struct {
	period string
	used   int64
}

var _ scantrans.Ledger = (*Memory)(nil)

// Option configures a Memory ledger.
type Option func(*Memory)

// WithDailyLimit sets the free allowance per identity per day (default 10).
func WithDailyLimit(n int64) Option {
	return func(m *Memory) { m.dailyLimit = n }
}

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a new in-memory ledger.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		dailyLimit: 10,
		now:        time.Now,
		quotas:     make(map[string]*quotaRow),
		paid:       make(map[string]bool),
		wallets:    make(map[string]int64),
		walletSeen: make(map[string]bool),
		seenRefs:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPaid flags an account as having an active paid plan, which bypasses
// admission against the free allowance.
func (m *Memory) SetPaid(accountID string, paid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paid[accountID] = paid
}

// Remaining returns the identity's budget state for today's period.
func (m *Memory) Remaining(_ context.Context, id scantrans.Identity) (scantrans.QuotaSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.row(id.Key)
	return m.snapshot(row, id), nil
}

// Consume debits amount units, free allowance first, then the account's
// credit wallet. Once the combined budget cannot cover the amount it
// returns ErrQuotaExceeded and debits nothing. Only the wallet-debited
// portion is logged: free-allowance consumption never moves the wallet, so
// the account balance stays the sum of its entry deltas.
func (m *Memory) Consume(_ context.Context, id scantrans.Identity, amount int64) (scantrans.QuotaSnapshot, error) {
	if amount <= 0 {
		return scantrans.QuotaSnapshot{}, fmt.Errorf("ledger: invalid consume amount %d", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.row(id.Key)

	fromFree := m.dailyLimit - row.used
	if fromFree > amount {
		fromFree = amount
	}
	if fromFree < 0 {
		fromFree = 0
	}
	fromWallet := amount - fromFree

	if fromWallet > 0 {
		if id.Account == "" || m.wallets[id.Account] < fromWallet {
			return m.snapshot(row, id), scantrans.ErrQuotaExceeded
		}
		m.wallets[id.Account] -= fromWallet
		m.entries = append(m.entries, scantrans.LedgerEntry{
			ID:      uuid.New().String(),
			Account: id.Account,
			Delta:   -fromWallet,
			Reason:  scantrans.ReasonUnitConsumption,
			At:      m.now().UTC(),
		})
	}
	row.used += fromFree

	return m.snapshot(row, id), nil
}

// Credit adds delta credits to an account's wallet. A repeated externalRef
// is a no-op returning the current balance.
func (m *Memory) Credit(_ context.Context, accountID string, delta int64, reason, externalRef string) (int64, error) {
	if delta <= 0 {
		return 0, fmt.Errorf("ledger: invalid credit delta %d", delta)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if externalRef != "" && m.seenRefs[externalRef] {
		return m.wallets[accountID], nil
	}

	m.wallets[accountID] += delta
	m.walletSeen[accountID] = true
	m.entries = append(m.entries, scantrans.LedgerEntry{
		ID:          uuid.New().String(),
		Account:     accountID,
		Delta:       delta,
		Reason:      reason,
		ExternalRef: externalRef,
		At:          m.now().UTC(),
	})

	if externalRef != "" {
		m.seenRefs[externalRef] = true
	}
	return m.wallets[accountID], nil
}

// WalletSummary returns the account's credit balance. When no wallet row
// exists the balance is reconstructed from the ledger entries.
func (m *Memory) WalletSummary(_ context.Context, accountID string) (scantrans.WalletSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.walletSeen[accountID] {
		return scantrans.WalletSummary{Balance: m.wallets[accountID], LoggedIn: true}, nil
	}

	var total int64
	for _, e := range m.entries {
		if e.Account == accountID {
			total += e.Delta
		}
	}
	return scantrans.WalletSummary{Balance: total, LoggedIn: accountID != ""}, nil
}

// Entries returns a copy of the append-only ledger.
func (m *Memory) Entries() []scantrans.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]scantrans.LedgerEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// row returns today's quota row for a key, rolling the period over lazily.
// Must be called with m.mu held.
func (m *Memory) row(key string) *quotaRow {
	period := scantrans.PeriodKey(m.now())
	row, ok := m.quotas[key]
	if !ok {
		row = &quotaRow{period: period}
		m.quotas[key] = row
	}
	if row.period != period {
		row.period = period
		row.used = 0
	}
	return row
}

func (m *Memory) snapshot(row *quotaRow, id scantrans.Identity) scantrans.QuotaSnapshot {
	remaining := m.dailyLimit - row.used
	if remaining < 0 {
		remaining = 0
	}
	return scantrans.QuotaSnapshot{
		Limit:     m.dailyLimit,
		Used:      row.used,
		Remaining: remaining,
		Paid:      id.Account != "" && (m.paid[id.Account] || m.wallets[id.Account] > 0),
	}
}
