// Package postgres provides a PostgreSQL-backed Ledger for scantrans.
//
// Quota counters, wallets and the entry log live in PostgreSQL tables with
// transactional Consume/Credit. This makes the ledger safe for
// multi-instance deployments and durable across restarts.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkfold/scantrans"
)

// Store is a PostgreSQL-backed Ledger.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	dailyLimit  int64
	now         func() time.Time
}

var _ scantrans.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "scantrans_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithDailyLimit sets the free allowance per identity per day (default 10).
func WithDailyLimit(n int64) Option {
	return func(s *Store) { s.dailyLimit = n }
}

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed Ledger.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "scantrans_",
		dailyLimit:  10,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) quotasTable() string  { return s.tablePrefix + "quotas" }
func (s *Store) walletsTable() string { return s.tablePrefix + "wallets" }
func (s *Store) entriesTable() string { return s.tablePrefix + "entries" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			identity_key TEXT NOT NULL,
			period TEXT NOT NULL,
			used BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (identity_key, period)
		);
		CREATE TABLE IF NOT EXISTS %s (
			account_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			paid BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			delta BIGINT NOT NULL,
			reason TEXT NOT NULL,
			external_ref TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS %s_external_ref_idx
			ON %s (external_ref) WHERE external_ref <> '';
	`, s.quotasTable(), s.walletsTable(), s.entriesTable(), s.entriesTable(), s.entriesTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("scantrans/postgres: ensure schema: %w", err)
	}
	return nil
}

// Remaining returns the identity's budget state for today's period.
func (s *Store) Remaining(ctx context.Context, id scantrans.Identity) (scantrans.QuotaSnapshot, error) {
	period := scantrans.PeriodKey(s.now())

	var used int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT used FROM %s WHERE identity_key = $1 AND period = $2`, s.quotasTable()),
		id.Key, period,
	).Scan(&used)
	if err != nil && err != pgx.ErrNoRows {
		return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/postgres: remaining: %w", err)
	}

	paid := false
	if id.Account != "" {
		var balance int64
		var flagged bool
		err = s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT balance, paid FROM %s WHERE account_id = $1`, s.walletsTable()),
			id.Account,
		).Scan(&balance, &flagged)
		if err != nil && err != pgx.ErrNoRows {
			return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/postgres: remaining: %w", err)
		}
		paid = flagged || balance > 0
	}

	return s.snapshot(used, paid), nil
}

// Consume debits amount units inside one transaction, free allowance first,
// then the account's credit wallet. Returns ErrQuotaExceeded and debits
// nothing when the combined budget cannot cover the amount.
func (s *Store) Consume(ctx context.Context, id scantrans.Identity, amount int64) (scantrans.QuotaSnapshot, error) {
	if amount <= 0 {
		return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/postgres: invalid consume amount %d", amount)
	}

	period := scantrans.PeriodKey(s.now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock today's quota row, creating it on first use.
	var used int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (identity_key, period, used) VALUES ($1, $2, 0)
			ON CONFLICT (identity_key, period) DO UPDATE SET used = %s.used
			RETURNING used`, s.quotasTable(), s.quotasTable()),
		id.Key, period,
	).Scan(&used)
	if err != nil {
		return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/postgres: lock quota: %w", err)
	}

	fromFree := s.dailyLimit - used
	if fromFree < 0 {
		fromFree = 0
	}
	if fromFree > amount {
		fromFree = amount
	}
	fromWallet := amount - fromFree

	if fromWallet > 0 {
		if id.Account == "" {
			return s.snapshot(used, false), scantrans.ErrQuotaExceeded
		}
		var debited bool
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`UPDATE %s SET balance = balance - $1
				WHERE account_id = $2 AND balance >= $1
				RETURNING true`, s.walletsTable()),
			fromWallet, id.Account,
		).Scan(&debited)
		if err == pgx.ErrNoRows {
			return s.snapshot(used, false), scantrans.ErrQuotaExceeded
		}
		if err != nil {
			return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/postgres: debit wallet: %w", err)
		}

		// Only the wallet-debited portion is logged; free-allowance
		// consumption never moves the wallet, so the balance stays the
		// sum of the account's entry deltas.
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, account_id, delta, reason, external_ref, created_at)
				VALUES ($1, $2, $3, $4, '', $5)`, s.entriesTable()),
			uuid.New().String(), id.Account, -fromWallet, scantrans.ReasonUnitConsumption, s.now().UTC(),
		)
		if err != nil {
			return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/postgres: log entry: %w", err)
		}
	}

	if fromFree > 0 {
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`UPDATE %s SET used = used + $1
				WHERE identity_key = $2 AND period = $3
				RETURNING used`, s.quotasTable()),
			fromFree, id.Key, period,
		).Scan(&used)
		if err != nil {
			return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/postgres: debit quota: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/postgres: commit: %w", err)
	}

	return s.snapshot(used, fromWallet > 0), nil
}

// Credit adds delta credits to an account's wallet. A repeated externalRef
// is a no-op returning the current balance.
func (s *Store) Credit(ctx context.Context, accountID string, delta int64, reason, externalRef string) (int64, error) {
	if delta <= 0 {
		return 0, fmt.Errorf("scantrans/postgres: invalid credit delta %d", delta)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("scantrans/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted bool
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_id, delta, reason, external_ref, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (external_ref) WHERE external_ref <> '' DO NOTHING
			RETURNING true`, s.entriesTable()),
		uuid.New().String(), accountID, delta, reason, externalRef, s.now().UTC(),
	).Scan(&inserted)
	if err == pgx.ErrNoRows {
		// Duplicate externalRef. Return the current balance untouched.
		var balance int64
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT balance FROM %s WHERE account_id = $1`, s.walletsTable()),
			accountID,
		).Scan(&balance)
		if err != nil && err != pgx.ErrNoRows {
			return 0, fmt.Errorf("scantrans/postgres: read balance: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("scantrans/postgres: commit: %w", err)
		}
		return balance, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scantrans/postgres: log entry: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (account_id, balance) VALUES ($1, $2)
			ON CONFLICT (account_id) DO UPDATE SET balance = %s.balance + $2
			RETURNING balance`, s.walletsTable(), s.walletsTable()),
		accountID, delta,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("scantrans/postgres: credit wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("scantrans/postgres: commit: %w", err)
	}
	return balance, nil
}

// WalletSummary returns the account's credit balance. When no wallet row
// exists the balance is reconstructed from the entry log.
func (s *Store) WalletSummary(ctx context.Context, accountID string) (scantrans.WalletSummary, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance FROM %s WHERE account_id = $1`, s.walletsTable()),
		accountID,
	).Scan(&balance)
	if err == nil {
		return scantrans.WalletSummary{Balance: balance, LoggedIn: true}, nil
	}
	if err != pgx.ErrNoRows {
		return scantrans.WalletSummary{}, fmt.Errorf("scantrans/postgres: wallet summary: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(SUM(delta), 0) FROM %s WHERE account_id = $1`, s.entriesTable()),
		accountID,
	).Scan(&balance)
	if err != nil {
		return scantrans.WalletSummary{}, fmt.Errorf("scantrans/postgres: wallet summary: %w", err)
	}
	return scantrans.WalletSummary{Balance: balance, LoggedIn: accountID != ""}, nil
}

// SetPaid flags an account as having an active paid plan (upsert).
func (s *Store) SetPaid(ctx context.Context, accountID string, paid bool) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (account_id, balance, paid) VALUES ($1, 0, $2)
			ON CONFLICT (account_id) DO UPDATE SET paid = $2`, s.walletsTable()),
		accountID, paid,
	)
	if err != nil {
		return fmt.Errorf("scantrans/postgres: set paid: %w", err)
	}
	return nil
}

// Entries returns the logged entries for an account, newest first.
func (s *Store) Entries(ctx context.Context, accountID string) ([]scantrans.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, account_id, delta, reason, external_ref, created_at
			FROM %s WHERE account_id = $1 ORDER BY created_at DESC`, s.entriesTable()),
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("scantrans/postgres: entries: %w", err)
	}
	defer rows.Close()

	var out []scantrans.LedgerEntry
	for rows.Next() {
		var e scantrans.LedgerEntry
		if err := rows.Scan(&e.ID, &e.Account, &e.Delta, &e.Reason, &e.ExternalRef, &e.At); err != nil {
			return nil, fmt.Errorf("scantrans/postgres: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scantrans/postgres: entries: %w", err)
	}
	return out, nil
}

// PruneQuotas removes quota rows older than the given number of days.
func (s *Store) PruneQuotas(ctx context.Context, keepDays int) (int64, error) {
	cutoff := scantrans.PeriodKey(s.now().AddDate(0, 0, -keepDays))
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE period < $1`, s.quotasTable()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("scantrans/postgres: prune quotas: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) snapshot(used int64, paid bool) scantrans.QuotaSnapshot {
	remaining := s.dailyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return scantrans.QuotaSnapshot{
		Limit:     s.dailyLimit,
		Used:      used,
		Remaining: remaining,
		Paid:      paid,
	}
}
