// Package redis provides a Redis-backed Ledger for scantrans.
//
// Quota counters, wallet balances and the entry log are stored in Redis
// with atomic Lua scripts for Consume/Credit. This makes the ledger safe
// for multi-instance deployments.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/inkfold/scantrans"
)

// Store is a Redis-backed Ledger.
type Store struct {
	client     goredis.Cmdable
	keyPrefix  string
	dailyLimit int64
	now        func() time.Time
}

var _ scantrans.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "scantrans:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithDailyLimit sets the free allowance per identity per day (default 10).
func WithDailyLimit(n int64) Option {
	return func(s *Store) { s.dailyLimit = n }
}

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Redis-backed Ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  "scantrans:",
		dailyLimit: 10,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) quotaKey(key string, period string) string {
	return s.keyPrefix + "quota:" + key + ":" + period
}

func (s *Store) walletKey(accountID string) string {
	return s.keyPrefix + "wallet:" + accountID
}

func (s *Store) paidKey(accountID string) string {
	return s.keyPrefix + "paid:" + accountID
}

func (s *Store) refKey(externalRef string) string {
	return s.keyPrefix + "ref:" + externalRef
}

func (s *Store) entriesKey(accountID string) string {
	return s.keyPrefix + "entries:" + accountID
}

// consumeScript debits free allowance first, then the wallet, atomically.
// KEYS[1] = quota counter key (per identity, per period)
// KEYS[2] = wallet key
// ARGV[1] = amount
// ARGV[2] = daily_limit
// ARGV[3] = has_wallet ("1" or "0")
//
// Returns {ok, used, wallet_balance, from_wallet} where ok is 1 on success
// and 0 when the combined budget cannot cover the amount (nothing is
// debited). from_wallet is the portion debited from the wallet, which is
// the only movement that gets logged.
var consumeScript = goredis.NewScript(`
local quota_key = KEYS[1]
local wallet_key = KEYS[2]
local amount = tonumber(ARGV[1])
local daily_limit = tonumber(ARGV[2])
local has_wallet = ARGV[3]

local used = tonumber(redis.call("GET", quota_key) or "0")
local from_free = daily_limit - used
if from_free < 0 then
    from_free = 0
end
if from_free > amount then
    from_free = amount
end
local from_wallet = amount - from_free

local balance = 0
if has_wallet == "1" then
    balance = tonumber(redis.call("GET", wallet_key) or "0")
end

if from_wallet > 0 then
    if has_wallet ~= "1" or balance < from_wallet then
        return {0, used, balance, 0}
    end
    balance = redis.call("DECRBY", wallet_key, from_wallet)
end

if from_free > 0 then
    used = redis.call("INCRBY", quota_key, from_free)
    redis.call("EXPIRE", quota_key, 172800)
end

return {1, used, balance, from_wallet}
`)

// creditScript credits the wallet with externalRef dedup.
// KEYS[1] = wallet key
// KEYS[2] = external ref key
// ARGV[1] = delta
// ARGV[2] = has_ref ("1" or "0")
//
// Returns {applied, balance}.
var creditScript = goredis.NewScript(`
local wallet_key = KEYS[1]
local ref_key = KEYS[2]
local delta = tonumber(ARGV[1])
local has_ref = ARGV[2]

if has_ref == "1" then
    local set = redis.call("SET", ref_key, "1", "NX")
    if not set then
        return {0, tonumber(redis.call("GET", wallet_key) or "0")}
    end
end

return {1, redis.call("INCRBY", wallet_key, delta)}
`)

// Remaining returns the identity's budget state for today's period.
func (s *Store) Remaining(ctx context.Context, id scantrans.Identity) (scantrans.QuotaSnapshot, error) {
	period := scantrans.PeriodKey(s.now())

	used, err := s.client.Get(ctx, s.quotaKey(id.Key, period)).Int64()
	if err != nil && err != goredis.Nil {
		return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/redis: remaining: %w", err)
	}

	paid := false
	if id.Account != "" {
		flagged, err := s.client.Exists(ctx, s.paidKey(id.Account)).Result()
		if err != nil {
			return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/redis: remaining: %w", err)
		}
		balance, err := s.client.Get(ctx, s.walletKey(id.Account)).Int64()
		if err != nil && err != goredis.Nil {
			return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/redis: remaining: %w", err)
		}
		paid = flagged > 0 || balance > 0
	}

	return s.snapshot(used, paid), nil
}

// Consume debits amount units, free allowance first, then the account's
// credit wallet. Returns ErrQuotaExceeded and debits nothing when the
// combined budget cannot cover the amount.
func (s *Store) Consume(ctx context.Context, id scantrans.Identity, amount int64) (scantrans.QuotaSnapshot, error) {
	if amount <= 0 {
		return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/redis: invalid consume amount %d", amount)
	}

	period := scantrans.PeriodKey(s.now())
	hasWallet := "0"
	walletK := s.walletKey("_noop")
	if id.Account != "" {
		hasWallet = "1"
		walletK = s.walletKey(id.Account)
	}

	vals, err := consumeScript.Run(ctx, s.client,
		[]string{s.quotaKey(id.Key, period), walletK},
		amount, s.dailyLimit, hasWallet,
	).Int64Slice()
	if err != nil {
		return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/redis: consume: %w", err)
	}
	if len(vals) != 4 {
		return scantrans.QuotaSnapshot{}, fmt.Errorf("scantrans/redis: unexpected consume result: %v", vals)
	}

	ok, used, balance, fromWallet := vals[0], vals[1], vals[2], vals[3]
	snap := s.snapshot(used, balance > 0)
	if ok != 1 {
		return snap, scantrans.ErrQuotaExceeded
	}

	// Free-allowance consumption never moves the wallet; only the
	// wallet-debited portion is logged, keeping the balance equal to the
	// sum of the account's entry deltas.
	if fromWallet > 0 {
		s.appendEntry(ctx, scantrans.LedgerEntry{
			ID:      uuid.New().String(),
			Account: id.Account,
			Delta:   -fromWallet,
			Reason:  scantrans.ReasonUnitConsumption,
			At:      s.now().UTC(),
		})
	}
	return snap, nil
}

// Credit adds delta credits to an account's wallet. A repeated externalRef
// is a no-op returning the current balance.
func (s *Store) Credit(ctx context.Context, accountID string, delta int64, reason, externalRef string) (int64, error) {
	if delta <= 0 {
		return 0, fmt.Errorf("scantrans/redis: invalid credit delta %d", delta)
	}

	hasRef := "0"
	refK := s.refKey("_noop")
	if externalRef != "" {
		hasRef = "1"
		refK = s.refKey(externalRef)
	}

	vals, err := creditScript.Run(ctx, s.client,
		[]string{s.walletKey(accountID), refK},
		delta, hasRef,
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("scantrans/redis: credit: %w", err)
	}
	if len(vals) != 2 {
		return 0, fmt.Errorf("scantrans/redis: unexpected credit result: %v", vals)
	}

	applied, balance := vals[0], vals[1]
	if applied == 1 {
		s.appendEntry(ctx, scantrans.LedgerEntry{
			ID:          uuid.New().String(),
			Account:     accountID,
			Delta:       delta,
			Reason:      reason,
			ExternalRef: externalRef,
			At:          s.now().UTC(),
		})
	}
	return balance, nil
}

// WalletSummary returns the account's credit balance. When no wallet key
// exists the balance is reconstructed from the entry log.
func (s *Store) WalletSummary(ctx context.Context, accountID string) (scantrans.WalletSummary, error) {
	balance, err := s.client.Get(ctx, s.walletKey(accountID)).Int64()
	if err == nil {
		return scantrans.WalletSummary{Balance: balance, LoggedIn: true}, nil
	}
	if err != goredis.Nil {
		return scantrans.WalletSummary{}, fmt.Errorf("scantrans/redis: wallet summary: %w", err)
	}

	raw, err := s.client.LRange(ctx, s.entriesKey(accountID), 0, -1).Result()
	if err != nil {
		return scantrans.WalletSummary{}, fmt.Errorf("scantrans/redis: wallet summary: %w", err)
	}
	var total int64
	for _, item := range raw {
		var e scantrans.LedgerEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		total += e.Delta
	}
	return scantrans.WalletSummary{Balance: total, LoggedIn: accountID != ""}, nil
}

// SetPaid flags an account as having an active paid plan.
func (s *Store) SetPaid(ctx context.Context, accountID string, paid bool) error {
	var err error
	if paid {
		err = s.client.Set(ctx, s.paidKey(accountID), "1", 0).Err()
	} else {
		err = s.client.Del(ctx, s.paidKey(accountID)).Err()
	}
	if err != nil {
		return fmt.Errorf("scantrans/redis: set paid: %w", err)
	}
	return nil
}

// Entries returns the logged entries for an account, newest first.
func (s *Store) Entries(ctx context.Context, accountID string) ([]scantrans.LedgerEntry, error) {
	raw, err := s.client.LRange(ctx, s.entriesKey(accountID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scantrans/redis: entries: %w", err)
	}
	out := make([]scantrans.LedgerEntry, 0, len(raw))
	for _, item := range raw {
		var e scantrans.LedgerEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("scantrans/redis: decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) appendEntry(ctx context.Context, e scantrans.LedgerEntry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.client.LPush(ctx, s.entriesKey(e.Account), string(data))
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
