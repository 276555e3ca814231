// Package redis implements the credit ledger on Redis. Balances are integer
// cents under one key per account, mutated by Lua scripts so concurrent
// settlements from parallel sessions never double-spend. Every charge and
// refund is journaled to a per-account Redis stream for reconciliation.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/appforge-ai/appforge/runtime/ledger"
)

const ledgerClientName = "ledger-redis"

// chargeScript debits the account only when the full amount is covered.
// Returns the new balance, or -1 when funds are insufficient.
var chargeScript = redis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local amt = tonumber(ARGV[1])
if amt > bal then
  return -1
end
return redis.call('DECRBY', KEYS[1], amt)
`)

// chargePartialScript debits up to the requested amount, clamping at the
// current balance. Returns the cents actually charged.
var chargePartialScript = redis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local amt = tonumber(ARGV[1])
if amt > bal then
  amt = bal
end
if amt > 0 then
  redis.call('DECRBY', KEYS[1], amt)
end
return amt
`)

type (
	// Options configures the Redis ledger.
	Options struct {
		// Redis is the connection. Required.
		Redis *redis.Client
		// KeyPrefix namespaces ledger keys. Defaults to "credit".
		KeyPrefix string
		// JournalMaxLen bounds retained journal entries per account. Zero
		// keeps everything.
		JournalMaxLen int64
	}

	// Ledger implements ledger.Ledger on Redis.
	Ledger struct {
		redis      *redis.Client
		prefix     string
		journalMax int64
	}
)

// New validates options and constructs a Ledger.
func New(opts Options) (*Ledger, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "credit"
	}
	return &Ledger{redis: opts.Redis, prefix: opts.KeyPrefix, journalMax: opts.JournalMaxLen}, nil
}

// Name implements clue health.Pinger naming.
func (l *Ledger) Name() string { return ledgerClientName }

// Ping implements clue health.Pinger.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.redis.Ping(ctx).Err()
}

// Balance returns the account's balance in USD. A missing account reads as
// zero.
func (l *Ledger) Balance(ctx context.Context, accountID string) (float64, error) {
	if accountID == "" {
		return 0, errors.New("account id is required")
	}
	cents, err := l.redis.Get(ctx, l.balanceKey(accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis ledger: balance: %w", err)
	}
	return fromCents(cents), nil
}

// Credit adds funds to the account.
func (l *Ledger) Credit(ctx context.Context, accountID string, amountUSD float64) error {
	if accountID == "" {
		return errors.New("account id is required")
	}
	cents := toCents(amountUSD)
	if cents <= 0 {
		return errors.New("credit amount must be positive")
	}
	if err := l.redis.IncrBy(ctx, l.balanceKey(accountID), cents).Err(); err != nil {
		return fmt.Errorf("redis ledger: credit: %w", err)
	}
	l.journal(ctx, accountID, "credit", cents, "", nil)
	return nil
}

// Charge debits the full amount atomically or returns ErrInsufficientFunds
// without changing the balance.
func (l *Ledger) Charge(ctx context.Context, accountID string, amountUSD float64, reason string, meta map[string]string) error {
	if accountID == "" {
		return errors.New("account id is required")
	}
	cents := toCents(amountUSD)
	if cents <= 0 {
		return nil
	}
	res, err := chargeScript.Run(ctx, l.redis, []string{l.balanceKey(accountID)}, cents).Int64()
	if err != nil {
		return fmt.Errorf("redis ledger: charge: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("redis ledger: account %s: %w", accountID, ledger.ErrInsufficientFunds)
	}
	l.journal(ctx, accountID, "charge", cents, reason, meta)
	return nil
}

// ChargePartial debits up to the amount, clamping at the balance, and returns
// the USD actually charged. Never reports insufficient funds.
func (l *Ledger) ChargePartial(ctx context.Context, accountID string, amountUSD float64, reason string, meta map[string]string) (float64, error) {
	if accountID == "" {
		return 0, errors.New("account id is required")
	}
	cents := toCents(amountUSD)
	if cents <= 0 {
		return 0, nil
	}
	charged, err := chargePartialScript.Run(ctx, l.redis, []string{l.balanceKey(accountID)}, cents).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis ledger: partial charge: %w", err)
	}
	if charged > 0 {
		l.journal(ctx, accountID, "charge_partial", charged, reason, meta)
	}
	return fromCents(charged), nil
}

// Refund returns funds to the account.
func (l *Ledger) Refund(ctx context.Context, accountID string, amountUSD float64, reason string) error {
	if accountID == "" {
		return errors.New("account id is required")
	}
	cents := toCents(amountUSD)
	if cents <= 0 {
		return nil
	}
	if err := l.redis.IncrBy(ctx, l.balanceKey(accountID), cents).Err(); err != nil {
		return fmt.Errorf("redis ledger: refund: %w", err)
	}
	l.journal(ctx, accountID, "refund", cents, reason, nil)
	return nil
}

// journal records the entry best-effort. The balance mutation has already
// committed; a journal miss is an observability gap, not a billing error.
func (l *Ledger) journal(ctx context.Context, accountID, kind string, cents int64, reason string, meta map[string]string) {
	values := map[string]any{
		"kind":  kind,
		"cents": cents,
		"at":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if reason != "" {
		values["reason"] = reason
	}
	for k, v := range meta {
		values["meta_"+k] = v
	}
	args := &redis.XAddArgs{Stream: l.journalKey(accountID), Values: values}
	if l.journalMax > 0 {
		args.MaxLen = l.journalMax
		args.Approx = true
	}
	_ = l.redis.XAdd(ctx, args).Err()
}

func (l *Ledger) balanceKey(accountID string) string {
	return l.prefix + ":balance:" + accountID
}

func (l *Ledger) journalKey(accountID string) string {
	return l.prefix + ":journal:" + accountID
}

func toCents(usd float64) int64 {
	return int64(math.Round(usd * 100))
}

func fromCents(cents int64) float64 {
	return float64(cents) / 100
}
