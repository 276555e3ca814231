// Package inmem provides an in-memory implementation of ledger.Ledger for
// tests and local development. Balances are held as whole cents to match the
// arithmetic of durable implementations.
package inmem

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/appforge-ai/appforge/runtime/ledger"
)

// Ledger is an in-memory credit ledger. Safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]int64
	charges  []Charge
}

// Charge records one debit for test inspection.
type Charge struct {
	AccountID string
	Cents     int64
	Reason    string
	Meta      map[string]string
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[string]int64)}
}

// Credit adds funds to an account.
func (l *Ledger) Credit(accountID string, amountUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[accountID] += toCents(amountUSD)
}

// Balance implements ledger.Ledger.
func (l *Ledger) Balance(_ context.Context, accountID string) (float64, error) {
	if accountID == "" {
		return 0, errors.New("account id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.balances[accountID]) / 100, nil
}

// Charge implements ledger.Ledger.
func (l *Ledger) Charge(_ context.Context, accountID string, amountUSD float64, reason string, meta map[string]string) error {
	if accountID == "" {
		return errors.New("account id is required")
	}
	cents := toCents(amountUSD)
	if cents < 0 {
		return errors.New("amount must not be negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[accountID] < cents {
		return ledger.ErrInsufficientFunds
	}
	l.balances[accountID] -= cents
	l.charges = append(l.charges, Charge{AccountID: accountID, Cents: cents, Reason: reason, Meta: meta})
	return nil
}

// ChargePartial implements ledger.Ledger.
func (l *Ledger) ChargePartial(_ context.Context, accountID string, amountUSD float64, reason string, meta map[string]string) (float64, error) {
	if accountID == "" {
		return 0, errors.New("account id is required")
	}
	cents := toCents(amountUSD)
	if cents < 0 {
		return 0, errors.New("amount must not be negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	take := cents
	if bal := l.balances[accountID]; bal < take {
		take = bal
	}
	if take > 0 {
		l.balances[accountID] -= take
		l.charges = append(l.charges, Charge{AccountID: accountID, Cents: take, Reason: reason, Meta: meta})
	}
	return float64(take) / 100, nil
}

// Refund implements ledger.Ledger.
func (l *Ledger) Refund(_ context.Context, accountID string, amountUSD float64, _ string) error {
	if accountID == "" {
		return errors.New("account id is required")
	}
	cents := toCents(amountUSD)
	if cents < 0 {
		return errors.New("amount must not be negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[accountID] += cents
	return nil
}

// Charges returns the recorded debits in order.
func (l *Ledger) Charges() []Charge {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Charge, len(l.charges))
	copy(out, l.charges)
	return out
}

func toCents(usd float64) int64 {
	return int64(math.Round(usd * 100))
}
