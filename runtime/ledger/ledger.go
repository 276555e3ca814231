// Package ledger defines the account ledger collaborator: credit balances,
// strict charges, and the best-effort partial charge the controller uses for
// budget settlement. Implementations are external (features/ledger/redis);
// the in-memory implementation under inmem serves tests and local runs.
package ledger

import (
	"context"
	"errors"
)

// ErrInsufficientFunds reports a strict charge against a balance that cannot
// cover it. The controller treats it as a settlement decision, not a failure.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// Ledger is the credit ledger contract. Amounts are USD; implementations
// round to whole cents internally. All operations must be safe for
// concurrent use across sessions.
type Ledger interface {
	// Balance returns the account's spendable balance in USD.
	Balance(ctx context.Context, accountID string) (float64, error)

	// Charge debits exactly amountUSD or fails with ErrInsufficientFunds.
	// reason and meta are recorded for bookkeeping.
	Charge(ctx context.Context, accountID string, amountUSD float64, reason string, meta map[string]string) error

	// ChargePartial debits up to amountUSD, bounded by the available
	// balance, and returns the amount actually charged. Never returns
	// ErrInsufficientFunds; a zero charge is a valid outcome.
	ChargePartial(ctx context.Context, accountID string, amountUSD float64, reason string, meta map[string]string) (float64, error)

	// Refund credits amountUSD back to the account.
	Refund(ctx context.Context, accountID string, amountUSD float64, reason string) error
}
