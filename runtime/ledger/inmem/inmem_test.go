package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appforge-ai/appforge/runtime/ledger"
)

func TestCreditAndBalance(t *testing.T) {
	l := New()
	ctx := context.Background()

	bal, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Zero(t, bal)

	l.Credit("acct-1", 12.34)
	bal, err = l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 12.34, bal)
}

func TestChargeStrict(t *testing.T) {
	l := New()
	ctx := context.Background()
	l.Credit("acct-1", 5)

	err := l.Charge(ctx, "acct-1", 3.25, "generation", map[string]string{"session": "s1"})
	require.NoError(t, err)

	bal, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 1.75, bal)

	err = l.Charge(ctx, "acct-1", 2, "generation", nil)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	// Failed charge must not move the balance.
	bal, err = l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 1.75, bal)

	charges := l.Charges()
	require.Len(t, charges, 1)
	require.Equal(t, "acct-1", charges[0].AccountID)
	require.Equal(t, int64(325), charges[0].Cents)
	require.Equal(t, "generation", charges[0].Reason)
}

func TestChargePartialClampsAtBalance(t *testing.T) {
	l := New()
	ctx := context.Background()
	l.Credit("acct-1", 1.50)

	charged, err := l.ChargePartial(ctx, "acct-1", 4, "settlement", nil)
	require.NoError(t, err)
	require.Equal(t, 1.50, charged)

	bal, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Zero(t, bal)

	// Nothing left to take records no charge.
	charged, err = l.ChargePartial(ctx, "acct-1", 1, "settlement", nil)
	require.NoError(t, err)
	require.Zero(t, charged)
	require.Len(t, l.Charges(), 1)
}

func TestRefund(t *testing.T) {
	l := New()
	ctx := context.Background()
	l.Credit("acct-1", 2)
	require.NoError(t, l.Charge(ctx, "acct-1", 2, "generation", nil))
	require.NoError(t, l.Refund(ctx, "acct-1", 0.75, "partial refund"))

	bal, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 0.75, bal)
}

func TestValidation(t *testing.T) {
	l := New()
	ctx := context.Background()

	_, err := l.Balance(ctx, "")
	require.Error(t, err)
	require.Error(t, l.Charge(ctx, "", 1, "r", nil))
	require.Error(t, l.Charge(ctx, "acct-1", -1, "r", nil))
	_, err = l.ChargePartial(ctx, "acct-1", -1, "r", nil)
	require.Error(t, err)
	require.Error(t, l.Refund(ctx, "acct-1", -1, "r"))
}

func TestCentsRounding(t *testing.T) {
	l := New()
	ctx := context.Background()

	// 0.1+0.2 style float noise must land on whole cents.
	l.Credit("acct-1", 0.1)
	l.Credit("acct-1", 0.2)
	bal, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 0.3, bal)
}
