package simulation

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"trading-router/pkg/exchanges/common"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestApplyBuyThenSellBooksRealizedPnL(t *testing.T) {
	a := NewAccount("u1", dec("100000"), t0)

	_, err := a.apply(Fill{Symbol: "AAPL", Side: common.SideBuy, Qty: dec("100"), Price: dec("52.052"), Fee: decimal.Zero, At: t0}, 10)
	require.NoError(t, err)
	assert.True(t, a.Cash.Equal(dec("94794.8")), a.Cash.String())
	assert.True(t, a.Positions["AAPL"].AvgPrice().Equal(dec("52.052")))

	f, err := a.apply(Fill{Symbol: "AAPL", Side: common.SideSell, Qty: dec("40"), Price: dec("59.94"), Fee: dec("1"), At: t0}, 10)
	require.NoError(t, err)
	assert.True(t, f.RealizedPnL.Equal(dec("315.52")), f.RealizedPnL.String())
	assert.True(t, a.Positions["AAPL"].Qty.Equal(dec("60")))
	assert.NoError(t, a.Reconcile(t0))

	_, err = a.apply(Fill{Symbol: "AAPL", Side: common.SideSell, Qty: dec("60"), Price: dec("50"), Fee: decimal.Zero, At: t0}, 10)
	require.NoError(t, err)
	assert.NotContains(t, a.Positions, "AAPL")
	assert.NoError(t, a.Reconcile(t0))
}

func TestApplyRefusesShortsAndOverdraft(t *testing.T) {
	a := NewAccount("u1", dec("1000"), t0)

	_, err := a.apply(Fill{Symbol: "AAPL", Side: common.SideSell, Qty: dec("1"), Price: dec("10"), Fee: decimal.Zero}, 10)
	assert.ErrorIs(t, err, ErrInsufficientPosition)

	_, err = a.apply(Fill{Symbol: "AAPL", Side: common.SideBuy, Qty: dec("100"), Price: dec("10"), Fee: dec("0.01")}, 10)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, a.Cash.Equal(dec("1000")))
	assert.Empty(t, a.History)
}

func TestReconcileDetectsCorruption(t *testing.T) {
	a := NewAccount("u1", dec("1000"), t0)
	_, err := a.apply(Fill{Symbol: "X", Side: common.SideBuy, Qty: dec("2"), Price: dec("100"), Fee: decimal.Zero}, 10)
	require.NoError(t, err)

	a.Cash = a.Cash.Add(dec("0.01"))
	err = a.Reconcile(t0)
	var fault *LedgerReconciliationFault
	require.True(t, errors.As(err, &fault))
	assert.ErrorIs(t, err, ErrLedgerFault)
	assert.True(t, fault.Expected.Equal(dec("1000")))
	assert.True(t, fault.Actual.Equal(dec("1000.01")))
}

func TestHistoryIsCapped(t *testing.T) {
	a := NewAccount("u1", dec("1000"), t0)
	for i := 0; i < 5; i++ {
		_, err := a.apply(Fill{Symbol: "X", Side: common.SideBuy, Qty: dec("1"), Price: dec("1"), Fee: decimal.Zero}, 3)
		require.NoError(t, err)
	}
	assert.Len(t, a.History, 3)
}

// Any sequence of accepted and refused fills leaves the books balanced.
func TestLedgerAlwaysReconciles(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := NewAccount("p", decimal.NewFromInt(int64(rapid.IntRange(100, 1_000_000).Draw(t, "funding"))), t0)
		symbols := []string{"AAA", "BBB", "CCC"}
		steps := rapid.IntRange(1, 60).Draw(t, "steps")

		for i := 0; i < steps; i++ {
			side := common.SideBuy
			if rapid.Bool().Draw(t, "sell") {
				side = common.SideSell
			}
			f := Fill{
				Symbol: rapid.SampledFrom(symbols).Draw(t, "symbol"),
				Side:   side,
				Qty:    decimal.New(int64(rapid.IntRange(1, 50_000).Draw(t, "qty")), -4),
				Price:  decimal.New(int64(rapid.IntRange(1, 500_000).Draw(t, "price")), -3),
				Fee:    decimal.New(int64(rapid.IntRange(0, 500).Draw(t, "fee")), -2),
				At:     t0,
			}
			before := a.clone()
			if _, err := a.apply(f, 100); err != nil {
				if !a.Cash.Equal(before.Cash) || len(a.Positions) != len(before.Positions) {
					t.Fatalf("refused fill mutated the account: %v", err)
				}
			}
			if err := a.Reconcile(t0); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}
	})
}
