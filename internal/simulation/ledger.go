package simulation

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"trading-router/pkg/exchanges/common"
)

// Position is a long holding. Cost is the total cost basis; the average
// price is derived from it so the books stay exact.
type Position struct {
	Symbol string
	Qty    decimal.Decimal
	Cost   decimal.Decimal
}

// AvgPrice is the weighted average entry price.
func (p Position) AvgPrice() decimal.Decimal {
	if p.Qty.IsZero() {
		return decimal.Zero
	}
	return p.Cost.Div(p.Qty)
}

// Account is one virtual ledger.
type Account struct {
	ID             string
	InitialFunding decimal.Decimal
	Cash           decimal.Decimal
	RealizedPnL    decimal.Decimal
	Fees           decimal.Decimal
	Positions      map[string]*Position
	History        []Fill
	Faulted        bool
	FaultReason    string
	UpdatedAt      time.Time
}

// NewAccount opens an account holding only cash.
func NewAccount(id string, funding decimal.Decimal, now time.Time) *Account {
	return &Account{
		ID:             id,
		InitialFunding: funding,
		Cash:           funding,
		RealizedPnL:    decimal.Zero,
		Fees:           decimal.Zero,
		Positions:      make(map[string]*Position),
		UpdatedAt:      now,
	}
}

func (a *Account) clone() *Account {
	c := *a
	c.Positions = make(map[string]*Position, len(a.Positions))
	for sym, p := range a.Positions {
		cp := *p
		c.Positions[sym] = &cp
	}
	c.History = append([]Fill(nil), a.History...)
	return &c
}

// apply books a fill. Buys must be covered by cash and sells by the held
// quantity; short positions do not exist.
func (a *Account) apply(f Fill, historyLimit int) (Fill, error) {
	notional := f.Qty.Mul(f.Price)
	pos := a.Positions[f.Symbol]

	switch f.Side {
	case common.SideBuy:
		total := notional.Add(f.Fee)
		if total.GreaterThan(a.Cash) {
			return f, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, total.StringFixed(2), a.Cash.StringFixed(2))
		}
		if pos == nil {
			pos = &Position{Symbol: f.Symbol, Qty: decimal.Zero, Cost: decimal.Zero}
			a.Positions[f.Symbol] = pos
		}
		pos.Qty = pos.Qty.Add(f.Qty)
		pos.Cost = pos.Cost.Add(notional)
		a.Cash = a.Cash.Sub(total)
		f.RealizedPnL = decimal.Zero

	case common.SideSell:
		if pos == nil || f.Qty.GreaterThan(pos.Qty) {
			held := decimal.Zero
			if pos != nil {
				held = pos.Qty
			}
			return f, fmt.Errorf("%w: sell %s, hold %s", ErrInsufficientPosition, f.Qty.String(), held.String())
		}
		costOut := pos.Cost
		if !f.Qty.Equal(pos.Qty) {
			costOut = pos.Cost.Mul(f.Qty).Div(pos.Qty).Round(8)
		}
		f.RealizedPnL = notional.Sub(costOut)
		pos.Qty = pos.Qty.Sub(f.Qty)
		pos.Cost = pos.Cost.Sub(costOut)
		if pos.Qty.IsZero() {
			delete(a.Positions, f.Symbol)
		}
		a.Cash = a.Cash.Add(notional).Sub(f.Fee)
		a.RealizedPnL = a.RealizedPnL.Add(f.RealizedPnL)

	default:
		return f, fmt.Errorf("%w: side %q", ErrInvalidOrder, f.Side)
	}

	a.Fees = a.Fees.Add(f.Fee)
	a.UpdatedAt = f.At
	a.History = append(a.History, f)
	if historyLimit > 0 && len(a.History) > historyLimit {
		a.History = a.History[len(a.History)-historyLimit:]
	}
	return f, nil
}

// Reconcile checks cash + Σ cost basis == initial + realized - fees.
func (a *Account) Reconcile(now time.Time) error {
	actual := a.Cash
	for _, p := range a.Positions {
		actual = actual.Add(p.Cost)
	}
	expected := a.InitialFunding.Add(a.RealizedPnL).Sub(a.Fees)
	if !actual.Equal(expected) {
		return &LedgerReconciliationFault{AccountID: a.ID, Expected: expected, Actual: actual, At: now}
	}
	for _, p := range a.Positions {
		if !p.Qty.IsPositive() || p.Cost.IsNegative() {
			return &LedgerReconciliationFault{AccountID: a.ID, Expected: expected, Actual: actual, At: now}
		}
	}
	return nil
}

// AccountSnapshot is a read-only copy for display.
type AccountSnapshot struct {
	ID             string             `json:"id"`
	Currency       string             `json:"currency"`
	InitialFunding string             `json:"initial_funding"`
	Cash           string             `json:"cash"`
	RealizedPnL    string             `json:"realized_pnl"`
	Fees           string             `json:"fees"`
	Positions      []PositionSnapshot `json:"positions"`
	Fills          int                `json:"fills"`
	Faulted        bool               `json:"faulted"`
	FaultReason    string             `json:"fault_reason,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// PositionSnapshot is one holding in an AccountSnapshot.
type PositionSnapshot struct {
	Symbol   string `json:"symbol"`
	Qty      string `json:"qty"`
	AvgPrice string `json:"avg_price"`
	Cost     string `json:"cost_basis"`
}

func (a *Account) snapshot(currency string) AccountSnapshot {
	snap := AccountSnapshot{
		ID:             a.ID,
		Currency:       currency,
		InitialFunding: a.InitialFunding.String(),
		Cash:           a.Cash.String(),
		RealizedPnL:    a.RealizedPnL.String(),
		Fees:           a.Fees.String(),
		Fills:          len(a.History),
		Faulted:        a.Faulted,
		FaultReason:    a.FaultReason,
		UpdatedAt:      a.UpdatedAt,
	}
	for _, sym := range a.symbols() {
		p := a.Positions[sym]
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Symbol:   sym,
			Qty:      p.Qty.String(),
			AvgPrice: p.AvgPrice().StringFixed(8),
			Cost:     p.Cost.String(),
		})
	}
	return snap
}

func (a *Account) symbols() []string {
	out := make([]string, 0, len(a.Positions))
	for sym := range a.Positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
