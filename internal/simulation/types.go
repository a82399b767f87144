// Package simulation executes PAPER operations against a virtual ledger.
// Nothing in this package can reach a provider except through the
// MarketDataSource it is given, which only ever asks for quotes.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading-router/pkg/exchanges/common"
)

// OrderState tracks a simulated order through its lifecycle.
type OrderState string

const (
	StateSubmitted       OrderState = "SUBMITTED"
	StatePriced          OrderState = "PRICED"
	StateFilled          OrderState = "FILLED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateSettled         OrderState = "SETTLED"
	StateCancelled       OrderState = "CANCELLED"
	StateRejected        OrderState = "REJECTED"
)

// Open reports whether the order can still fill.
func (s OrderState) Open() bool { return s == StateSubmitted || s == StatePriced }

var (
	// ErrPriceUnavailable means no reference price could be obtained. The
	// order stays SUBMITTED and the caller may retry.
	ErrPriceUnavailable     = errors.New("reference price unavailable")
	ErrInsufficientFunds    = errors.New("insufficient virtual cash")
	ErrInsufficientPosition = errors.New("insufficient virtual position")
	ErrOrderNotFound        = errors.New("open order not found")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrNotSimulated         = errors.New("operation has no paper equivalent")
	ErrLedgerFault          = errors.New("ledger reconciliation fault")
)

// LedgerReconciliationFault is latched on an account whose books no longer
// balance. Writes are refused until an operator clears it.
type LedgerReconciliationFault struct {
	AccountID string
	Expected  decimal.Decimal // initial + realized - fees
	Actual    decimal.Decimal // cash + cost basis
	At        time.Time
}

func (f *LedgerReconciliationFault) Error() string {
	return fmt.Sprintf("ledger reconciliation fault on account %s: expected %s, books hold %s",
		f.AccountID, f.Expected.String(), f.Actual.String())
}

func (f *LedgerReconciliationFault) Is(target error) bool { return target == ErrLedgerFault }

// Order is a simulated order.
type Order struct {
	ID          string
	ClientID    string
	AccountID   string
	Symbol      string
	Side        common.Side
	Type        common.OrderType
	Qty         decimal.Decimal
	LimitPrice  decimal.Decimal
	RefPrice    decimal.Decimal
	ExecPrice   decimal.Decimal
	FilledQty   decimal.Decimal
	Remaining   decimal.Decimal // dropped part of a partial fill
	Fee         decimal.Decimal
	RealizedPnL decimal.Decimal
	State       OrderState
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Result converts o to the provider-neutral shape.
func (o *Order) Result() common.OrderResult {
	res := common.OrderResult{
		OrderID:   o.ID,
		ClientID:  o.ClientID,
		Symbol:    o.Symbol,
		FilledQty: o.FilledQty.InexactFloat64(),
		AvgPrice:  o.ExecPrice.InexactFloat64(),
	}
	switch {
	case o.State == StateRejected:
		res.Status = common.StatusRejected
	case o.State == StateCancelled:
		res.Status = common.StatusCanceled
	case o.State.Open():
		res.Status = common.StatusNew
		res.AvgPrice = 0
	case o.Remaining.IsPositive():
		res.Status = common.StatusPartial
	default:
		res.Status = common.StatusFilled
	}
	return res
}

// Fill is one ledger entry.
type Fill struct {
	OrderID     string
	Symbol      string
	Side        common.Side
	Qty         decimal.Decimal
	Price       decimal.Decimal
	Fee         decimal.Decimal
	RealizedPnL decimal.Decimal
	At          time.Time
}

// MarketDataSource supplies reference prices. In production it is the
// router on a read-only route.
type MarketDataSource interface {
	GetMarketData(ctx context.Context, symbols []string) ([]common.MarketData, error)
}

// Config tunes the simulation.
type Config struct {
	InitialFunding         decimal.Decimal
	Slippage               decimal.Decimal // fraction applied against the trader
	PartialFillProbability float64
	PartialFillMin         float64
	PartialFillMax         float64
	LatencyMin             time.Duration
	LatencyMax             time.Duration
	FeeRate                decimal.Decimal
	Currency               string
	// HistoryLimit caps the in-memory fill history per account.
	HistoryLimit int
	Seed         int64
}

// DefaultConfig returns the stock simulation parameters.
func DefaultConfig() Config {
	return Config{
		InitialFunding:         decimal.NewFromInt(100000),
		Slippage:               decimal.RequireFromString("0.001"),
		PartialFillProbability: 0.10,
		PartialFillMin:         0.70,
		PartialFillMax:         0.90,
		FeeRate:                decimal.Zero,
		Currency:               "USD",
		HistoryLimit:           1000,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if !c.InitialFunding.IsPositive() {
		c.InitialFunding = def.InitialFunding
	}
	if c.Slippage.IsNegative() {
		c.Slippage = decimal.Zero
	}
	if c.PartialFillMin <= 0 || c.PartialFillMax > 1 || c.PartialFillMin > c.PartialFillMax {
		c.PartialFillMin, c.PartialFillMax = def.PartialFillMin, def.PartialFillMax
	}
	if c.LatencyMax < c.LatencyMin {
		c.LatencyMin, c.LatencyMax = c.LatencyMax, c.LatencyMin
	}
	if c.FeeRate.IsNegative() {
		c.FeeRate = decimal.Zero
	}
	if c.Currency == "" {
		c.Currency = def.Currency
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
}
