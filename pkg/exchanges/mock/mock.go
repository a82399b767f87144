// Package mock is a random-walk venue for local development and demos.
// It holds no money; it exists so a LIVE pipeline can be exercised end to end
// without broker credentials.
package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"trading-router/pkg/exchanges/common"
)

var errInjected = errors.New("mock: injected failure")

// Config tunes the synthetic venue.
type Config struct {
	ID         string
	StartPrice float64
	Step       float64 // max absolute move per quote
	FailRate   float64 // probability in [0,1] that a call fails with a transport error
	Seed       int64
}

// Venue is a synthetic provider.
type Venue struct {
	cfg Config

	mu        sync.Mutex
	rng       *rand.Rand
	prices    map[string]float64
	positions map[string]common.Position
	cash      float64
	down      atomic.Bool
	seq       atomic.Int64
}

var _ common.Provider = (*Venue)(nil)

func New(cfg Config) *Venue {
	if cfg.ID == "" {
		cfg.ID = "mock"
	}
	if cfg.StartPrice == 0 {
		cfg.StartPrice = 100.0
	}
	if cfg.Step == 0 {
		cfg.Step = 0.5
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Venue{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
		prices:    make(map[string]float64),
		positions: make(map[string]common.Position),
		cash:      100000,
	}
}

// SetDown makes every call, including the health probe, fail.
func (v *Venue) SetDown(down bool) { v.down.Store(down) }

func (v *Venue) ID() string { return v.cfg.ID }

func (v *Venue) Capabilities() []common.Operation { return common.Operations() }

func (v *Venue) HealthPing(context.Context) error {
	if v.down.Load() {
		return common.NewProviderError(v.cfg.ID, common.KindTransport, errInjected)
	}
	return nil
}

func (v *Venue) Authenticate(ctx context.Context, creds common.Credentials) (bool, error) {
	if err := v.fail(); err != nil {
		return false, err
	}
	return creds.APIKey != "" && creds.APISecret != "", nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := v.fail(); err != nil {
		return common.OrderResult{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	px := v.walkLocked(req.Symbol)
	if req.Type == common.OrderTypeLimit {
		if (req.Side == common.SideBuy && req.Price < px) || (req.Side == common.SideSell && req.Price > px) {
			return common.OrderResult{OrderID: v.nextID(), ClientID: req.ClientID, Symbol: req.Symbol, Status: common.StatusNew}, nil
		}
		px = req.Price
	}
	pos := v.positions[req.Symbol]
	pos.Symbol = req.Symbol
	if req.Side == common.SideBuy {
		pos.AvgPrice = (pos.AvgPrice*pos.Qty + px*req.Qty) / (pos.Qty + req.Qty)
		pos.Qty += req.Qty
		v.cash -= px * req.Qty
	} else {
		pos.Qty -= req.Qty
		v.cash += px * req.Qty
	}
	v.positions[req.Symbol] = pos
	return common.OrderResult{
		OrderID:   v.nextID(),
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Status:    common.StatusFilled,
		FilledQty: req.Qty,
		AvgPrice:  px,
	}, nil
}

func (v *Venue) CancelOrder(ctx context.Context, req common.CancelRequest) (bool, error) {
	if err := v.fail(); err != nil {
		return false, err
	}
	return true, nil
}

func (v *Venue) ModifyOrder(ctx context.Context, req common.ModifyRequest) (common.OrderResult, error) {
	if err := v.fail(); err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{OrderID: req.OrderID, Symbol: req.Symbol, Status: common.StatusNew}, nil
}

func (v *Venue) GetPositions(ctx context.Context) ([]common.Position, error) {
	if err := v.fail(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]common.Position, 0, len(v.positions))
	for _, p := range v.positions {
		if p.Qty != 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func (v *Venue) GetPortfolio(ctx context.Context) (common.Portfolio, error) {
	positions, err := v.GetPositions(ctx)
	if err != nil {
		return common.Portfolio{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	p := common.Portfolio{Currency: "USD", Cash: v.cash, Equity: v.cash, Positions: positions}
	for _, pos := range positions {
		p.Equity += pos.Qty * v.prices[pos.Symbol]
	}
	return p, nil
}

func (v *Venue) GetMarketData(ctx context.Context, symbols []string) ([]common.MarketData, error) {
	if err := v.fail(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]common.MarketData, 0, len(symbols))
	now := time.Now().UTC()
	for _, sym := range symbols {
		px := v.walkLocked(sym)
		out = append(out, common.MarketData{Symbol: sym, Price: px, Bid: px - v.cfg.Step/10, Ask: px + v.cfg.Step/10, Time: now})
	}
	return out, nil
}

func (v *Venue) TransferFunds(ctx context.Context, req common.TransferRequest) (common.TransferResult, error) {
	if err := v.fail(); err != nil {
		return common.TransferResult{}, err
	}
	return common.TransferResult{TransferID: v.nextID(), Status: "CONFIRMED"}, nil
}

func (v *Venue) fail() error {
	if v.down.Load() {
		return common.NewProviderError(v.cfg.ID, common.KindTransport, errInjected)
	}
	if v.cfg.FailRate <= 0 {
		return nil
	}
	v.mu.Lock()
	roll := v.rng.Float64()
	v.mu.Unlock()
	if roll < v.cfg.FailRate {
		return common.NewProviderError(v.cfg.ID, common.KindTransport, errInjected)
	}
	return nil
}

// walkLocked advances the random walk for sym and returns the new price.
func (v *Venue) walkLocked(sym string) float64 {
	px, ok := v.prices[sym]
	if !ok {
		px = v.cfg.StartPrice
	}
	px += (v.rng.Float64()*2 - 1) * v.cfg.Step
	if px <= 0 {
		px = v.cfg.Step
	}
	v.prices[sym] = px
	return px
}

func (v *Venue) nextID() string {
	return fmt.Sprintf("%s-%s", v.cfg.ID, strconv.FormatInt(v.seq.Add(1), 10))
}
