package simulation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"trading-router/internal/events"
	"trading-router/pkg/cache"
	"trading-router/pkg/exchanges/common"
)

// ErrAccountNotFound is returned by maintenance calls on unknown accounts.
var ErrAccountNotFound = errors.New("virtual account not found")

type accountState struct {
	mu   sync.Mutex
	acct *Account
	open map[string]*Order // resting limit orders by id
}

// Engine executes PAPER operations. Each account has its own lock; the
// engine-wide lock only guards the account index.
type Engine struct {
	cfg    Config
	source MarketDataSource
	store  Store
	marks  *cache.ShardedPriceCache
	bus    *events.Bus
	now    func() time.Time

	mu       sync.RWMutex
	accounts map[string]*accountState

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine creates an engine. store, marks and bus may be nil.
func NewEngine(cfg Config, source MarketDataSource, store Store, marks *cache.ShardedPriceCache, bus *events.Bus) *Engine {
	cfg.normalize()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if marks == nil {
		marks = cache.NewShardedPriceCache()
	}
	return &Engine{
		cfg:      cfg,
		source:   source,
		store:    store,
		marks:    marks,
		bus:      bus,
		now:      time.Now,
		accounts: make(map[string]*accountState),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Load restores accounts and resting orders from the store and re-checks
// every ledger. Accounts that no longer balance are latched as faulted.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	accts, err := e.store.LoadAccounts(ctx, e.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load virtual accounts: %w", err)
	}
	orders, err := e.store.LoadOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range accts {
		e.accounts[a.ID] = &accountState{acct: a, open: make(map[string]*Order)}
	}
	resting := 0
	for _, o := range orders {
		st, ok := e.accounts[o.AccountID]
		if !ok || o.State != StatePriced || o.Type != common.OrderTypeLimit {
			continue
		}
		st.open[o.ID] = o
		resting++
	}
	for _, st := range e.accounts {
		if st.acct.Faulted {
			continue
		}
		if err := st.acct.Reconcile(e.now()); err != nil {
			e.latchLocked(ctx, st, err)
		}
	}
	log.Info().Int("accounts", len(accts)).Int("resting_orders", resting).Msg("paper ledger loaded")
	return nil
}

// Execute runs op for accountID. payload is the typed request produced by
// common.DecodePayload.
func (e *Engine) Execute(ctx context.Context, accountID string, op common.Operation, payload any) (any, error) {
	switch op {
	case common.OpPlaceOrder:
		req, ok := payload.(common.OrderRequest)
		if !ok {
			return nil, fmt.Errorf("%w: place_order expects an order request, got %T", common.ErrInvalidPayload, payload)
		}
		return e.PlaceOrder(ctx, accountID, req)
	case common.OpCancelOrder:
		req, ok := payload.(common.CancelRequest)
		if !ok {
			return nil, fmt.Errorf("%w: cancel_order expects a cancel request, got %T", common.ErrInvalidPayload, payload)
		}
		return e.CancelOrder(ctx, accountID, req)
	case common.OpModifyOrder:
		req, ok := payload.(common.ModifyRequest)
		if !ok {
			return nil, fmt.Errorf("%w: modify_order expects a modify request, got %T", common.ErrInvalidPayload, payload)
		}
		return e.ModifyOrder(ctx, accountID, req)
	case common.OpGetPositions:
		return e.Positions(accountID), nil
	case common.OpGetPortfolio:
		return e.Portfolio(accountID), nil
	case common.OpGetMarketData:
		req, ok := payload.(common.MarketDataRequest)
		if !ok {
			return nil, fmt.Errorf("%w: get_market_data expects symbols, got %T", common.ErrInvalidPayload, payload)
		}
		return e.MarketData(ctx, req.Symbols)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotSimulated, op)
	}
}

// PlaceOrder walks an order through SUBMITTED, PRICED and, when marketable,
// FILLED or PARTIALLY_FILLED to SETTLED. A limit order that is not
// marketable rests in PRICED until a later quote crosses it.
func (e *Engine) PlaceOrder(ctx context.Context, accountID string, req common.OrderRequest) (common.OrderResult, error) {
	if req.Type == "" {
		req.Type = common.OrderTypeMarket
	}
	if err := common.ValidateOrder(req); err != nil {
		return common.OrderResult{}, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	st, err := e.account(ctx, accountID)
	if err != nil {
		return common.OrderResult{}, err
	}
	if fault := e.faultOf(st); fault != nil {
		return common.OrderResult{}, fault
	}

	now := e.now()
	o := &Order{
		ID:          uuid.NewString(),
		ClientID:    req.ClientID,
		AccountID:   accountID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Qty:         decimal.NewFromFloat(req.Qty),
		LimitPrice:  decimal.Zero,
		RefPrice:    decimal.Zero,
		ExecPrice:   decimal.Zero,
		FilledQty:   decimal.Zero,
		Remaining:   decimal.Zero,
		Fee:         decimal.Zero,
		RealizedPnL: decimal.Zero,
		State:       StateSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Type == common.OrderTypeLimit {
		o.LimitPrice = decimal.NewFromFloat(req.Price)
	}
	if err := e.saveOrder(ctx, o); err != nil {
		return common.OrderResult{}, err
	}

	if err := e.simulateLatency(ctx); err != nil {
		return o.Result(), err
	}

	ref, err := e.referencePrice(ctx, o.Symbol)
	if err != nil {
		o.Reason = err.Error()
		o.UpdatedAt = e.now()
		_ = e.saveOrder(ctx, o)
		log.Warn().Err(err).Str("order", o.ID).Str("symbol", o.Symbol).Msg("paper order left SUBMITTED")
		return o.Result(), err
	}

	o.RefPrice = ref
	o.ExecPrice = e.executionPrice(ref, o.Side)
	o.State = StatePriced
	o.UpdatedAt = e.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	if !marketable(o) {
		if err := e.saveOrder(ctx, o); err != nil {
			return common.OrderResult{}, err
		}
		st.open[o.ID] = o
		log.Info().Str("order", o.ID).Str("symbol", o.Symbol).Str("limit", o.LimitPrice.String()).Msg("paper limit order resting")
		return o.Result(), nil
	}
	return e.fillLocked(ctx, st, o)
}

// CancelOrder cancels a resting order by order id or client id.
func (e *Engine) CancelOrder(ctx context.Context, accountID string, req common.CancelRequest) (common.CancelResult, error) {
	st := e.lookup(accountID)
	if st == nil {
		return common.CancelResult{}, ErrOrderNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	o := findOpen(st, req.OrderID, req.ClientID, req.Symbol)
	if o == nil {
		return common.CancelResult{}, ErrOrderNotFound
	}
	o.State = StateCancelled
	o.Remaining = o.Qty
	o.UpdatedAt = e.now()
	if err := e.saveOrder(ctx, o); err != nil {
		return common.CancelResult{}, err
	}
	delete(st.open, o.ID)
	return common.CancelResult{Cancelled: true}, nil
}

// ModifyOrder amends quantity or limit price of a resting order and
// re-prices it against a fresh quote. If the amended limit crosses the new
// execution price the order fills at once. Without a quote the amendment is
// kept and the order stays resting until a later quote crosses it.
func (e *Engine) ModifyOrder(ctx context.Context, accountID string, req common.ModifyRequest) (common.OrderResult, error) {
	st := e.lookup(accountID)
	if st == nil {
		return common.OrderResult{}, ErrOrderNotFound
	}

	st.mu.Lock()
	o := findOpen(st, req.OrderID, "", req.Symbol)
	if o == nil {
		st.mu.Unlock()
		return common.OrderResult{}, ErrOrderNotFound
	}
	if st.acct.Faulted {
		defer st.mu.Unlock()
		return o.Result(), e.storedFault(st)
	}
	orderID, symbol := o.ID, o.Symbol
	st.mu.Unlock()

	ref, refErr := e.referencePrice(ctx, symbol)

	st.mu.Lock()
	defer st.mu.Unlock()

	// A quote sweep or cancel may have closed the order while unlocked.
	o = findOpen(st, orderID, "", symbol)
	if o == nil {
		return common.OrderResult{}, ErrOrderNotFound
	}
	if st.acct.Faulted {
		return o.Result(), e.storedFault(st)
	}
	if req.Qty > 0 {
		o.Qty = decimal.NewFromFloat(req.Qty)
	}
	if req.Price > 0 {
		o.LimitPrice = decimal.NewFromFloat(req.Price)
	}
	o.UpdatedAt = e.now()

	if refErr != nil {
		log.Warn().Err(refErr).Str("order", o.ID).Str("symbol", o.Symbol).Msg("modified paper order left resting without a quote")
	} else {
		o.RefPrice = ref
		o.ExecPrice = e.executionPrice(ref, o.Side)
		if marketable(o) {
			return e.fillLocked(ctx, st, o)
		}
	}
	if err := e.saveOrder(ctx, o); err != nil {
		return common.OrderResult{}, err
	}
	return o.Result(), nil
}

// MarketData passes quotes through from the source, refreshes marks and
// fills any resting orders the new prices cross.
func (e *Engine) MarketData(ctx context.Context, symbols []string) ([]common.MarketData, error) {
	if e.source == nil {
		return nil, ErrPriceUnavailable
	}
	quotes, err := e.source.GetMarketData(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	for _, q := range quotes {
		e.marks.Set(q.Symbol, decimal.NewFromFloat(q.Price))
	}
	e.sweep(ctx, quotes)
	return quotes, nil
}

// Positions values every holding at its last mark, falling back to the
// average price when no mark has been seen.
func (e *Engine) Positions(accountID string) []common.Position {
	acct := e.view(accountID)
	out := make([]common.Position, 0, len(acct.Positions))
	for _, sym := range acct.symbols() {
		p := acct.Positions[sym]
		avg := p.AvgPrice()
		mark, ok := e.marks.Get(sym)
		if !ok {
			mark = avg
		}
		out = append(out, common.Position{
			Symbol:        sym,
			Qty:           p.Qty.InexactFloat64(),
			AvgPrice:      avg.InexactFloat64(),
			MarkPrice:     mark.InexactFloat64(),
			UnrealizedPnL: mark.Sub(avg).Mul(p.Qty).InexactFloat64(),
		})
	}
	return out
}

// Portfolio reports cash, equity at mark and realized P&L.
func (e *Engine) Portfolio(accountID string) common.Portfolio {
	acct := e.view(accountID)
	equity := acct.Cash
	for sym, p := range acct.Positions {
		mark, ok := e.marks.Get(sym)
		if !ok {
			mark = p.AvgPrice()
		}
		equity = equity.Add(mark.Mul(p.Qty))
	}
	return common.Portfolio{
		Currency:    e.cfg.Currency,
		Cash:        acct.Cash.InexactFloat64(),
		Equity:      equity.InexactFloat64(),
		RealizedPnL: acct.RealizedPnL.InexactFloat64(),
		Positions:   e.Positions(accountID),
	}
}

// Snapshot returns a display copy of an account.
func (e *Engine) Snapshot(accountID string) (AccountSnapshot, bool) {
	st := e.lookup(accountID)
	if st == nil {
		return AccountSnapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.acct.snapshot(e.cfg.Currency), true
}

// OpenOrders lists resting orders for an account.
func (e *Engine) OpenOrders(accountID string) []Order {
	st := e.lookup(accountID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Order, 0, len(st.open))
	for _, o := range st.open {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// VerifyAll reconciles every account and latches new faults. It returns the
// faults found, including ones already latched.
func (e *Engine) VerifyAll(ctx context.Context) []*LedgerReconciliationFault {
	var out []*LedgerReconciliationFault
	for _, st := range e.states() {
		st.mu.Lock()
		if st.acct.Faulted {
			if f, ok := e.storedFault(st).(*LedgerReconciliationFault); ok {
				out = append(out, f)
			}
		} else if err := st.acct.Reconcile(e.now()); err != nil {
			e.latchLocked(ctx, st, err)
			var fault *LedgerReconciliationFault
			if errors.As(err, &fault) {
				out = append(out, fault)
			}
		}
		st.mu.Unlock()
	}
	return out
}

// ClearFault re-reads the account from the store, which an operator may
// have repaired, and lifts the latch if the books now balance.
func (e *Engine) ClearFault(ctx context.Context, accountID string) error {
	st := e.lookup(accountID)
	if st == nil {
		return ErrAccountNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	fresh := st.acct.clone()
	if e.store != nil {
		loaded, err := e.store.LoadAccount(ctx, accountID, e.cfg.HistoryLimit)
		if err != nil {
			return err
		}
		if loaded != nil {
			fresh = loaded
		}
	}
	if err := fresh.Reconcile(e.now()); err != nil {
		return err
	}
	fresh.Faulted = false
	fresh.FaultReason = ""
	fresh.UpdatedAt = e.now()
	if e.store != nil {
		if err := e.store.SaveAccount(ctx, fresh); err != nil {
			return fmt.Errorf("persist cleared account: %w", err)
		}
	}
	st.acct = fresh
	log.Warn().Str("account", accountID).Msg("ledger fault cleared by operator")
	return nil
}

// fillLocked settles o at o.ExecPrice. st.mu must be held. The ledger is
// mutated on a copy and swapped in only after it reconciles and persists.
func (e *Engine) fillLocked(ctx context.Context, st *accountState, o *Order) (common.OrderResult, error) {
	if st.acct.Faulted {
		return o.Result(), e.storedFault(st)
	}

	ratio := e.fillRatio()
	filled := o.Qty.Mul(ratio).Round(8)
	if !filled.IsPositive() {
		filled = o.Qty
	}
	o.FilledQty = filled
	o.Remaining = o.Qty.Sub(filled)
	if o.Remaining.IsPositive() {
		o.State = StatePartiallyFilled
	} else {
		o.State = StateFilled
	}

	now := e.now()
	fee := filled.Mul(o.ExecPrice).Mul(e.cfg.FeeRate).Round(8)
	next := st.acct.clone()
	booked, err := next.apply(Fill{
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Qty:     filled,
		Price:   o.ExecPrice,
		Fee:     fee,
		At:      now,
	}, e.cfg.HistoryLimit)
	if err != nil {
		e.reject(ctx, st, o, err)
		return o.Result(), err
	}
	if err := next.Reconcile(now); err != nil {
		e.latchLocked(ctx, st, err)
		e.reject(ctx, st, o, err)
		return o.Result(), err
	}

	o.Fee = fee
	o.RealizedPnL = booked.RealizedPnL
	o.State = StateSettled
	o.UpdatedAt = now
	if e.store != nil {
		if err := e.store.SaveSettlement(ctx, next, o); err != nil {
			return common.OrderResult{}, fmt.Errorf("persist settlement: %w", err)
		}
	}
	st.acct = next
	delete(st.open, o.ID)

	log.Info().
		Str("account", st.acct.ID).
		Str("order", o.ID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Str("qty", filled.String()).
		Str("price", o.ExecPrice.String()).
		Str("cash", st.acct.Cash.String()).
		Msg("paper order settled")
	e.bus.Publish(events.EventOrderSettled, *o)
	return o.Result(), nil
}

func (e *Engine) reject(ctx context.Context, st *accountState, o *Order, cause error) {
	o.State = StateRejected
	o.FilledQty = decimal.Zero
	o.Remaining = o.Qty
	o.Reason = cause.Error()
	o.UpdatedAt = e.now()
	_ = e.saveOrder(ctx, o)
	delete(st.open, o.ID)
}

// latchLocked marks the account faulted. st.mu (or e.mu during Load) must be held.
func (e *Engine) latchLocked(ctx context.Context, st *accountState, cause error) {
	st.acct.Faulted = true
	st.acct.FaultReason = cause.Error()
	if e.store != nil {
		if err := e.store.SaveAccount(ctx, st.acct); err != nil {
			log.Error().Err(err).Str("account", st.acct.ID).Msg("persist ledger fault latch")
		}
	}
	log.Error().Err(cause).Str("account", st.acct.ID).Msg("ledger reconciliation fault; account frozen")

	at := e.now()
	e.bus.Publish(events.EventLedgerFault, events.LedgerFault{AccountID: st.acct.ID, Reason: cause.Error(), At: at})
	e.bus.Publish(events.EventAlert, events.Alert{
		Severity: "critical",
		Title:    "Paper ledger fault",
		Message:  fmt.Sprintf("account %s: %v", st.acct.ID, cause),
		At:       at,
	})
}

func (e *Engine) sweep(ctx context.Context, quotes []common.MarketData) {
	prices := make(map[string]decimal.Decimal, len(quotes))
	for _, q := range quotes {
		if q.Price > 0 {
			prices[q.Symbol] = decimal.NewFromFloat(q.Price)
		}
	}
	if len(prices) == 0 {
		return
	}

	for _, st := range e.states() {
		st.mu.Lock()
		for _, o := range sortedOpen(st) {
			ref, ok := prices[o.Symbol]
			if !ok {
				continue
			}
			exec := e.executionPrice(ref, o.Side)
			candidate := *o
			candidate.ExecPrice = exec
			if !marketable(&candidate) {
				continue
			}
			o.RefPrice = ref
			o.ExecPrice = exec
			if _, err := e.fillLocked(ctx, st, o); err != nil {
				log.Warn().Err(err).Str("order", o.ID).Msg("resting paper order not filled")
			}
		}
		st.mu.Unlock()
	}
}

func (e *Engine) referencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if e.source == nil {
		return decimal.Zero, ErrPriceUnavailable
	}
	quotes, err := e.source.GetMarketData(ctx, []string{symbol})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	for _, q := range quotes {
		if q.Symbol == symbol && q.Price > 0 {
			px := decimal.NewFromFloat(q.Price)
			e.marks.Set(symbol, px)
			return px, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: no quote for %s", ErrPriceUnavailable, symbol)
}

func (e *Engine) executionPrice(ref decimal.Decimal, side common.Side) decimal.Decimal {
	if side == common.SideSell {
		return ref.Mul(decimal.NewFromInt(1).Sub(e.cfg.Slippage))
	}
	return ref.Mul(decimal.NewFromInt(1).Add(e.cfg.Slippage))
}

func (e *Engine) fillRatio() decimal.Decimal {
	if e.cfg.PartialFillProbability <= 0 {
		return decimal.NewFromInt(1)
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	if e.rng.Float64() >= e.cfg.PartialFillProbability {
		return decimal.NewFromInt(1)
	}
	r := e.cfg.PartialFillMin + e.rng.Float64()*(e.cfg.PartialFillMax-e.cfg.PartialFillMin)
	return decimal.NewFromFloat(r).Round(4)
}

func (e *Engine) simulateLatency(ctx context.Context) error {
	d := e.cfg.LatencyMin
	if span := e.cfg.LatencyMax - e.cfg.LatencyMin; span > 0 {
		e.rngMu.Lock()
		d += time.Duration(e.rng.Int63n(int64(span) + 1))
		e.rngMu.Unlock()
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// account returns the state for id, opening and persisting a funded
// account on first use.
func (e *Engine) account(ctx context.Context, id string) (*accountState, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: account id required", ErrInvalidOrder)
	}
	if st := e.lookup(id); st != nil {
		return st, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.accounts[id]; ok {
		return st, nil
	}
	acct := NewAccount(id, e.cfg.InitialFunding, e.now())
	if e.store != nil {
		if err := e.store.SaveAccount(ctx, acct); err != nil {
			return nil, fmt.Errorf("open virtual account: %w", err)
		}
	}
	st := &accountState{acct: acct, open: make(map[string]*Order)}
	e.accounts[id] = st
	log.Info().Str("account", id).Str("funding", acct.InitialFunding.String()).Msg("virtual account opened")
	return st, nil
}

func (e *Engine) lookup(id string) *accountState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.accounts[id]
}

func (e *Engine) states() []*accountState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*accountState, 0, len(e.accounts))
	for _, st := range e.accounts {
		out = append(out, st)
	}
	return out
}

// view copies an account for reads. Unknown accounts read as freshly funded.
func (e *Engine) view(id string) *Account {
	st := e.lookup(id)
	if st == nil {
		return NewAccount(id, e.cfg.InitialFunding, e.now())
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.acct.clone()
}

func (e *Engine) faultOf(st *accountState) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.acct.Faulted {
		return nil
	}
	return e.storedFault(st)
}

// storedFault rebuilds the fault error for a latched account. st.mu must be held.
func (e *Engine) storedFault(st *accountState) error {
	actual := st.acct.Cash
	for _, p := range st.acct.Positions {
		actual = actual.Add(p.Cost)
	}
	return &LedgerReconciliationFault{
		AccountID: st.acct.ID,
		Expected:  st.acct.InitialFunding.Add(st.acct.RealizedPnL).Sub(st.acct.Fees),
		Actual:    actual,
		At:        st.acct.UpdatedAt,
	}
}

func (e *Engine) saveOrder(ctx context.Context, o *Order) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveOrder(ctx, o); err != nil {
		return fmt.Errorf("persist paper order: %w", err)
	}
	return nil
}

func marketable(o *Order) bool {
	if o.Type != common.OrderTypeLimit {
		return true
	}
	if o.Side == common.SideBuy {
		return o.LimitPrice.GreaterThanOrEqual(o.ExecPrice)
	}
	return o.LimitPrice.LessThanOrEqual(o.ExecPrice)
}

func findOpen(st *accountState, orderID, clientID, symbol string) *Order {
	for _, o := range st.open {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if (orderID != "" && o.ID == orderID) || (clientID != "" && o.ClientID == clientID) {
			return o
		}
	}
	return nil
}

func sortedOpen(st *accountState) []*Order {
	out := make([]*Order, 0, len(st.open))
	for _, o := range st.open {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
