package simulation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading-router/pkg/exchanges/common"
)

// Store persists the virtual ledger.
type Store interface {
	LoadAccounts(ctx context.Context, historyLimit int) ([]*Account, error)
	LoadAccount(ctx context.Context, id string, historyLimit int) (*Account, error)
	LoadOpenOrders(ctx context.Context) ([]*Order, error)
	SaveAccount(ctx context.Context, a *Account) error
	SaveOrder(ctx context.Context, o *Order) error
	// SaveSettlement writes the account and the order in one transaction.
	SaveSettlement(ctx context.Context, a *Account, o *Order) error
}

// SQLStore keeps the ledger in the sqlite virtual_* tables. Decimals are
// stored as TEXT.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps a migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) LoadAccounts(ctx context.Context, historyLimit int) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM virtual_accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		a, err := s.LoadAccount(ctx, id, historyLimit)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// LoadAccount returns nil, nil when the account does not exist.
func (s *SQLStore) LoadAccount(ctx context.Context, id string, historyLimit int) (*Account, error) {
	var a Account
	var funding, cash, realized, fees string
	var faulted int
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, initial_funding, cash, realized_pnl, fees, faulted, fault_reason, updated_at
		FROM virtual_accounts WHERE id = ?`, id).
		Scan(&a.ID, &funding, &cash, &realized, &fees, &faulted, &a.FaultReason, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	if a.InitialFunding, err = decimal.NewFromString(funding); err != nil {
		return nil, fmt.Errorf("account %s initial_funding: %w", id, err)
	}
	if a.Cash, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("account %s cash: %w", id, err)
	}
	if a.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return nil, fmt.Errorf("account %s realized_pnl: %w", id, err)
	}
	if a.Fees, err = decimal.NewFromString(fees); err != nil {
		return nil, fmt.Errorf("account %s fees: %w", id, err)
	}
	a.Faulted = faulted != 0
	a.UpdatedAt = time.UnixMilli(updated)

	a.Positions = make(map[string]*Position)
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, qty, cost_basis FROM virtual_positions WHERE account_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sym, qty, cost string
		if err := rows.Scan(&sym, &qty, &cost); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p := &Position{Symbol: sym}
		if p.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("position %s/%s qty: %w", id, sym, err)
		}
		if p.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("position %s/%s cost: %w", id, sym, err)
		}
		a.Positions[sym] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if a.History, err = s.loadFills(ctx, id, historyLimit); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStore) loadFills(ctx context.Context, accountID string, limit int) ([]Fill, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, side, filled_qty, exec_price, fee, realized_pnl, updated_at
		FROM (
			SELECT * FROM virtual_orders
			WHERE account_id = ? AND state = ?
			ORDER BY updated_at DESC LIMIT ?
		) ORDER BY updated_at ASC`, accountID, string(StateSettled), limit)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var f Fill
		var side, qty, price, fee, realized string
		var at int64
		if err := rows.Scan(&f.OrderID, &f.Symbol, &side, &qty, &price, &fee, &realized, &at); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = common.Side(side)
		f.Qty = decimal.RequireFromString(qty)
		f.Price = decimal.RequireFromString(price)
		f.Fee = decimal.RequireFromString(fee)
		f.RealizedPnL = decimal.RequireFromString(realized)
		f.At = time.UnixMilli(at)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLStore) LoadOpenOrders(ctx context.Context) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, account_id, symbol, side, type, qty, limit_price, state,
		       ref_price, exec_price, filled_qty, remaining, fee, realized_pnl, reason, created_at, updated_at
		FROM virtual_orders
		WHERE state IN (?, ?)
		ORDER BY created_at`, string(StateSubmitted), string(StatePriced))
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(rows *sql.Rows) (*Order, error) {
	var o Order
	var side, typ, state string
	var qty, limit, ref, exec, filled, remaining, fee, realized string
	var created, updated int64
	if err := rows.Scan(&o.ID, &o.ClientID, &o.AccountID, &o.Symbol, &side, &typ, &qty, &limit, &state,
		&ref, &exec, &filled, &remaining, &fee, &realized, &o.Reason, &created, &updated); err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Side = common.Side(side)
	o.Type = common.OrderType(typ)
	o.State = OrderState(state)
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&o.Qty, qty}, {&o.LimitPrice, limit}, {&o.RefPrice, ref}, {&o.ExecPrice, exec},
		{&o.FilledQty, filled}, {&o.Remaining, remaining}, {&o.Fee, fee}, {&o.RealizedPnL, realized},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
		*f.dst = d
	}
	o.CreatedAt = time.UnixMilli(created)
	o.UpdatedAt = time.UnixMilli(updated)
	return &o, nil
}

func (s *SQLStore) SaveAccount(ctx context.Context, a *Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveAccount(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) SaveOrder(ctx context.Context, o *Order) error {
	return saveOrder(ctx, s.db, o)
}

func (s *SQLStore) SaveSettlement(ctx context.Context, a *Account, o *Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveAccount(ctx, tx, a); err != nil {
		return err
	}
	if err := saveOrder(ctx, tx, o); err != nil {
		return err
	}
	return tx.Commit()
}

func saveAccount(ctx context.Context, ex execer, a *Account) error {
	faulted := 0
	if a.Faulted {
		faulted = 1
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO virtual_accounts (id, initial_funding, cash, realized_pnl, fees, faulted, fault_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cash = excluded.cash,
			realized_pnl = excluded.realized_pnl,
			fees = excluded.fees,
			faulted = excluded.faulted,
			fault_reason = excluded.fault_reason,
			updated_at = excluded.updated_at
	`, a.ID, a.InitialFunding.String(), a.Cash.String(), a.RealizedPnL.String(), a.Fees.String(),
		faulted, a.FaultReason, a.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ID, err)
	}

	if _, err := ex.ExecContext(ctx, `DELETE FROM virtual_positions WHERE account_id = ?`, a.ID); err != nil {
		return fmt.Errorf("clear positions %s: %w", a.ID, err)
	}
	for _, sym := range a.symbols() {
		p := a.Positions[sym]
		_, err := ex.ExecContext(ctx, `
			INSERT INTO virtual_positions (account_id, symbol, qty, cost_basis, avg_price, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			a.ID, sym, p.Qty.String(), p.Cost.String(), p.AvgPrice().StringFixed(8))
		if err != nil {
			return fmt.Errorf("insert position %s/%s: %w", a.ID, sym, err)
		}
	}
	return nil
}

func saveOrder(ctx context.Context, ex execer, o *Order) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO virtual_orders (id, client_id, account_id, symbol, side, type, qty, limit_price, state,
			ref_price, exec_price, filled_qty, remaining, fee, realized_pnl, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			qty = excluded.qty,
			limit_price = excluded.limit_price,
			state = excluded.state,
			ref_price = excluded.ref_price,
			exec_price = excluded.exec_price,
			filled_qty = excluded.filled_qty,
			remaining = excluded.remaining,
			fee = excluded.fee,
			realized_pnl = excluded.realized_pnl,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`, o.ID, o.ClientID, o.AccountID, o.Symbol, string(o.Side), string(o.Type), o.Qty.String(), o.LimitPrice.String(),
		string(o.State), o.RefPrice.String(), o.ExecPrice.String(), o.FilledQty.String(), o.Remaining.String(),
		o.Fee.String(), o.RealizedPnL.String(), o.Reason, o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ID, err)
	}
	return nil
}
