package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to a provider.
type OrderRequest struct {
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Qty         float64     `json:"qty"`
	Price       float64     `json:"price,omitempty"` // required for LIMIT
	TimeInForce TimeInForce `json:"time_in_force,omitempty"`
	ClientID    string      `json:"client_id,omitempty"` // idempotency key forwarded to the venue
	ReduceOnly  bool        `json:"reduce_only,omitempty"`
}

// OrderResult is the venue acknowledgement.
type OrderResult struct {
	OrderID   string      `json:"order_id"`
	ClientID  string      `json:"client_id,omitempty"`
	Symbol    string      `json:"symbol"`
	Status    OrderStatus `json:"status"`
	FilledQty float64     `json:"filled_qty"`
	AvgPrice  float64     `json:"avg_price"`
}

// CancelRequest identifies an order to cancel.
type CancelRequest struct {
	Symbol   string `json:"symbol"`
	OrderID  string `json:"order_id"`
	ClientID string `json:"client_id,omitempty"`
}

// CancelResult reports whether the venue accepted the cancel.
type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// ModifyRequest amends quantity and/or price of a working order.
// Zero values leave the field unchanged.
type ModifyRequest struct {
	Symbol  string  `json:"symbol"`
	OrderID string  `json:"order_id"`
	Qty     float64 `json:"qty,omitempty"`
	Price   float64 `json:"price,omitempty"`
}

// Position is a held quantity in one symbol.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgPrice      float64 `json:"avg_price"`
	MarkPrice     float64 `json:"mark_price,omitempty"`
	UnrealizedPnL float64 `json:"unrealized_pnl,omitempty"`
}

// Portfolio summarises account value.
type Portfolio struct {
	Currency    string     `json:"currency"`
	Cash        float64    `json:"cash"`
	Equity      float64    `json:"equity"`
	RealizedPnL float64    `json:"realized_pnl"`
	Positions   []Position `json:"positions"`
}

// MarketDataRequest lists symbols to quote.
type MarketDataRequest struct {
	Symbols []string `json:"symbols"`
}

// MarketData is a top-of-book snapshot.
type MarketData struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Bid    float64   `json:"bid,omitempty"`
	Ask    float64   `json:"ask,omitempty"`
	Time   time.Time `json:"time"`
}

// Credentials are forwarded to Authenticate.
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// AuthResult reports the outcome of Authenticate.
type AuthResult struct {
	Authenticated bool `json:"authenticated"`
}

// TransferRequest moves funds between wallets of the same venue account.
type TransferRequest struct {
	Asset  string  `json:"asset"`
	Amount float64 `json:"amount"`
	From   string  `json:"from"`
	To     string  `json:"to"`
}

// TransferResult is the venue receipt for a transfer.
type TransferResult struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
}
