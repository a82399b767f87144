package common

// Operation is one entry of the fixed operation vocabulary routed by the core.
type Operation string

const (
	OpPlaceOrder    Operation = "place_order"
	OpCancelOrder   Operation = "cancel_order"
	OpModifyOrder   Operation = "modify_order"
	OpGetPositions  Operation = "get_positions"
	OpGetPortfolio  Operation = "get_portfolio"
	OpGetMarketData Operation = "get_market_data"
	OpTransferFunds Operation = "transfer_funds"
	OpAuthenticate  Operation = "authenticate"
)

// Category groups operations that share a rate-limit budget and timeout.
type Category string

const (
	CategoryOrder   Category = "order"
	CategoryAccount Category = "account"
	CategoryMarket  Category = "market"
)

var operations = map[Operation]struct {
	category Category
	readOnly bool
}{
	OpPlaceOrder:    {CategoryOrder, false},
	OpCancelOrder:   {CategoryOrder, false},
	OpModifyOrder:   {CategoryOrder, false},
	OpTransferFunds: {CategoryOrder, false},
	OpGetPositions:  {CategoryAccount, true},
	OpGetPortfolio:  {CategoryAccount, true},
	OpAuthenticate:  {CategoryAccount, false},
	OpGetMarketData: {CategoryMarket, true},
}

// Operations returns the vocabulary in a stable order.
func Operations() []Operation {
	return []Operation{
		OpPlaceOrder, OpCancelOrder, OpModifyOrder,
		OpGetPositions, OpGetPortfolio, OpGetMarketData,
		OpAuthenticate, OpTransferFunds,
	}
}

// Known reports whether op belongs to the vocabulary.
func (op Operation) Known() bool {
	_, ok := operations[op]
	return ok
}

// Category returns the rate-limit category. Unknown operations map to "".
func (op Operation) Category() Category {
	return operations[op].category
}

// ReadOnly reports whether op has no side effect on funds or orders.
// Unknown operations are never read-only.
func (op Operation) ReadOnly() bool {
	return operations[op].readOnly
}
