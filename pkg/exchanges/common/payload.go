package common

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodePayload turns a raw JSON payload into the typed request for op.
// Operations without input accept an empty payload.
func DecodePayload(op Operation, raw json.RawMessage) (any, error) {
	switch op {
	case OpPlaceOrder:
		var req OrderRequest
		if err := unmarshalPayload(raw, &req); err != nil {
			return nil, err
		}
		req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
		if req.Type == "" {
			req.Type = OrderTypeMarket
		}
		if err := ValidateOrder(req); err != nil {
			return nil, err
		}
		return req, nil
	case OpCancelOrder:
		var req CancelRequest
		if err := unmarshalPayload(raw, &req); err != nil {
			return nil, err
		}
		if req.OrderID == "" && req.ClientID == "" {
			return nil, fmt.Errorf("%w: order_id or client_id required", ErrInvalidPayload)
		}
		return req, nil
	case OpModifyOrder:
		var req ModifyRequest
		if err := unmarshalPayload(raw, &req); err != nil {
			return nil, err
		}
		if req.OrderID == "" {
			return nil, fmt.Errorf("%w: order_id required", ErrInvalidPayload)
		}
		if req.Qty < 0 || req.Price < 0 {
			return nil, fmt.Errorf("%w: qty and price must not be negative", ErrInvalidPayload)
		}
		return req, nil
	case OpGetMarketData:
		var req MarketDataRequest
		if err := unmarshalPayload(raw, &req); err != nil {
			return nil, err
		}
		if len(req.Symbols) == 0 {
			return nil, fmt.Errorf("%w: symbols required", ErrInvalidPayload)
		}
		for i, s := range req.Symbols {
			req.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
		}
		return req, nil
	case OpTransferFunds:
		var req TransferRequest
		if err := unmarshalPayload(raw, &req); err != nil {
			return nil, err
		}
		if req.Asset == "" || req.Amount <= 0 {
			return nil, fmt.Errorf("%w: asset and positive amount required", ErrInvalidPayload)
		}
		return req, nil
	case OpAuthenticate:
		var creds Credentials
		if err := unmarshalPayload(raw, &creds); err != nil {
			return nil, err
		}
		return creds, nil
	case OpGetPositions, OpGetPortfolio:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
}

// ValidateOrder checks the shape of an order before it leaves the process.
func ValidateOrder(req OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidPayload)
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidPayload)
	}
	if req.Qty <= 0 {
		return fmt.Errorf("%w: qty must be positive", ErrInvalidPayload)
	}
	switch req.Type {
	case OrderTypeMarket, "":
	case OrderTypeLimit:
		if req.Price <= 0 {
			return fmt.Errorf("%w: limit order requires price", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unsupported order type %q", ErrInvalidPayload, req.Type)
	}
	return nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
