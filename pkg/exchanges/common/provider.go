package common

import (
	"context"
	"fmt"
)

// Provider is a broker or data integration exposing the uniform operation set.
// Implementations return ErrUnsupported for operations they cannot serve.
type Provider interface {
	ID() string
	Capabilities() []Operation
	Authenticate(ctx context.Context, creds Credentials) (bool, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, req CancelRequest) (bool, error)
	ModifyOrder(ctx context.Context, req ModifyRequest) (OrderResult, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetPortfolio(ctx context.Context) (Portfolio, error)
	GetMarketData(ctx context.Context, symbols []string) ([]MarketData, error)
	TransferFunds(ctx context.Context, req TransferRequest) (TransferResult, error)
	HealthPing(ctx context.Context) error
}

// Unsupported can be embedded by adapters to reject every operation they do not override.
type Unsupported struct{}

func (Unsupported) Authenticate(context.Context, Credentials) (bool, error) {
	return false, ErrUnsupported
}

func (Unsupported) PlaceOrder(context.Context, OrderRequest) (OrderResult, error) {
	return OrderResult{}, ErrUnsupported
}

func (Unsupported) CancelOrder(context.Context, CancelRequest) (bool, error) {
	return false, ErrUnsupported
}

func (Unsupported) ModifyOrder(context.Context, ModifyRequest) (OrderResult, error) {
	return OrderResult{}, ErrUnsupported
}

func (Unsupported) GetPositions(context.Context) ([]Position, error) {
	return nil, ErrUnsupported
}

func (Unsupported) GetPortfolio(context.Context) (Portfolio, error) {
	return Portfolio{}, ErrUnsupported
}

func (Unsupported) GetMarketData(context.Context, []string) ([]MarketData, error) {
	return nil, ErrUnsupported
}

func (Unsupported) TransferFunds(context.Context, TransferRequest) (TransferResult, error) {
	return TransferResult{}, ErrUnsupported
}

// Dispatch invokes the provider method matching op. payload must be the typed
// request for op (see DecodePayload); read-only operations ignore it except
// get_market_data which takes a MarketDataRequest.
func Dispatch(ctx context.Context, p Provider, op Operation, payload any) (any, error) {
	switch op {
	case OpPlaceOrder:
		req, ok := payload.(OrderRequest)
		if !ok {
			return nil, payloadError(op, payload)
		}
		return p.PlaceOrder(ctx, req)
	case OpCancelOrder:
		req, ok := payload.(CancelRequest)
		if !ok {
			return nil, payloadError(op, payload)
		}
		ok, err := p.CancelOrder(ctx, req)
		return CancelResult{Cancelled: ok}, err
	case OpModifyOrder:
		req, ok := payload.(ModifyRequest)
		if !ok {
			return nil, payloadError(op, payload)
		}
		return p.ModifyOrder(ctx, req)
	case OpGetPositions:
		return p.GetPositions(ctx)
	case OpGetPortfolio:
		return p.GetPortfolio(ctx)
	case OpGetMarketData:
		req, ok := payload.(MarketDataRequest)
		if !ok {
			return nil, payloadError(op, payload)
		}
		return p.GetMarketData(ctx, req.Symbols)
	case OpTransferFunds:
		req, ok := payload.(TransferRequest)
		if !ok {
			return nil, payloadError(op, payload)
		}
		return p.TransferFunds(ctx, req)
	case OpAuthenticate:
		creds, ok := payload.(Credentials)
		if !ok {
			return nil, payloadError(op, payload)
		}
		ok, err := p.Authenticate(ctx, creds)
		return AuthResult{Authenticated: ok}, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
}

func payloadError(op Operation, payload any) error {
	return fmt.Errorf("%w: %s expects a different payload, got %T", ErrInvalidPayload, op, payload)
}

// Supports reports whether p declares op in its capability set.
func Supports(p Provider, op Operation) bool {
	for _, c := range p.Capabilities() {
		if c == op {
			return true
		}
	}
	return false
}
