// Package usdm adapts Binance USDⓈ-M futures to the provider interface.
package usdm

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	bncommon "github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"trading-router/pkg/exchanges/common"
)

const testnetURL = "https://testnet.binancefuture.com"

// Config holds futures credentials.
type Config struct {
	ID        string
	APIKey    string
	APISecret string
	Testnet   bool
	BaseURL   string
}

// Client wraps the go-binance futures client.
type Client struct {
	common.Unsupported

	id  string
	api *futures.Client
}

var _ common.Provider = (*Client)(nil)

func New(cfg Config) *Client {
	api := binance.NewFuturesClient(cfg.APIKey, cfg.APISecret)
	switch {
	case cfg.BaseURL != "":
		api.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	case cfg.Testnet:
		api.BaseURL = testnetURL
	}
	id := cfg.ID
	if id == "" {
		id = "binance-usdm"
	}
	return &Client{id: id, api: api}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Capabilities() []common.Operation {
	return []common.Operation{
		common.OpPlaceOrder,
		common.OpCancelOrder,
		common.OpGetPositions,
		common.OpGetPortfolio,
		common.OpGetMarketData,
	}
}

func (c *Client) HealthPing(ctx context.Context) error {
	return c.classify(c.api.NewPingService().Do(ctx))
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	side := futures.SideTypeBuy
	if req.Side == common.SideSell {
		side = futures.SideTypeSell
	}
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Quantity(formatFloat(req.Qty)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.Type == common.OrderTypeLimit {
		tif := futures.TimeInForceTypeGTC
		if req.TimeInForce != "" {
			tif = futures.TimeInForceType(req.TimeInForce)
		}
		svc = svc.Type(futures.OrderTypeLimit).TimeInForce(tif).Price(formatFloat(req.Price))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return common.OrderResult{}, c.classify(err)
	}
	return common.OrderResult{
		OrderID:   strconv.FormatInt(res.OrderID, 10),
		ClientID:  res.ClientOrderID,
		Symbol:    res.Symbol,
		Status:    mapStatus(res.Status),
		FilledQty: parseFloat(res.ExecutedQuantity),
		AvgPrice:  parseFloat(res.AvgPrice),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, req common.CancelRequest) (bool, error) {
	svc := c.api.NewCancelOrderService().Symbol(req.Symbol)
	if req.OrderID != "" {
		id, err := strconv.ParseInt(req.OrderID, 10, 64)
		if err != nil {
			return false, common.NewProviderError(c.id, common.KindRejected, err)
		}
		svc = svc.OrderID(id)
	}
	if req.ClientID != "" {
		svc = svc.OrigClientOrderID(req.ClientID)
	}
	if _, err := svc.Do(ctx); err != nil {
		return false, c.classify(err)
	}
	return true, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	risks, err := c.api.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.classify(err)
	}
	var out []common.Position
	for _, p := range risks {
		qty := parseFloat(p.PositionAmt)
		if qty == 0 {
			continue
		}
		out = append(out, common.Position{
			Symbol:        p.Symbol,
			Qty:           qty,
			AvgPrice:      parseFloat(p.EntryPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnL: parseFloat(p.UnRealizedProfit),
		})
	}
	return out, nil
}

func (c *Client) GetPortfolio(ctx context.Context) (common.Portfolio, error) {
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return common.Portfolio{}, c.classify(err)
	}
	p := common.Portfolio{
		Currency: "USDT",
		Cash:     parseFloat(acct.TotalWalletBalance),
		Equity:   parseFloat(acct.TotalMarginBalance),
	}
	for _, a := range acct.Assets {
		if a.Asset == "USDT" {
			p.Cash = parseFloat(a.WalletBalance)
		}
	}
	return p, nil
}

func (c *Client) GetMarketData(ctx context.Context, symbols []string) ([]common.MarketData, error) {
	out := make([]common.MarketData, 0, len(symbols))
	for _, sym := range symbols {
		prices, err := c.api.NewListPricesService().Symbol(sym).Do(ctx)
		if err != nil {
			return nil, c.classify(err)
		}
		for _, p := range prices {
			out = append(out, common.MarketData{
				Symbol: p.Symbol,
				Price:  parseFloat(p.Price),
				Time:   time.Now().UTC(),
			})
		}
	}
	return out, nil
}

// Binance error codes that mean "slow down".
const (
	codeTooManyRequests = -1003
	codeTooManyOrders   = -1015
)

func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *bncommon.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeTooManyRequests, codeTooManyOrders:
			return common.NewProviderError(c.id, common.KindRateLimited, err)
		default:
			return common.NewProviderError(c.id, common.KindRejected, err)
		}
	}
	return common.NewProviderError(c.id, common.Classify(err), err)
}

func mapStatus(s futures.OrderStatusType) common.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return common.StatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return common.StatusPartial
	case futures.OrderStatusTypeFilled:
		return common.StatusFilled
	case futures.OrderStatusTypeCanceled:
		return common.StatusCanceled
	case futures.OrderStatusTypeRejected:
		return common.StatusRejected
	case futures.OrderStatusTypeExpired:
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
