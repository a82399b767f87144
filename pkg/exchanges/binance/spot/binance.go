package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"trading-router/pkg/exchanges/common"
)

var errMissingCredentials = errors.New("binance: API key/secret required")

// Config holds Binance spot credentials and endpoint options.
type Config struct {
	ID         string
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string // overrides the Testnet switch when set
	RecvWindow int64  // ms
	QuoteAsset string // asset used as cash in GetPortfolio, default USDT
	// RequestsPerSecond paces outbound calls before the venue has to push back.
	RequestsPerSecond float64
}

// Client is a Binance spot provider.
type Client struct {
	common.Unsupported

	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weight     *common.WeightGauge
	pacer      *rate.Limiter
}

var _ common.Provider = (*Client)(nil)

func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.ID == "" {
		cfg.ID = "binance-spot"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		weight:     common.NewWeightGauge(cfg.ID, 1200, time.Minute),
		pacer:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime)
	return c
}

func (c *Client) ID() string { return c.cfg.ID }

func (c *Client) Capabilities() []common.Operation {
	return []common.Operation{
		common.OpPlaceOrder,
		common.OpCancelOrder,
		common.OpGetPositions,
		common.OpGetPortfolio,
		common.OpGetMarketData,
		common.OpTransferFunds,
		common.OpAuthenticate,
	}
}

// HealthPing hits the unauthenticated connectivity endpoint.
func (c *Client) HealthPing(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/v3/ping", nil, false)
	return err
}

// Authenticate checks the given credentials against the account endpoint.
// A venue rejection is a false result, not an error.
func (c *Client) Authenticate(ctx context.Context, creds common.Credentials) (bool, error) {
	probe := *c
	probe.cfg.APIKey = creds.APIKey
	probe.cfg.APISecret = creds.APISecret
	if _, err := probe.GetAccountInfo(ctx); err != nil {
		if common.Classify(err) == common.KindRejected {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeMarket
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", string(ordType))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("newOrderRespType", "RESULT")
	if ordType == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", string(toBinanceTIF(req.TimeInForce)))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, c.wrap(common.KindTransport, fmt.Errorf("decode order response: %w", err))
	}
	res := common.OrderResult{
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
		ClientID: resp.ClientOrderID,
		Symbol:   resp.Symbol,
		Status:   mapStatus(resp.Status),
	}
	res.FilledQty, _ = strconv.ParseFloat(resp.ExecutedQty, 64)
	if quote, _ := strconv.ParseFloat(resp.CummulativeQuoteQty, 64); res.FilledQty > 0 {
		res.AvgPrice = quote / res.FilledQty
	}
	return res, nil
}

func (c *Client) CancelOrder(ctx context.Context, req common.CancelRequest) (bool, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	if req.OrderID != "" {
		params.Set("orderId", req.OrderID)
	}
	if req.ClientID != "" {
		params.Set("origClientOrderId", req.ClientID)
	}
	if _, err := c.do(ctx, http.MethodDelete, "/api/v3/order", params, true); err != nil {
		return false, err
	}
	return true, nil
}

// GetPositions reports non-quote balances as positions. Spot has no average
// entry price so AvgPrice is zero.
func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return nil, err
	}
	var out []common.Position
	for _, b := range info.Balances {
		if b.Asset == c.cfg.QuoteAsset {
			continue
		}
		qty := parseFloat(b.Free) + parseFloat(b.Locked)
		if qty == 0 {
			continue
		}
		out = append(out, common.Position{Symbol: b.Asset + c.cfg.QuoteAsset, Qty: qty})
	}
	return out, nil
}

func (c *Client) GetPortfolio(ctx context.Context) (common.Portfolio, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return common.Portfolio{}, err
	}
	p := common.Portfolio{Currency: c.cfg.QuoteAsset}
	for _, b := range info.Balances {
		if b.Asset == c.cfg.QuoteAsset {
			p.Cash = parseFloat(b.Free) + parseFloat(b.Locked)
		}
	}
	p.Equity = p.Cash
	return p, nil
}

func (c *Client) GetMarketData(ctx context.Context, symbols []string) ([]common.MarketData, error) {
	out := make([]common.MarketData, 0, len(symbols))
	for _, sym := range symbols {
		params := url.Values{}
		params.Set("symbol", sym)
		body, err := c.do(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", params, false)
		if err != nil {
			return nil, err
		}
		var t bookTicker
		if err := json.Unmarshal(body, &t); err != nil {
			return nil, c.wrap(common.KindTransport, fmt.Errorf("decode book ticker: %w", err))
		}
		bid, ask := parseFloat(t.BidPrice), parseFloat(t.AskPrice)
		out = append(out, common.MarketData{
			Symbol: t.Symbol,
			Bid:    bid,
			Ask:    ask,
			Price:  (bid + ask) / 2,
			Time:   time.Now().UTC(),
		})
	}
	return out, nil
}

// TransferFunds uses the universal transfer endpoint; From/To are wallet
// names such as MAIN or UMFUTURE.
func (c *Client) TransferFunds(ctx context.Context, req common.TransferRequest) (common.TransferResult, error) {
	params := url.Values{}
	params.Set("type", strings.ToUpper(req.From)+"_"+strings.ToUpper(req.To))
	params.Set("asset", req.Asset)
	params.Set("amount", formatFloat(req.Amount))
	body, err := c.do(ctx, http.MethodPost, "/sapi/v1/asset/transfer", params, true)
	if err != nil {
		return common.TransferResult{}, err
	}
	var resp struct {
		TranID int64 `json:"tranId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.TransferResult{}, c.wrap(common.KindTransport, fmt.Errorf("decode transfer: %w", err))
	}
	return common.TransferResult{TransferID: strconv.FormatInt(resp.TranID, 10), Status: "CONFIRMED"}, nil
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v3/time", nil, false)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// AccountInfo holds balances and permissions.
type AccountInfo struct {
	CanTrade   bool      `json:"canTrade"`
	UpdateTime int64     `json:"updateTime"`
	Balances   []Balance `json:"balances"`
}

// Balance represents an asset balance.
type Balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// GetAccountInfo returns account balances and basic flags.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, c.wrap(common.KindTransport, fmt.Errorf("decode account info: %w", err))
	}
	return &info, nil
}

// do paces, optionally signs, and performs the request. Failures come back
// as *common.ProviderError so the router can tell them apart.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if c.weight.Saturated() {
		pe := c.wrap(common.KindRateLimited, errors.New("venue weight near limit"))
		pe.RetryAfter = c.weight.RetryAfter()
		return nil, pe
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, c.wrap(common.Classify(err), err)
	}
	if params == nil {
		params = url.Values{}
	}
	if signed {
		if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
			return nil, c.wrap(common.KindRejected, errMissingCredentials)
		}
		if c.timeSync.Stale() {
			_ = c.timeSync.Sync(ctx)
		}
		params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		params.Set("signature", sign(params.Encode(), c.cfg.APISecret))
	}

	var (
		req     *http.Request
		err     error
		encoded = params.Encode()
		target  = c.baseURL + path
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		if encoded != "" {
			target += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, target, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, c.wrap(common.KindTransport, err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.wrap(common.Classify(err), err)
	}
	defer res.Body.Close()

	c.weight.Observe(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 300 {
		return body, nil
	}
	statusErr := fmt.Errorf("binance %s %s status %d: %s", method, path, res.StatusCode, string(body))
	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusTeapot:
		pe := c.wrap(common.KindRateLimited, statusErr)
		if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil {
			pe.RetryAfter = time.Duration(secs) * time.Second
		}
		return nil, pe
	case res.StatusCode >= 500:
		return nil, c.wrap(common.KindTransport, statusErr)
	default:
		return nil, c.wrap(common.KindRejected, statusErr)
	}
}

func (c *Client) wrap(kind common.ErrorKind, err error) *common.ProviderError {
	return common.NewProviderError(c.cfg.ID, kind, err)
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

type bookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func toBinanceTIF(tif common.TimeInForce) common.TimeInForce {
	if tif == "" {
		return common.TIFGTC
	}
	return tif
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
