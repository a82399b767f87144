// Package sidecar is a provider that forwards operations to a local bridge
// process fronting a broker SDK we do not link directly.
//
// The bridge contract is JSON over HTTP:
//
//	POST {base}/v1/{operation}   body: typed payload, response: typed result
//	GET  {base}/health           2xx when the upstream broker is reachable
//
// When HealthGRPCAddr is set the probe uses the standard gRPC health service
// instead of the HTTP endpoint.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"trading-router/pkg/exchanges/common"
)

// Config describes one bridge.
type Config struct {
	ID             string
	BaseURL        string
	Token          string // sent as Bearer when set
	Capabilities   []common.Operation
	HealthGRPCAddr string
	HealthService  string
	Timeout        time.Duration
}

// Bridge implements common.Provider against a sidecar.
type Bridge struct {
	cfg  Config
	base string
	hc   *http.Client

	connMu sync.Mutex
	conn   *grpc.ClientConn
}

var _ common.Provider = (*Bridge)(nil)

func New(cfg Config) *Bridge {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "http://127.0.0.1:8787"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = common.Operations()
	}
	return &Bridge{cfg: cfg, base: base, hc: &http.Client{Timeout: cfg.Timeout}}
}

func (b *Bridge) ID() string { return b.cfg.ID }

func (b *Bridge) Capabilities() []common.Operation { return b.cfg.Capabilities }

func (b *Bridge) Authenticate(ctx context.Context, creds common.Credentials) (bool, error) {
	var out common.AuthResult
	err := b.call(ctx, common.OpAuthenticate, creds, &out)
	return out.Authenticated, err
}

func (b *Bridge) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	var out common.OrderResult
	err := b.call(ctx, common.OpPlaceOrder, req, &out)
	return out, err
}

func (b *Bridge) CancelOrder(ctx context.Context, req common.CancelRequest) (bool, error) {
	var out common.CancelResult
	err := b.call(ctx, common.OpCancelOrder, req, &out)
	return out.Cancelled, err
}

func (b *Bridge) ModifyOrder(ctx context.Context, req common.ModifyRequest) (common.OrderResult, error) {
	var out common.OrderResult
	err := b.call(ctx, common.OpModifyOrder, req, &out)
	return out, err
}

func (b *Bridge) GetPositions(ctx context.Context) ([]common.Position, error) {
	var out []common.Position
	err := b.call(ctx, common.OpGetPositions, struct{}{}, &out)
	return out, err
}

func (b *Bridge) GetPortfolio(ctx context.Context) (common.Portfolio, error) {
	var out common.Portfolio
	err := b.call(ctx, common.OpGetPortfolio, struct{}{}, &out)
	return out, err
}

func (b *Bridge) GetMarketData(ctx context.Context, symbols []string) ([]common.MarketData, error) {
	var out []common.MarketData
	err := b.call(ctx, common.OpGetMarketData, common.MarketDataRequest{Symbols: symbols}, &out)
	return out, err
}

func (b *Bridge) TransferFunds(ctx context.Context, req common.TransferRequest) (common.TransferResult, error) {
	var out common.TransferResult
	err := b.call(ctx, common.OpTransferFunds, req, &out)
	return out, err
}

// HealthPing probes the bridge over gRPC health when configured, HTTP otherwise.
func (b *Bridge) HealthPing(ctx context.Context) error {
	if b.cfg.HealthGRPCAddr != "" {
		return b.grpcHealth(ctx)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/health", nil)
	if err != nil {
		return b.wrap(common.KindTransport, err)
	}
	res, err := b.hc.Do(req)
	if err != nil {
		return b.wrap(common.Classify(err), err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode >= 300 {
		return b.wrap(common.KindTransport, fmt.Errorf("health status %d", res.StatusCode))
	}
	return nil
}

// Close releases the gRPC connection if one was opened.
func (b *Bridge) Close() error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

func (b *Bridge) grpcHealth(ctx context.Context) error {
	b.connMu.Lock()
	if b.conn == nil {
		conn, err := grpc.NewClient(b.cfg.HealthGRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			b.connMu.Unlock()
			return b.wrap(common.KindTransport, err)
		}
		b.conn = conn
	}
	conn := b.conn
	b.connMu.Unlock()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: b.cfg.HealthService})
	if err != nil {
		return b.wrap(common.Classify(err), err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return b.wrap(common.KindTransport, fmt.Errorf("bridge status %s", resp.GetStatus()))
	}
	return nil
}

func (b *Bridge) call(ctx context.Context, op common.Operation, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return b.wrap(common.KindRejected, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/v1/"+string(op), bytes.NewReader(body))
	if err != nil {
		return b.wrap(common.KindTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "trading-router/sidecar")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	res, err := b.hc.Do(req)
	if err != nil {
		return b.wrap(common.Classify(err), err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)

	switch {
	case res.StatusCode == http.StatusNotImplemented:
		return b.wrap(common.KindRejected, common.ErrUnsupported)
	case res.StatusCode == http.StatusTooManyRequests:
		pe := b.wrap(common.KindRateLimited, fmt.Errorf("%s: %s", op, strings.TrimSpace(string(raw))))
		if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil {
			pe.RetryAfter = time.Duration(secs) * time.Second
		}
		return pe
	case res.StatusCode >= 500:
		return b.wrap(common.KindTransport, fmt.Errorf("%s %d: %s", op, res.StatusCode, strings.TrimSpace(string(raw))))
	case res.StatusCode >= 300:
		return b.wrap(common.KindRejected, fmt.Errorf("%s %d: %s", op, res.StatusCode, strings.TrimSpace(string(raw))))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return b.wrap(common.KindTransport, fmt.Errorf("decode %s: %w", op, err))
	}
	return nil
}

func (b *Bridge) wrap(kind common.ErrorKind, err error) *common.ProviderError {
	return common.NewProviderError(b.cfg.ID, kind, err)
}
