package sidecar

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"trading-router/pkg/exchanges/common"
)

func TestCallRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/place_order", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req common.OrderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(common.OrderResult{OrderID: "abc", ClientID: req.ClientID, Symbol: req.Symbol, Status: common.StatusNew})
	}))
	defer srv.Close()

	b := New(Config{ID: "bridge", BaseURL: srv.URL, Token: "tok"})
	res, err := b.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "ETHUSD", ClientID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.OrderID)
	assert.Equal(t, "r1", res.ClientID)
}

func TestStatusMapping(t *testing.T) {
	cases := map[int]common.ErrorKind{
		http.StatusTooManyRequests:     common.KindRateLimited,
		http.StatusUnprocessableEntity: common.KindRejected,
		http.StatusServiceUnavailable:  common.KindTransport,
		http.StatusNotImplemented:      common.KindRejected,
	}
	for status, want := range cases {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()
			_, err := New(Config{ID: "bridge", BaseURL: srv.URL}).GetPortfolio(context.Background())
			assert.Equal(t, want, common.Classify(err))
		})
	}
}

func TestGRPCHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	b := New(Config{ID: "bridge", HealthGRPCAddr: lis.Addr().String()})
	defer b.Close()

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	require.NoError(t, b.HealthPing(context.Background()))

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	assert.Error(t, b.HealthPing(context.Background()))
}
