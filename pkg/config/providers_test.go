package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-router/pkg/crypto"
)

const sampleProviders = `
providers:
  - id: primary
    type: binance-spot
    testnet: true
    api_key: plain-key
    api_secret: '%s'
    priority: 1
    capabilities: [place_order, cancel_order, get_market_data]
    limits:
      order: {requests: 10, window: 1s}
      market: {requests: 1200, window: 1m, kind: sliding}
  - id: backup
    type: mock
    mock: {start_price: 52, seed: 7}
permissions:
  transfer_funds: [LIVE]
timeouts:
  order: 3s
`

func TestParseProvidersDecryptsAndDefaults(t *testing.T) {
	enc, err := crypto.NewEncryptor(bytes.Repeat([]byte{7}, crypto.KeySize), 1)
	require.NoError(t, err)
	secret, err := enc.Encrypt("s3cret")
	require.NoError(t, err)

	file, err := ParseProviders([]byte(fmt.Sprintf(sampleProviders, secret)), enc)
	require.NoError(t, err)
	require.Len(t, file.Providers, 2)

	p := file.Providers[0]
	assert.Equal(t, "s3cret", p.APISecret)
	assert.Equal(t, "plain-key", p.APIKey)
	assert.Equal(t, 10, p.Limits["order"].Requests)
	assert.Equal(t, time.Minute, p.Limits["market"].Window)
	assert.Equal(t, "sliding", p.Limits["market"].Kind)

	assert.Equal(t, 2, file.Providers[1].Priority, "priority defaults to position")
	assert.Equal(t, 52.0, file.Providers[1].Mock.StartPrice)

	assert.Equal(t, 3*time.Second, file.Timeouts.Order)
	assert.Equal(t, 10*time.Second, file.Timeouts.Account)
	assert.Equal(t, 8*time.Second, file.Timeouts.Market)
	assert.Equal(t, []string{"LIVE"}, file.Permissions["transfer_funds"])
}

func TestParseProvidersRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "providers:\n  - type: mock\n"},
		{"missing type", "providers:\n  - id: a\n"},
		{"duplicate id", "providers:\n  - {id: a, type: mock}\n  - {id: a, type: mock}\n"},
		{"bad limit", "providers:\n  - id: a\n    type: mock\n    limits:\n      order: {requests: 0, window: 1s}\n"},
		{"bad yaml", "providers: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProviders([]byte(tt.yaml), nil)
			assert.Error(t, err)
		})
	}
}

func TestEncryptedValueWithoutKey(t *testing.T) {
	_, err := ParseProviders([]byte("providers:\n  - {id: a, type: mock, api_key: 'ENC[v1]:abc'}\n"), nil)
	assert.ErrorIs(t, err, ErrNoDecrypter)
}

func TestLoadProvidersMissingFile(t *testing.T) {
	file, err := LoadProviders(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.NoError(t, err)
	assert.Empty(t, file.Providers)
	assert.Equal(t, DefaultTimeouts(), file.Timeouts)
}

func TestLoadProvidersFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  - {id: a, type: mock}\n"), 0o600))

	file, err := LoadProviders(path, nil)
	require.NoError(t, err)
	require.Len(t, file.Providers, 1)
	assert.Equal(t, "mock", file.Providers[0].Type)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("HEALTH_INTERVAL", "20")
	t.Setenv("SIM_SLIPPAGE", "0.002")
	t.Setenv("AUDIT_BACKEND", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.HealthInterval)
	assert.Equal(t, 0.002, cfg.Sim.Slippage)

	t.Setenv("AUDIT_BACKEND", "postgres")
	t.Setenv("POSTGRES_DSN", "")
	_, err = Load()
	assert.Error(t, err)
}

func TestParseOperators(t *testing.T) {
	ops := parseOperators(" alice:$2a$10$abc , bob:, :x,carol:$2a$10$def")
	assert.Equal(t, map[string]string{"alice": "$2a$10$abc", "carol": "$2a$10$def"}, ops)
	assert.Empty(t, parseOperators(""))
}

func TestShippedProvidersFileParses(t *testing.T) {
	f, err := LoadProviders(filepath.Join("..", "..", "configs", "providers.yaml"), nil)
	require.NoError(t, err)
	require.Len(t, f.Providers, 4)
	assert.Equal(t, "sidecar", f.Providers[2].Type)
	assert.Equal(t, 5*time.Second, f.Timeouts.Order)
	assert.Equal(t, 1200, f.Providers[0].Limits["market"].Requests)
}
