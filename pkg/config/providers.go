package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig is one broker integration entry in the providers file.
type ProviderConfig struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"` // binance-spot, binance-usdm, sidecar, mock
	Endpoint string `yaml:"endpoint"`
	Testnet  bool   `yaml:"testnet"`

	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Token     string `yaml:"token"`

	// HealthGRPC points the sidecar probe at a grpc.health.v1 endpoint.
	HealthGRPC string `yaml:"health_grpc"`

	Priority          int            `yaml:"priority"`
	OperationPriority map[string]int `yaml:"operation_priority"`
	Capabilities      []string       `yaml:"capabilities"`

	// Limits is keyed by category: order, account, market.
	Limits map[string]LimitConfig `yaml:"limits"`

	RequestsPerSecond float64    `yaml:"requests_per_second"`
	Mock              MockConfig `yaml:"mock"`
}

// LimitConfig is a request budget.
type LimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Kind     string        `yaml:"kind"` // fixed (default) or sliding
}

// MockConfig tunes the synthetic venue.
type MockConfig struct {
	StartPrice float64 `yaml:"start_price"`
	Step       float64 `yaml:"step"`
	FailRate   float64 `yaml:"fail_rate"`
	Seed       int64   `yaml:"seed"`
}

// Timeouts bound provider calls per operation category.
type Timeouts struct {
	Order   time.Duration `yaml:"order"`
	Account time.Duration `yaml:"account"`
	Market  time.Duration `yaml:"market"`
}

// ProvidersFile is the top-level YAML structure.
type ProvidersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
	// Permissions narrows the mode table: operation -> modes that keep access.
	Permissions map[string][]string `yaml:"permissions"`
	Timeouts    Timeouts            `yaml:"timeouts"`
}

// Decrypter opens ENC[vN]: credential values.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// ErrNoDecrypter is returned when the file holds encrypted values but no key is loaded.
var ErrNoDecrypter = errors.New("encrypted credential found but no encryption key is configured")

// DefaultTimeouts are the per-category call bounds used when the file leaves them unset.
func DefaultTimeouts() Timeouts {
	return Timeouts{Order: 5 * time.Second, Account: 10 * time.Second, Market: 8 * time.Second}
}

// LoadProviders reads and validates the providers file. A missing file at
// the default location yields an empty set so PAPER-only deployments start.
func LoadProviders(path string, dec Decrypter) (*ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f := &ProvidersFile{Timeouts: DefaultTimeouts()}
			return f, nil
		}
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	return ParseProviders(data, dec)
}

// ParseProviders decodes YAML bytes, fills defaults and decrypts credentials.
func ParseProviders(data []byte, dec Decrypter) (*ProvidersFile, error) {
	var file ProvidersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	def := DefaultTimeouts()
	if file.Timeouts.Order <= 0 {
		file.Timeouts.Order = def.Order
	}
	if file.Timeouts.Account <= 0 {
		file.Timeouts.Account = def.Account
	}
	if file.Timeouts.Market <= 0 {
		file.Timeouts.Market = def.Market
	}

	seen := make(map[string]struct{}, len(file.Providers))
	for i := range file.Providers {
		p := &file.Providers[i]
		p.ID = strings.TrimSpace(p.ID)
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		if p.ID == "" {
			return nil, fmt.Errorf("provider #%d: id is required", i+1)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Type == "" {
			return nil, fmt.Errorf("provider %s: type is required", p.ID)
		}
		if p.Priority <= 0 {
			p.Priority = i + 1
		}
		for cat, l := range p.Limits {
			if l.Requests <= 0 || l.Window <= 0 {
				return nil, fmt.Errorf("provider %s: limit %s needs positive requests and window", p.ID, cat)
			}
		}

		for _, field := range []*string{&p.APIKey, &p.APISecret, &p.Token} {
			plain, err := decryptValue(*field, dec)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", p.ID, err)
			}
			*field = plain
		}
	}

	return &file, nil
}

// IsEncrypted reports whether v carries the ENC[vN]: prefix.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, "ENC[v")
}

func decryptValue(v string, dec Decrypter) (string, error) {
	if !IsEncrypted(v) {
		return v, nil
	}
	if dec == nil {
		return "", ErrNoDecrypter
	}
	plain, err := dec.Decrypt(v)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return plain, nil
}
