package gateway

import (
	"fmt"
	"strings"

	"trading-router/internal/ratelimit"
	"trading-router/pkg/config"
	"trading-router/pkg/exchanges/binance/spot"
	"trading-router/pkg/exchanges/binance/usdm"
	"trading-router/pkg/exchanges/common"
	"trading-router/pkg/exchanges/mock"
	"trading-router/pkg/exchanges/sidecar"
)

// Factory builds a provider adapter from its configuration entry.
type Factory func(pc config.ProviderConfig) (common.Provider, error)

// DefaultFactory creates adapters based on provider type.
func DefaultFactory(pc config.ProviderConfig) (common.Provider, error) {
	switch pc.Type {
	case "binance-spot":
		return spot.New(spot.Config{
			ID:                pc.ID,
			APIKey:            pc.APIKey,
			APISecret:         pc.APISecret,
			Testnet:           pc.Testnet,
			BaseURL:           pc.Endpoint,
			RequestsPerSecond: pc.RequestsPerSecond,
		}), nil

	case "binance-usdm":
		return usdm.New(usdm.Config{
			ID:        pc.ID,
			APIKey:    pc.APIKey,
			APISecret: pc.APISecret,
			Testnet:   pc.Testnet,
			BaseURL:   pc.Endpoint,
		}), nil

	case "sidecar":
		caps, err := parseOperations(pc.Capabilities)
		if err != nil {
			return nil, err
		}
		return sidecar.New(sidecar.Config{
			ID:             pc.ID,
			BaseURL:        pc.Endpoint,
			Token:          pc.Token,
			Capabilities:   caps,
			HealthGRPCAddr: pc.HealthGRPC,
		}), nil

	case "mock":
		return mock.New(mock.Config{
			ID:         pc.ID,
			StartPrice: pc.Mock.StartPrice,
			Step:       pc.Mock.Step,
			FailRate:   pc.Mock.FailRate,
			Seed:       pc.Mock.Seed,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", pc.Type)
	}
}

// Build turns the providers file into records plus their rate-limit budgets.
func Build(pcs []config.ProviderConfig, factory Factory) (*Registry, map[ratelimit.Key]ratelimit.Limit, error) {
	if factory == nil {
		factory = DefaultFactory
	}

	limits := make(map[ratelimit.Key]ratelimit.Limit)
	records := make([]*Record, 0, len(pcs))
	for _, pc := range pcs {
		p, err := factory(pc)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}

		caps, err := parseOperations(pc.Capabilities)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		opPrio := make(map[common.Operation]int, len(pc.OperationPriority))
		for name, prio := range pc.OperationPriority {
			op := common.Operation(strings.ToLower(name))
			if !op.Known() {
				return nil, nil, fmt.Errorf("provider %s: operation_priority: %w: %q", pc.ID, common.ErrUnknownOperation, name)
			}
			opPrio[op] = prio
		}

		rec, err := NewRecord(p, RecordConfig{
			Capabilities:      caps,
			Priority:          pc.Priority,
			OperationPriority: opPrio,
		})
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)

		for cat, lc := range pc.Limits {
			c := common.Category(strings.ToLower(cat))
			switch c {
			case common.CategoryOrder, common.CategoryAccount, common.CategoryMarket:
			default:
				return nil, nil, fmt.Errorf("provider %s: unknown limit category %q", pc.ID, cat)
			}
			l := ratelimit.Limit{Requests: lc.Requests, Window: lc.Window, Kind: ratelimit.WindowKind(strings.ToLower(lc.Kind))}
			if err := l.Validate(); err != nil {
				return nil, nil, fmt.Errorf("provider %s: %w", pc.ID, err)
			}
			limits[ratelimit.Key{Provider: pc.ID, Category: c}] = l
		}
	}

	reg, err := NewRegistry(records...)
	if err != nil {
		return nil, nil, err
	}
	return reg, limits, nil
}

func parseOperations(names []string) ([]common.Operation, error) {
	ops := make([]common.Operation, 0, len(names))
	for _, n := range names {
		op := common.Operation(strings.ToLower(strings.TrimSpace(n)))
		if !op.Known() {
			return nil, fmt.Errorf("%w: %q", common.ErrUnknownOperation, n)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
