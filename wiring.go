package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"trading-router/internal/audit"
	"trading-router/internal/events"
	"trading-router/internal/gateway"
	"trading-router/internal/mode"
	"trading-router/internal/ratelimit"
	"trading-router/internal/router"
	"trading-router/pkg/config"
	"trading-router/pkg/crypto"
	"trading-router/pkg/db"
	"trading-router/pkg/exchanges/common"
	"trading-router/pkg/i18n"
)

// openDatabase opens the SQLite file that holds sessions, the virtual
// ledger, health history and (by default) the audit trail.
func openDatabase(cfg *config.Config) (*db.Database, error) {
	log.Info().Msgf(i18n.Get("UsingDBPath"), cfg.DBPath)
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf(i18n.Get("DBInitFailed"), err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf(i18n.Get("DBMigrationsFailed"), err)
	}
	return database, nil
}

// openAuditLog builds the audit log on the configured backend. The returned
// closer releases the spool and, for postgres, the connection pool.
func openAuditLog(ctx context.Context, cfg *config.Config, database *db.Database, bus *events.Bus) (*audit.Log, io.Closer, error) {
	var (
		store   audit.Store
		closers multiCloser
	)
	switch cfg.AuditBackend {
	case "postgres":
		pg, err := audit.OpenPostgres(ctx, cfg.PostgresDSN, 5*time.Second)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pg)
		store = pg
	default:
		store = audit.NewSQLiteStore(database.DB)
	}

	var spool *audit.Spool
	if cfg.AuditSpoolPath != "" {
		s, err := audit.OpenSpool(cfg.AuditSpoolPath)
		if err != nil {
			log.Warn().Msgf(i18n.Get("AuditSpoolFailed"), err)
		} else {
			log.Info().Msgf(i18n.Get("AuditSpoolEnabled"), cfg.AuditSpoolPath)
			spool = s
			closers = append(closers, s)
		}
	}

	l, err := audit.NewLog(ctx, store, spool, bus)
	if err != nil {
		closers.Close()
		return nil, nil, err
	}
	return l, closers, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// loadProviders reads the providers file, decrypting ENC[vN]: credentials
// with the master keys when any are set.
func loadProviders(cfg *config.Config) (*config.ProvidersFile, error) {
	var dec config.Decrypter
	km, err := crypto.NewKeyManager()
	switch {
	case err == nil:
		dec = km
	case errors.Is(err, crypto.ErrKeyNotFound):
	default:
		return nil, err
	}
	return config.LoadProviders(cfg.ProvidersFile, dec)
}

// buildLimiter picks the rate-limit backend. The redis client is returned
// so the caller can close it.
func buildLimiter(ctx context.Context, cfg *config.Config, limits map[ratelimit.Key]ratelimit.Limit) (ratelimit.Limiter, io.Closer, error) {
	if cfg.RateLimitBackend != "redis" {
		l, err := ratelimit.NewMemory(limits)
		return l, nil, err
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Keep going: the limiter denies while redis is down.
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable at startup")
	}
	l, err := ratelimit.NewRedis(client, cfg.RedisPrefix, limits)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return l, client, nil
}

// permissionOverrides converts the file's operation -> modes map.
func permissionOverrides(raw map[string][]string) (map[common.Operation][]mode.Mode, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[common.Operation][]mode.Mode, len(raw))
	for name, modes := range raw {
		op := common.Operation(strings.ToLower(strings.TrimSpace(name)))
		if !op.Known() {
			return nil, fmt.Errorf("permissions: %w: %q", common.ErrUnknownOperation, name)
		}
		list := make([]mode.Mode, 0, len(modes))
		for _, s := range modes {
			m, ok := mode.Parse(s)
			if !ok {
				return nil, fmt.Errorf("permissions: %s: unknown mode %q", name, s)
			}
			list = append(list, m)
		}
		out[op] = list
	}
	return out, nil
}

func routerConfig(cfg *config.Config, t config.Timeouts) router.Config {
	return router.Config{
		MaxAttempts: cfg.RouterMaxAttempts,
		Timeouts: map[common.Category]time.Duration{
			common.CategoryOrder:   t.Order,
			common.CategoryAccount: t.Account,
			common.CategoryMarket:  t.Market,
		},
	}
}

// buildRegistry turns the providers file into a registry and its budgets.
func buildRegistry(file *config.ProvidersFile) (*gateway.Registry, map[ratelimit.Key]ratelimit.Limit, error) {
	reg, limits, err := gateway.Build(file.Providers, gateway.DefaultFactory)
	if err != nil {
		return nil, nil, err
	}
	if reg.Len() == 0 {
		log.Warn().Msg(i18n.Get("NoProviders"))
	} else {
		log.Info().Msgf(i18n.Get("ProvidersLoaded"), reg.Len())
	}
	return reg, limits, nil
}
