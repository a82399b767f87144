package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"trading-router/internal/api"
	"trading-router/internal/events"
	"trading-router/internal/execution"
	"trading-router/internal/gateway"
	"trading-router/internal/mode"
	"trading-router/internal/monitor"
	"trading-router/internal/persistence"
	"trading-router/internal/reconciliation"
	"trading-router/internal/router"
	"trading-router/internal/simulation"
	"trading-router/pkg/cache"
	"trading-router/pkg/config"
	"trading-router/pkg/i18n"
)

var (
	serveAlertSeverity string
	serveAlertCooldown time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP execution API",
	Long: `Start the router: load providers, begin health probing, open the
audit log and serve the execution API until interrupted.

Examples:
  trading-router serve
  LOG_FORMAT=json AUDIT_BACKEND=postgres trading-router serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAlertSeverity, "alert-severity", monitor.SeverityWarning, "Lowest alert severity delivered to sinks (info|warning|critical)")
	serveCmd.Flags().DurationVar(&serveAlertCooldown, "alert-cooldown", 5*time.Minute, "Minimum gap between alerts with the same title")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf(i18n.Get("ConfigLoadFailed"), err)
	}
	log.Info().Msg(i18n.Get("Starting"))
	log.Info().Msgf(i18n.Get("ConfigLoaded"), cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	metrics := monitor.NewMetrics()

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	// Providers and routing
	file, err := loadProviders(cfg)
	if err != nil {
		return err
	}
	reg, limits, err := buildRegistry(file)
	if err != nil {
		return err
	}
	defer reg.Close()
	limiter, limiterCloser, err := buildLimiter(ctx, cfg, limits)
	if err != nil {
		return err
	}
	if limiterCloser != nil {
		defer limiterCloser.Close()
	}
	rt := router.New(reg, limiter, routerConfig(cfg, file.Timeouts), metrics)

	history := persistence.NewBatchWriter(database.DB, 100, 2*time.Second)
	defer history.Close()
	health := gateway.NewMonitor(reg, gateway.MonitorConfig{Interval: cfg.HealthInterval}, history, bus)

	// Operator alerts subscribe before anything publishes.
	sinks := []monitor.AlertSink{monitor.LogSink{}}
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, monitor.NewWebhookSink(cfg.AlertWebhookURL))
	}
	mon := &monitor.Monitor{
		Bus:      bus,
		Metrics:  metrics,
		Sinks:    sinks,
		Throttle: monitor.NewThrottle(serveAlertSeverity, serveAlertCooldown),
	}
	mon.Start(ctx)

	health.Start(ctx)
	defer health.Stop()
	log.Info().Msgf(i18n.Get("HealthMonitorStarted"), health.Interval())

	// Mode contexts
	overrides, err := permissionOverrides(file.Permissions)
	if err != nil {
		return err
	}
	validator, err := mode.NewValidator(overrides)
	if err != nil {
		return err
	}
	issuer, err := mode.NewIssuer(mode.IssuerConfig{
		Secret:      cfg.ModeSigningSecret,
		TTL:         cfg.ModeTokenTTL,
		ProofMaxAge: cfg.ModeProofMaxAge,
		CacheTTL:    cfg.ModeCacheTTL,
	}, mode.NewSQLSessionStore(database.DB), bus)
	if err != nil {
		return err
	}

	// Paper trading
	engine := simulation.NewEngine(simulationConfig(cfg.Sim), rt, simulation.NewSQLStore(database.DB), cache.NewShardedPriceCache(), bus)
	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("load virtual accounts: %w", err)
	}

	auditLog, auditCloser, err := openAuditLog(ctx, cfg, database, bus)
	if err != nil {
		return err
	}
	defer auditCloser.Close()

	svc, err := execution.NewService(execution.Deps{
		Verifier: issuer,
		Perms:    validator,
		Paper:    engine,
		Live:     rt,
		Audit:    auditLog,
		Bus:      bus,
		Observer: metrics,
		Issuer:   issuer,
	})
	if err != nil {
		return err
	}

	recon := reconciliation.NewService(engine, auditLog, bus, cfg.ReconcileInterval)
	recon.Start(ctx)

	srv := api.NewServer(api.Options{
		Exec:      svc,
		Registry:  reg,
		Audit:     auditLog,
		Paper:     engine,
		HistoryDB: database.DB,
		Metrics:   metrics,
		Recon:     recon,
		Bus:       bus,
		Operators: cfg.Operators,
		JWTSecret: cfg.JWTSecret,
		Meta:      api.SystemMeta{Version: version, Node: issuer.Node()},
	})
	if len(cfg.Operators) == 0 {
		log.Warn().Msg("no OPERATORS configured; mode switches over HTTP are impossible")
	}

	log.Info().Str("node", issuer.Node()).Msgf(i18n.Get("ServerListening"), cfg.Port)
	if err := srv.Run(ctx, ":"+cfg.Port); err != nil {
		return fmt.Errorf(i18n.Get("APIServerError"), err)
	}

	log.Info().Msg(i18n.Get("ShuttingDown"))
	stop()
	mon.Wait()
	return nil
}

func simulationConfig(c config.SimConfig) simulation.Config {
	sc := simulation.DefaultConfig()
	sc.InitialFunding = decimal.NewFromFloat(c.InitialFunding)
	sc.Slippage = decimal.NewFromFloat(c.Slippage)
	sc.PartialFillProbability = c.PartialFillProbability
	sc.LatencyMin = c.LatencyMin
	sc.LatencyMax = c.LatencyMax
	sc.FeeRate = decimal.NewFromFloat(c.FeeRate)
	return sc
}
