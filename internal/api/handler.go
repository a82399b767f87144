// Package api exposes the execution façade and operator tooling over HTTP.
package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trading-router/internal/audit"
	"trading-router/internal/events"
	"trading-router/internal/execution"
	"trading-router/internal/gateway"
	"trading-router/internal/monitor"
	"trading-router/internal/reconciliation"
	"trading-router/internal/simulation"
)

// AuditReader is the read side of the audit log.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Record, error)
	Verify(ctx context.Context) (audit.VerifyReport, error)
}

// PaperReader exposes virtual accounts for inspection.
type PaperReader interface {
	Snapshot(accountID string) (simulation.AccountSnapshot, bool)
	OpenOrders(accountID string) []simulation.Order
}

// Server wires HTTP endpoints around the execution service.
type Server struct {
	Router    *gin.Engine
	Exec      *execution.Service
	Registry  *gateway.Registry
	Audit     AuditReader
	Paper     PaperReader
	HistoryDB *sql.DB
	Metrics   *monitor.Metrics
	Recon     *reconciliation.Service
	Bus       *events.Bus
	Operators map[string]string
	JWTSecret string
	Meta      SystemMeta

	limiters *ipLimiters
}

// SystemMeta describes the running node.
type SystemMeta struct {
	Version string `json:"version"`
	Node    string `json:"node"`
}

// Options lists what NewServer wires. Metrics, Recon, HistoryDB and Bus are optional.
type Options struct {
	Exec      *execution.Service
	Registry  *gateway.Registry
	Audit     AuditReader
	Paper     PaperReader
	HistoryDB *sql.DB
	Metrics   *monitor.Metrics
	Recon     *reconciliation.Service
	Bus       *events.Bus
	Operators map[string]string
	JWTSecret string
	Meta      SystemMeta
	// RatePerSecond and Burst bound requests per client IP (default 20/50).
	RatePerSecond float64
	Burst         int
}

func NewServer(opts Options) *Server {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 50
	}

	r := gin.New()
	s := &Server{
		Router:    r,
		Exec:      opts.Exec,
		Registry:  opts.Registry,
		Audit:     opts.Audit,
		Paper:     opts.Paper,
		HistoryDB: opts.HistoryDB,
		Metrics:   opts.Metrics,
		Recon:     opts.Recon,
		Bus:       opts.Bus,
		Operators: opts.Operators,
		JWTSecret: opts.JWTSecret,
		Meta:      opts.Meta,
		limiters:  newIPLimiters(opts.RatePerSecond, opts.Burst),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware(s.limiters))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(30 * time.Second))
	{
		api.POST("/auth/login", s.login)

		// The mode context is the credential for execution.
		api.POST("/execute", s.execute)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/mode/switch", s.switchMode)
			protected.DELETE("/mode/sessions/:id", s.endSession)
			protected.GET("/providers", s.listProviders)
			protected.GET("/providers/:id/history", s.providerHistory)
			protected.GET("/audit", s.listAudit)
			protected.GET("/audit/verify", s.verifyAudit)
			protected.GET("/paper/accounts/:id", s.paperAccount)
			protected.GET("/reconciliation", s.lastReconciliation)
		}
	}

	ws := s.Router.Group("/ws")
	ws.Use(AuthMiddleware(s.JWTSecret))
	ws.GET("/audit", s.auditStream)
}

func (s *Server) health(c *gin.Context) {
	healthy, total := 0, 0
	if s.Registry != nil {
		for _, snap := range s.Registry.Snapshots() {
			total++
			if snap.Status == gateway.StatusHealthy {
				healthy++
			}
		}
	}
	body := gin.H{
		"status":            "ok",
		"version":           s.Meta.Version,
		"node":              s.Meta.Node,
		"providers_healthy": healthy,
		"providers_total":   total,
	}
	if s.Metrics != nil {
		body["metrics"] = s.Metrics.GetSnapshot()
	}
	c.JSON(http.StatusOK, body)
}

// Run serves on addr until ctx is cancelled, then drains for up to 10s.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = srv.Shutdown(shutdownCtx)
				cancel()
				return
			case now := <-ticker.C:
				s.limiters.sweep(10*time.Minute, now)
			}
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
