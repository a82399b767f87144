package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"trading-router/pkg/config"
	"trading-router/pkg/i18n"
)

var version = "v0.1.0-dev"

// rootCmd is the base command for the router CLI
var rootCmd = &cobra.Command{
	Use:   "trading-router",
	Short: "Mode-aware multi-broker order router",
	Long: `trading-router executes trading operations under a PAPER, LIVE or
MAINTENANCE mode context. PAPER orders settle on a virtual ledger, LIVE
operations are routed across broker integrations with failover, and every
call lands in a hash-chained audit log.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and sets up logging and localization.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	i18n.SetLanguage(i18n.Language(cfg.Language))
	return cfg, nil
}

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
