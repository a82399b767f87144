package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"trading-router/internal/gateway"
)

var (
	probeTimeout time.Duration
	probeFormat  string
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage and test broker integrations",
}

var providersCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every configured provider once",
	Long: `Load the providers file, probe each integration with its cheapest
read-only call and print status, latency and capabilities.

Examples:
  trading-router providers check
  trading-router providers check --format=json --timeout=5s`,
	RunE: runProvidersCheck,
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersCheckCmd)
	providersCheckCmd.Flags().DurationVar(&probeTimeout, "timeout", 10*time.Second, "Timeout for the whole probe cycle")
	providersCheckCmd.Flags().StringVar(&probeFormat, "format", "table", "Output format: table, json")
}

func runProvidersCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	file, err := loadProviders(cfg)
	if err != nil {
		return err
	}
	reg, _, err := buildRegistry(file)
	if err != nil {
		return err
	}
	defer reg.Close()
	if reg.Len() == 0 {
		return fmt.Errorf("no providers in %s", cfg.ProvidersFile)
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	results := gateway.NewMonitor(reg, gateway.MonitorConfig{ProbeTimeout: probeTimeout}, nil, nil).CheckAll(ctx)

	if strings.ToLower(probeFormat) == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tSTATUS\tLATENCY\tCAPABILITIES\tERROR")
	unhealthy := 0
	for _, r := range results {
		rec, _ := reg.Get(r.ProviderID)
		caps := make([]string, 0)
		if rec != nil {
			for _, op := range rec.Capabilities() {
				caps = append(caps, string(op))
			}
		}
		if r.Status != gateway.StatusHealthy {
			unhealthy++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ProviderID, r.Status, r.Latency.Round(time.Millisecond), strings.Join(caps, ","), r.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if unhealthy > 0 {
		return fmt.Errorf("%d of %d providers unhealthy", unhealthy, len(results))
	}
	return nil
}
