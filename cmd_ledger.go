package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trading-router/internal/simulation"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Maintain virtual paper-trading accounts",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <account>",
	Short: "Print a virtual account",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

var ledgerClearFaultCmd = &cobra.Command{
	Use:   "clear-fault <account>",
	Short: "Lift a ledger reconciliation fault after repair",
	Long: `A frozen paper account stays frozen until an operator repairs the
stored books and clears the fault. clear-fault re-reads the account and
refuses when cash and positions still disagree with the fill history.

Run it while the server is stopped; the server holds its own copy of the
account in memory.`,
	Args: cobra.ExactArgs(1),
	RunE: runLedgerClearFault,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerShowCmd, ledgerClearFaultCmd)
}

func openEngine(ctx context.Context) (*simulation.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	engine := simulation.NewEngine(simulationConfig(cfg.Sim), nil, simulation.NewSQLStore(database.DB), nil, nil)
	if err := engine.Load(ctx); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("load virtual accounts: %w", err)
	}
	return engine, func() { database.Close() }, nil
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	engine, closeFn, err := openEngine(context.Background())
	if err != nil {
		return err
	}
	defer closeFn()

	snap, ok := engine.Snapshot(args[0])
	if !ok {
		return simulation.ErrAccountNotFound
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func runLedgerClearFault(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	engine, closeFn, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := engine.ClearFault(ctx, args[0]); err != nil {
		return fmt.Errorf("clear fault on %s: %w", args[0], err)
	}
	fmt.Printf("fault cleared on %s\n", args[0])
	return nil
}
