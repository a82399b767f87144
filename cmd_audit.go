package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trading-router/internal/audit"
)

var auditReplay bool

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Walk the checksum chain and report the first break",
	Long: `Verify recomputes every record checksum and checks each link to its
predecessor. The command exits non-zero when the chain is broken.

Examples:
  trading-router audit verify
  trading-router audit verify --replay   # commit spooled records first`,
	RunE: runAuditVerify,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditVerifyCmd.Flags().BoolVar(&auditReplay, "replay", false, "Replay spooled records before verifying")
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	auditLog, closer, err := openAuditLog(ctx, cfg, database, nil)
	if err != nil {
		return err
	}
	defer closer.Close()

	if auditReplay {
		n, err := auditLog.Replay(ctx)
		if err != nil {
			return fmt.Errorf("replay spool: %w", err)
		}
		fmt.Fprintf(os.Stderr, "replayed %d spooled records\n", n)
	}

	rep, verr := auditLog.Verify(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if errors.Is(verr, audit.ErrChainBroken) {
		return fmt.Errorf("audit chain broken at seq %d: %s", rep.BrokenAt, rep.Reason)
	}
	return verr
}
