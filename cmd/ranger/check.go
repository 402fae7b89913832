package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/repo-ranger/internal/prompt"
	"github.com/ashureev/repo-ranger/internal/sandbox"
	"github.com/ashureev/repo-ranger/internal/store"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration, the sandbox root and the instructions file",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "config: ok (backend=%s)\n", cfg.AgentBackend)

	root, err := sandbox.CheckRoot(cfg.SandboxRoot)
	if err != nil {
		return fmt.Errorf("sandbox root: %w", err)
	}
	fmt.Fprintf(out, "sandbox root: ok (%s)\n", root)

	if _, err := prompt.LoadInstructions(cfg.InstructionsPath); err != nil {
		return err
	}
	fmt.Fprintln(out, "instructions: ok")

	if cfg.AuditDBPath != "" {
		ledger, err := store.NewSQLiteAudit(cfg.AuditDBPath)
		if err != nil {
			return err
		}
		defer func() { _ = ledger.Close() }()
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := ledger.Ping(ctx); err != nil {
			return fmt.Errorf("audit db: %w", err)
		}
		fmt.Fprintln(out, "audit db: ok")
	}
	return nil
}
