package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"github.com/emperorhan/deposit-reconciler/internal/scanner"
	"github.com/spf13/cobra"
)

type scanOptions struct {
	*rootOptions
	DryRun bool
}

func newScanCommand(root *rootOptions) *cobra.Command {
	opts := &scanOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "scan <order-id>",
		Short: "Scan one order now and print the result as JSON",
		Long: `Run a single reconciliation for an order without going through the queue.

With --dry-run no credit is issued; each candidate reports the amount it
would be credited with.

Examples:
  reconciler scan 8f14e45f
  reconciler scan 8f14e45f --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			run := a.scanner.ScanOrder
			if opts.DryRun {
				run = a.scanner.Preview
			}
			result, scanErr := run(cmd.Context(), args[0])
			if err := writeScanResult(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			return scanExitError(result, scanErr)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "compute settlements without crediting")
	return cmd
}

func writeScanResult(w io.Writer, result *model.ScanResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode scan result: %w", err)
	}
	return nil
}

// scanExitError turns a Failed scan into a command error. Skipped scans
// exit cleanly.
func scanExitError(result *model.ScanResult, err error) error {
	if err == nil || errors.Is(err, scanner.ErrOrderNotFound) || errors.Is(err, scanner.ErrNoDepositAddress) {
		return nil
	}
	if result != nil && result.State != model.ScanStateFailed {
		return nil
	}
	return err
}
