package main

import (
	"fmt"
	"strings"

	"github.com/emperorhan/deposit-reconciler/internal/config"
	"github.com/spf13/cobra"
)

func newEnqueueCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <order-id>...",
		Short: "Push order ids onto the configured scan queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.cfg.Queue.Backend == config.QueueBackendMemory {
				return fmt.Errorf("enqueue needs a shared queue backend, QUEUE_BACKEND is %q", root.cfg.Queue.Backend)
			}
			tq, err := buildQueue(cmd.Context(), root.cfg, root.logger)
			if err != nil {
				return err
			}
			defer tq.close()

			for _, raw := range args {
				id := strings.TrimSpace(raw)
				if id == "" {
					continue
				}
				if err := tq.enqueuer.Enqueue(cmd.Context(), id); err != nil {
					return fmt.Errorf("enqueue %s: %w", id, err)
				}
				root.logger.Info("scan enqueued", "order_id", id, "backend", tq.backend)
			}
			return nil
		},
	}
}
