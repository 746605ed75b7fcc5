package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/admin"
	"github.com/emperorhan/deposit-reconciler/internal/alert"
	"github.com/emperorhan/deposit-reconciler/internal/config"
	"github.com/emperorhan/deposit-reconciler/internal/queue"
	"github.com/emperorhan/deposit-reconciler/internal/store/postgres"
	"github.com/emperorhan/deposit-reconciler/internal/tracing"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume scan tasks from the queue and serve health, metrics and admin endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root)
		},
	}
}

func runServe(parent context.Context, root *rootOptions) error {
	cfg, logger := root.cfg, root.logger

	logger.Info("starting deposit-reconciler",
		"chain", cfg.Account.Chain,
		"network", cfg.Account.Network,
		"queue_backend", cfg.Queue.Backend,
		"ledger_backend", cfg.Ledger.Backend,
		"feed_url", cfg.Feed.BaseURL,
		"queue_workers", cfg.Queue.Workers,
		"scan_workers", cfg.Scan.Workers,
	)

	shutdownTracing, err := tracing.Init(parent, tracing.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Chain:       cfg.Account.Chain,
		Network:     cfg.Account.Network,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Endpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown close error", "error", err)
		}
	}()

	tq, err := buildQueue(parent, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize queue", "backend", cfg.Queue.Backend, "error", err)
		return err
	}
	defer func() {
		if err := tq.close(); err != nil {
			logger.Warn("queue close error", "error", err)
		}
	}()

	worker := queue.NewWorker(tq.source, a.scanner, queue.WorkerConfig{
		Backend:     tq.backend,
		Concurrency: workerConcurrency(cfg),
		OnUnhealthy: func(snap queue.HealthSnapshot) {
			sendWorkerUnhealthyAlert(a.alerter, cfg.Account.Chain, cfg.Account.Network, snap, logger)
		},
	}, logger)

	checks := []readinessCheck{{name: "database", check: a.db.Ping}}
	if tq.ping != nil {
		checks = append(checks, readinessCheck{name: "queue", check: tq.ping})
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTPServer(gCtx, "health", cfg.Server.HealthPort, newHealthHandler(checks, logger), logger)
	})

	if cfg.Admin.Enabled {
		rl := admin.NewRateLimitMiddleware(logger, cfg.Admin.RateLimitRPS, cfg.Admin.RateBurst)
		defer rl.Stop()
		opts := []admin.ServerOption{
			admin.WithHealthProvider(worker.Health()),
			admin.WithCacheStats(a.orders),
		}
		if cfg.Ledger.Backend == config.LedgerBackendPostgres {
			opts = append(opts, admin.WithCreditLister(postgres.NewCreditRepo(a.db)))
		}
		adminServer := admin.NewServer(a.scanner, tq.enqueuer, logger, opts...)
		handler := rl.Wrap(admin.AuditMiddleware(logger,
			admin.BasicAuthMiddleware(cfg.Admin.Username, cfg.Admin.Password, adminServer.Handler())))
		g.Go(func() error {
			return runHTTPServer(gCtx, "admin", cfg.Admin.Port, handler, logger)
		})
	}

	g.Go(func() error {
		a.db.ReportPoolStats(gCtx, time.Duration(cfg.DB.PoolStatsIntervalMS)*time.Millisecond)
		return nil
	})

	g.Go(func() error {
		return worker.Run(gCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("reconciler exited with error", "error", err)
		return err
	}

	logger.Info("reconciler shut down gracefully")
	return nil
}

func sendWorkerUnhealthyAlert(alerter alert.Alerter, chain, network string, snap queue.HealthSnapshot, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), alertSendTimeout)
	defer cancel()
	err := alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeWorkerUnhealthy,
		Chain:   chain,
		Network: network,
		Subject: snap.Backend,
		Title:   "Scan worker unhealthy",
		Message: fmt.Sprintf("%d consecutive scan tasks failed", snap.ConsecutiveFailures),
		Fields: map[string]string{
			"backend":              snap.Backend,
			"consecutive_failures": strconv.Itoa(snap.ConsecutiveFailures),
			"last_error":           snap.LastError,
		},
	})
	if err != nil {
		logger.Warn("worker unhealthy alert not sent", "error", err)
	}
}
