package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/alert"
	"github.com/emperorhan/deposit-reconciler/internal/circuitbreaker"
	"github.com/emperorhan/deposit-reconciler/internal/config"
	"github.com/emperorhan/deposit-reconciler/internal/credit"
	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"github.com/emperorhan/deposit-reconciler/internal/feed"
	"github.com/emperorhan/deposit-reconciler/internal/ledger"
	"github.com/emperorhan/deposit-reconciler/internal/queue"
	"github.com/emperorhan/deposit-reconciler/internal/scanner"
	"github.com/emperorhan/deposit-reconciler/internal/settlement"
	"github.com/emperorhan/deposit-reconciler/internal/store"
	kafkaqueue "github.com/emperorhan/deposit-reconciler/internal/store/kafka"
	"github.com/emperorhan/deposit-reconciler/internal/store/postgres"
	redisqueue "github.com/emperorhan/deposit-reconciler/internal/store/redis"
)

const alertSendTimeout = 10 * time.Second

// app holds the long-lived components shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *postgres.DB
	orders  *store.CachedOrderRepository
	alerter alert.Alerter
	scanner *scanner.Service

	closers []func() error
}

// Close releases resources in reverse construction order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// newApp connects the database and builds the scan pipeline.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	logger.Info("connected to database", "url", maskCredentials(cfg.DB.URL))

	a.orders = store.NewCachedOrderRepository(postgres.NewOrderRepo(db), cfg.Cache.OrderSize, cfg.Cache.OrderTTL)
	a.alerter = buildAlerter(cfg, logger)

	chain := model.Chain(cfg.Account.Chain)
	network := model.Network(cfg.Account.Network)

	feedClient, err := feed.NewClient(feed.Config{
		BaseURL:                 cfg.Feed.BaseURL,
		APIKey:                  cfg.Feed.APIKey,
		Timeout:                 cfg.Feed.Timeout,
		RPS:                     cfg.Feed.RPS,
		Burst:                   cfg.Feed.Burst,
		BreakerFailureThreshold: cfg.Feed.BreakerFailureThreshold,
		BreakerOpenTimeout:      cfg.Feed.BreakerOpenTimeout,
		OnBreakerStateChange:    feedBreakerAlert(a.alerter, chain, network, logger),
	}, logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create feed client: %w", err)
	}

	led, err := buildLedger(cfg, db, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if closer, ok := led.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	gasPolicy, err := settlement.ParseGasPolicy(cfg.Scan.GasPolicy)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.scanner = scanner.New(scanner.Config{
		Account:           cfg.Account.Address,
		AssetMethodID:     cfg.Account.AssetMethodID,
		Chain:             chain,
		Network:           network,
		MaxCandidates:     cfg.Scan.MaxCandidates,
		Workers:           cfg.Scan.Workers,
		Timeout:           cfg.Scan.Timeout,
		FailOnCreditError: cfg.Scan.FailOnCreditError,
	},
		a.orders,
		feedClient,
		credit.NewApplier(led, cfg.Ledger.Backend, logger),
		settlement.NewCalculator(gasPolicy),
		logger,
		scanner.WithAlerter(a.alerter),
	)

	logger.Info("scan pipeline ready",
		"chain", chain,
		"network", network,
		"account", cfg.Account.Address,
		"feed_provider", feedClient.Provider(),
		"ledger_backend", cfg.Ledger.Backend,
		"gas_policy", gasPolicy,
	)
	return a, nil
}

func openDB(cfg *config.Config) (*postgres.DB, error) {
	db, err := postgres.New(postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database %s: %w", maskCredentials(cfg.DB.URL), err)
	}
	return db, nil
}

func buildLedger(cfg *config.Config, db *postgres.DB, logger *slog.Logger) (credit.Ledger, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerBackendPostgres:
		return postgres.NewCreditRepo(db), nil
	case config.LedgerBackendGRPC:
		client, err := ledger.NewClient(ledger.Config{
			Addr:      cfg.Ledger.Addr,
			Timeout:   cfg.Ledger.Timeout,
			Insecure:  cfg.Ledger.Insecure,
			AuthToken: cfg.Ledger.AuthToken,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create ledger client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) *alert.MultiAlerter {
	channels := []alert.Alerter{alert.NewLogAlerter(logger)}
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}

// feedBreakerAlert raises FEED_FAILURE when the breaker opens and
// FEED_RECOVERY when it closes again. Alerts are sent off the request path.
func feedBreakerAlert(alerter alert.Alerter, chain model.Chain, network model.Network, logger *slog.Logger) func(string, circuitbreaker.State, circuitbreaker.State) {
	return func(provider string, from, to circuitbreaker.State) {
		var a alert.Alert
		switch {
		case to == circuitbreaker.StateOpen:
			a = alert.Alert{
				Type:    alert.AlertTypeFeedFailure,
				Title:   "Transaction feed unavailable",
				Message: fmt.Sprintf("circuit breaker for %s opened, scans fail fast", provider),
			}
		case to == circuitbreaker.StateClosed && from != circuitbreaker.StateClosed:
			a = alert.Alert{
				Type:    alert.AlertTypeFeedRecovery,
				Title:   "Transaction feed recovered",
				Message: fmt.Sprintf("circuit breaker for %s closed", provider),
			}
		default:
			return
		}
		a.Chain = chain.String()
		a.Network = network.String()
		a.Subject = provider
		a.Fields = map[string]string{"provider": provider, "from": from.String(), "to": to.String()}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), alertSendTimeout)
			defer cancel()
			if err := alerter.Send(ctx, a); err != nil {
				logger.Warn("feed breaker alert not sent", "provider", provider, "error", err)
			}
		}()
	}
}

// taskQueue bundles the configured backend.
type taskQueue struct {
	backend  string
	source   queue.TaskSource
	enqueuer queue.Enqueuer
	ping     func(context.Context) error
	close    func() error
}

func buildQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*taskQueue, error) {
	switch cfg.Queue.Backend {
	case config.QueueBackendMemory:
		src := queue.NewMemorySource(cfg.Queue.MemoryBuffer, cfg.Queue.MaxDeliveries)
		return &taskQueue{
			backend:  queue.BackendMemory,
			source:   src,
			enqueuer: src,
			close:    func() error { src.Close(); return nil },
		}, nil

	case config.QueueBackendRedis:
		client, err := redisqueue.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		q, err := redisqueue.NewStreamQueue(client, redisqueue.StreamConfig{
			Stream:            cfg.Queue.RedisStream,
			Group:             cfg.Queue.RedisGroup,
			Consumer:          cfg.Queue.RedisConsumer,
			DeadLetterStream:  cfg.Queue.DeadLetterStream,
			BlockTimeout:      cfg.Queue.BlockTimeout,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			MaxDeliveries:     cfg.Queue.MaxDeliveries,
		}, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := q.EnsureGroup(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		return &taskQueue{
			backend:  redisqueue.Backend,
			source:   q,
			enqueuer: q,
			ping:     q.Ping,
			close:    client.Close,
		}, nil

	case config.QueueBackendKafka:
		q, err := kafkaqueue.New(kafkaqueue.Config{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			GroupID:       cfg.Kafka.GroupID,
			DLQTopic:      cfg.Kafka.DLQTopic,
			MaxDeliveries: cfg.Queue.MaxDeliveries,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &taskQueue{
			backend:  kafkaqueue.Backend,
			source:   q,
			enqueuer: q,
			close:    q.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// workerConcurrency caps Kafka consumers at one loop: offsets commit in
// order per partition, so parallel loops could commit past an unfinished
// message.
func workerConcurrency(cfg *config.Config) int {
	if cfg.Queue.Backend == config.QueueBackendKafka {
		return 1
	}
	return cfg.Queue.Workers
}

// maskCredentials hides the userinfo part of a connection URL.
func maskCredentials(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	at := strings.LastIndex(raw, "@")
	scheme := u.Scheme + "://"
	if at < 0 || !strings.HasPrefix(raw, scheme) {
		return raw
	}
	return scheme + "***" + raw[at:]
}
