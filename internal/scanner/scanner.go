// Package scanner reconciles one order: it loads the order, fetches the
// transaction feed for its deposit address, selects the sweeps into the
// platform account and credits each one idempotently.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/alert"
	"github.com/emperorhan/deposit-reconciler/internal/credit"
	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"github.com/emperorhan/deposit-reconciler/internal/feed"
	"github.com/emperorhan/deposit-reconciler/internal/metrics"
	"github.com/emperorhan/deposit-reconciler/internal/retry"
	"github.com/emperorhan/deposit-reconciler/internal/settlement"
	"github.com/emperorhan/deposit-reconciler/internal/store"
	"github.com/emperorhan/deposit-reconciler/internal/sweep"
	"github.com/emperorhan/deposit-reconciler/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

//go:generate mockgen -source=scanner.go -destination=mocks/mock_feed.go -package=mocks

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrNoDepositAddress = errors.New("order has no deposit address")
)

const (
	defaultWorkers = 4
	defaultTimeout = 60 * time.Second
)

// FeedFetcher lists the transactions of one address, most recent first.
type FeedFetcher interface {
	Fetch(ctx context.Context, address string) ([]model.TransactionRecord, error)
}

type Config struct {
	// Account is the platform address deposits are swept into.
	Account       string
	AssetMethodID string
	Chain         model.Chain
	Network       model.Network
	// MaxCandidates bounds the sweeps processed per scan, at most
	// sweep.MaxCandidates.
	MaxCandidates int
	// Workers bounds concurrent candidate processing within one scan.
	Workers int
	// Timeout is the deadline applied to one whole scan.
	Timeout time.Duration
	// FailOnCreditError marks a scan Failed when any credit call errored,
	// so the queue redelivers the order.
	FailOnCreditError bool
}

type Service struct {
	cfg     Config
	orders  store.OrderRepository
	feed    FeedFetcher
	applier *credit.Applier
	calc    *settlement.Calculator
	alerter alert.Alerter
	logger  *slog.Logger
	nowFn   func() time.Time
}

// orderInvalidator is implemented by order repositories that cache.
type orderInvalidator interface {
	Invalidate(orderID string)
}

type Option func(*Service)

func WithAlerter(a alert.Alerter) Option {
	return func(s *Service) {
		if a != nil {
			s.alerter = a
		}
	}
}

func New(
	cfg Config,
	orders store.OrderRepository,
	fetcher FeedFetcher,
	applier *credit.Applier,
	calc *settlement.Calculator,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if cfg.MaxCandidates <= 0 || cfg.MaxCandidates > sweep.MaxCandidates {
		cfg.MaxCandidates = sweep.MaxCandidates
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if calc == nil {
		calc = settlement.NewCalculator(settlement.GasPolicyGasLimit)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:     cfg,
		orders:  orders,
		feed:    fetcher,
		applier: applier,
		calc:    calc,
		alerter: alert.NoopAlerter{},
		logger:  logger.With("component", "scanner", "chain", cfg.Chain, "network", cfg.Network),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handle implements queue.Handler. Skipped scans are acknowledged; Failed
// scans return an error so the task is released for redelivery.
func (s *Service) Handle(ctx context.Context, orderID string) error {
	if inv, ok := s.orders.(orderInvalidator); ok {
		inv.Invalidate(orderID)
	}
	_, err := s.ScanOrder(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrNoDepositAddress) {
		return nil
	}
	return err
}

// ScanOrder runs the full reconciliation for orderID. The returned result is
// never nil. The error is ErrOrderNotFound or ErrNoDepositAddress for a
// Skipped scan, and non-nil for every Failed scan.
func (s *Service) ScanOrder(ctx context.Context, orderID string) (*model.ScanResult, error) {
	return s.run(ctx, orderID, false)
}

// Preview runs the scan without the credit step. Candidates report the
// settlement they would be credited with.
func (s *Service) Preview(ctx context.Context, orderID string) (*model.ScanResult, error) {
	return s.run(ctx, orderID, true)
}

func (s *Service) run(ctx context.Context, orderID string, dryRun bool) (result *model.ScanResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	spanName := "scanner.ScanOrder"
	if dryRun {
		spanName = "scanner.Preview"
	}
	ctx, span := tracing.Tracer("scanner").Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("chain", s.cfg.Chain.String()),
		attribute.String("network", s.cfg.Network.String()),
	)

	start := s.nowFn()
	result = &model.ScanResult{OrderID: orderID, StartedAt: start, Candidates: []model.CandidateResult{}}
	log := s.logger.With("order_id", orderID, "dry_run", dryRun)

	defer func() {
		result.FinishedAt = s.nowFn()
		span.SetAttributes(attribute.String("scan.state", string(result.State)))
		if err != nil && result.State == model.ScanStateFailed {
			tracing.Fail(span, err)
		}
		if dryRun {
			return
		}
		metrics.ScannerScansTotal.WithLabelValues(s.cfg.Chain.String(), s.cfg.Network.String(), string(result.State)).Inc()
		metrics.ScannerScanLatency.WithLabelValues(s.cfg.Chain.String(), s.cfg.Network.String()).Observe(result.FinishedAt.Sub(start).Seconds())
	}()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		result.State = model.ScanStateFailed
		result.Reason = "order lookup failed"
		log.Error("order lookup failed", "error", err)
		return result, retry.Transient(fmt.Errorf("load order %s: %w", orderID, err))
	}
	if order == nil {
		result.State = model.ScanStateSkipped
		result.Reason = ErrOrderNotFound.Error()
		log.Warn("order not found, skipping")
		return result, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if !order.Scannable() {
		result.State = model.ScanStateSkipped
		result.Reason = ErrNoDepositAddress.Error()
		log.Warn("order has no deposit address, skipping")
		return result, fmt.Errorf("%w: %s", ErrNoDepositAddress, orderID)
	}

	address := order.DepositAddress.Address
	result.DepositAddress = address
	log = log.With("deposit_address", address)

	records, err := s.feed.Fetch(ctx, address)
	if err != nil {
		result.State = model.ScanStateFailed
		result.Reason = "feed fetch failed"
		log.Error("feed fetch failed", "error", err)
		return result, classifyFeedError(fmt.Errorf("fetch transactions for order %s: %w", orderID, err))
	}
	result.Fetched = len(records)

	candidates := sweep.SelectN(records, s.cfg.Account, order.CreatedAt, s.cfg.MaxCandidates)
	result.Selected = len(candidates)
	if !dryRun {
		metrics.ScannerCandidatesSelected.WithLabelValues(s.cfg.Chain.String(), s.cfg.Network.String()).Add(float64(len(candidates)))
	}
	log.Info("sweep candidates selected",
		"fetched", len(records),
		"selected", len(candidates),
		"verdicts", verdictAttrs(sweep.Summarize(records, s.cfg.Account, order.CreatedAt)),
	)

	if len(candidates) == 0 {
		result.State = model.ScanStateCompleted
		return result, nil
	}

	outcomes := make([]model.CandidateResult, len(candidates))
	creditErrs := make([]error, len(candidates))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, rec := range candidates {
		g.Go(func() error {
			outcomes[i], creditErrs[i] = s.processCandidate(gCtx, log, orderID, rec, dryRun)
			return nil
		})
	}
	_ = g.Wait()

	result.Candidates = outcomes
	result.Tally()
	result.State = model.ScanStateCompleted

	log.Info("order scan finished",
		"credited", result.Credited,
		"already_credited", result.AlreadyCredited,
		"missing_fee_data", result.MissingFeeData,
		"invalid_records", result.InvalidRecords,
		"credit_errors", result.CreditErrors,
	)

	if result.CreditErrors == 0 {
		return result, nil
	}

	s.alertCreditFailure(ctx, result)
	if !s.cfg.FailOnCreditError {
		return result, nil
	}
	result.State = model.ScanStateFailed
	result.Reason = "credit failed"
	return result, retry.Transient(fmt.Errorf("%d of %d credits failed for order %s: %w",
		result.CreditErrors, len(candidates), orderID, errors.Join(creditErrs...)))
}

// processCandidate settles and credits one transaction. Its outcome never
// affects sibling candidates; only credit call failures are returned.
func (s *Service) processCandidate(ctx context.Context, log *slog.Logger, orderID string, rec model.TransactionRecord, dryRun bool) (model.CandidateResult, error) {
	ctx, span := tracing.Tracer("scanner").Start(ctx, "scanner.processCandidate")
	defer span.End()
	span.SetAttributes(attribute.String("tx.hash", rec.Hash))

	log = log.With("tx_hash", rec.Hash)
	out := model.CandidateResult{TxHash: rec.Hash, BlockTime: rec.BlockTime()}

	settled, err := s.calc.Compute(rec)
	if err != nil {
		// Scoped to this record; the scan goes on.
		out.Status = model.CandidateMissingFeeData
		if !errors.Is(err, settlement.ErrMissingFeeData) {
			out.Status = model.CandidateInvalidRecord
		}
		out.Error = err.Error()
		s.recordOutcome(out.Status, dryRun)
		log.Warn("settlement not computable, skipping candidate", "status", out.Status, "error", err)
		return out, nil
	}
	out.Amount = settled.TotalString()
	out.Display = settled.Display

	if dryRun {
		out.Status = model.CandidatePreviewed
		out.UniqueID = credit.IdempotencyKey(s.cfg.AssetMethodID, rec.Hash)
		log.Info("candidate previewed", "amount", out.Amount, "display", out.Display)
		return out, nil
	}

	res, err := s.applier.Apply(ctx, orderID, rec.Hash, s.cfg.AssetMethodID, out.Amount)
	out.UniqueID = res.UniqueID
	if err != nil {
		out.Status = model.CandidateCreditError
		out.Error = err.Error()
		s.recordOutcome(out.Status, dryRun)
		tracing.Fail(span, err)
		log.Error("credit failed",
			"amount", out.Amount,
			"display", out.Display,
			"unique_id", out.UniqueID,
			"error", err,
		)
		return out, err
	}

	out.Status = model.CandidateCredited
	if res.Outcome == model.CreditOutcomeAlreadyCredited {
		out.Status = model.CandidateAlreadyCredited
	}
	s.recordOutcome(out.Status, dryRun)
	span.SetAttributes(attribute.String("candidate.status", string(out.Status)))
	log.Info("candidate processed",
		"status", out.Status,
		"amount", out.Amount,
		"display", out.Display,
		"unique_id", out.UniqueID,
	)
	return out, nil
}

func (s *Service) recordOutcome(status model.CandidateStatus, dryRun bool) {
	if dryRun {
		return
	}
	metrics.ScannerCandidatesTotal.WithLabelValues(s.cfg.Chain.String(), s.cfg.Network.String(), outcomeLabel(status)).Inc()
}

func (s *Service) alertCreditFailure(ctx context.Context, result *model.ScanResult) {
	fields := map[string]string{
		"order_id":      result.OrderID,
		"credit_errors": strconv.Itoa(result.CreditErrors),
		"selected":      strconv.Itoa(result.Selected),
	}
	for _, c := range result.Candidates {
		if c.Status == model.CandidateCreditError {
			fields["tx_hash"] = c.TxHash
			break
		}
	}
	err := s.alerter.Send(context.WithoutCancel(ctx), alert.Alert{
		Type:    alert.AlertTypeCreditFailure,
		Chain:   s.cfg.Chain.String(),
		Network: s.cfg.Network.String(),
		Subject: result.OrderID,
		Title:   "Deposit credit failed",
		Message: fmt.Sprintf("%d credit(s) failed for order %s", result.CreditErrors, result.OrderID),
		Fields:  fields,
	})
	if err != nil {
		s.logger.Warn("credit failure alert not sent", "order_id", result.OrderID, "error", err)
	}
}

// classifyFeedError marks transport failures and provider rate limits
// transient. Other provider and validation errors are terminal for this
// attempt.
func classifyFeedError(err error) error {
	var transportErr *feed.TransportError
	if errors.As(err, &transportErr) || feed.IsRateLimited(err) {
		return retry.Transient(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return retry.Terminal(err)
}

func outcomeLabel(status model.CandidateStatus) string {
	switch status {
	case model.CandidateCredited:
		return "credited"
	case model.CandidateAlreadyCredited:
		return "already_credited"
	case model.CandidateMissingFeeData:
		return "missing_fee_data"
	case model.CandidateInvalidRecord:
		return "invalid_record"
	case model.CandidateCreditError:
		return "credit_error"
	default:
		return "previewed"
	}
}

func verdictAttrs(counts map[sweep.Verdict]int) map[string]int {
	out := make(map[string]int, len(counts))
	for v, n := range counts {
		out[string(v)] = n
	}
	return out
}
