package credit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"github.com/emperorhan/deposit-reconciler/internal/metrics"
	"github.com/emperorhan/deposit-reconciler/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

//go:generate mockgen -source=credit.go -destination=mocks/mock_ledger.go -package=mocks

// Ledger performs the single idempotent "create deposit credit" mutation.
// created is false when a credit with the same unique id already exists.
type Ledger interface {
	CreateDepositCredit(ctx context.Context, req model.CreditRequest) (created bool, err error)
}

// keyNamespace scopes the name-based UUIDs used as credit idempotency keys.
// Changing it re-keys every credit and must never happen in production.
var keyNamespace = uuid.MustParse("6f0c4a52-2d7e-5b8e-9a1f-3c64d1e0b7a9")

// IdempotencyKey derives the ledger unique id for one transfer. It depends
// only on the asset/method id and the case-folded transaction hash.
func IdempotencyKey(assetMethodID, txHash string) string {
	name := assetMethodID + ":" + strings.ToLower(strings.TrimSpace(txHash))
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// CreditError wraps a failed ledger mutation for one transaction.
type CreditError struct {
	OrderID  string
	TxHash   string
	UniqueID string
	Err      error
}

func (e *CreditError) Error() string {
	return fmt.Sprintf("credit order %s tx %s (unique id %s): %v", e.OrderID, e.TxHash, e.UniqueID, e.Err)
}

func (e *CreditError) Unwrap() error { return e.Err }

// Result is the outcome of one Apply call.
type Result struct {
	Outcome  model.CreditOutcome
	UniqueID string
}

// Applier issues deposit credits against a Ledger. It keeps no local state;
// duplicate suppression is the ledger's unique id constraint.
type Applier struct {
	ledger  Ledger
	backend string
	logger  *slog.Logger
}

func NewApplier(ledger Ledger, backend string, logger *slog.Logger) *Applier {
	return &Applier{
		ledger:  ledger,
		backend: backend,
		logger:  logger.With("component", "credit"),
	}
}

// Apply credits amount (base units) to orderID for txHash. A credit that
// already exists is reported as AlreadyCredited, not as an error.
func (a *Applier) Apply(ctx context.Context, orderID, txHash, assetMethodID, amount string) (Result, error) {
	uniqueID := IdempotencyKey(assetMethodID, txHash)

	ctx, span := tracing.Tracer("credit").Start(ctx, "credit.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("tx.hash", txHash),
		attribute.String("credit.unique_id", uniqueID),
	)

	req := model.CreditRequest{
		OrderID:  orderID,
		Tx:       model.CreditTx{TxID: txHash},
		Amount:   amount,
		UniqueID: uniqueID,
	}

	start := time.Now()
	created, err := a.ledger.CreateDepositCredit(ctx, req)
	metrics.LedgerLatency.WithLabelValues(a.backend).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.LedgerCallsTotal.WithLabelValues(a.backend, "error").Inc()
		tracing.Fail(span, err)
		return Result{UniqueID: uniqueID}, &CreditError{OrderID: orderID, TxHash: txHash, UniqueID: uniqueID, Err: err}
	}

	outcome := model.CreditOutcomeCredited
	if !created {
		outcome = model.CreditOutcomeAlreadyCredited
	}
	metrics.LedgerCallsTotal.WithLabelValues(a.backend, strings.ToLower(string(outcome))).Inc()
	span.SetAttributes(attribute.String("credit.outcome", string(outcome)))

	a.logger.Debug("ledger credit call finished",
		"order_id", orderID,
		"tx_hash", txHash,
		"unique_id", uniqueID,
		"outcome", outcome,
	)
	return Result{Outcome: outcome, UniqueID: uniqueID}, nil
}
