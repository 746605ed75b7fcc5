// Package sweep selects the transactions that are genuine deposits into the
// platform account for a given order.
package sweep

import (
	"strings"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"github.com/shopspring/decimal"
)

// MaxCandidates bounds how many eligible transactions one scan processes.
const MaxCandidates = 10

// Verdict explains why a record was kept or dropped.
type Verdict string

const (
	Eligible         Verdict = "eligible"
	NoRecipient      Verdict = "no_recipient"
	OtherRecipient   Verdict = "other_recipient"
	NonPositiveValue Verdict = "non_positive_value"
	BeforeOrder      Verdict = "before_order"
)

// Check applies the eligibility rules in order and returns the first that
// rejects rec, or Eligible.
func Check(rec model.TransactionRecord, account string, orderCreatedAt time.Time) Verdict {
	to := strings.TrimSpace(rec.Recipient())
	if to == "" {
		return NoRecipient
	}
	if !strings.EqualFold(to, strings.TrimSpace(account)) {
		return OtherRecipient
	}
	value, err := decimal.NewFromString(rec.Value)
	if err != nil || !value.IsPositive() {
		return NonPositiveValue
	}
	if rec.BlockTime().Before(orderCreatedAt) {
		return BeforeOrder
	}
	return Eligible
}

// Select returns at most MaxCandidates eligible records, preserving the
// feed's order.
func Select(records []model.TransactionRecord, account string, orderCreatedAt time.Time) []model.TransactionRecord {
	return SelectN(records, account, orderCreatedAt, MaxCandidates)
}

// SelectN is Select with an explicit bound. A non-positive limit falls back
// to MaxCandidates.
func SelectN(records []model.TransactionRecord, account string, orderCreatedAt time.Time, limit int) []model.TransactionRecord {
	if limit <= 0 {
		limit = MaxCandidates
	}
	out := make([]model.TransactionRecord, 0, min(limit, len(records)))
	for _, rec := range records {
		if Check(rec, account, orderCreatedAt) != Eligible {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Summarize counts records per verdict, for logging.
func Summarize(records []model.TransactionRecord, account string, orderCreatedAt time.Time) map[Verdict]int {
	counts := make(map[Verdict]int)
	for _, rec := range records {
		counts[Check(rec, account, orderCreatedAt)]++
	}
	return counts
}
