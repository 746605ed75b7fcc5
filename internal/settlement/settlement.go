// Package settlement computes the amount credited for a swept deposit:
// the transferred value plus the gas the sender paid for the sweep.
package settlement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"github.com/shopspring/decimal"
)

// ErrMissingFeeData is returned when a record lacks the fee fields the
// active gas policy needs. It is scoped to one transaction.
var ErrMissingFeeData = errors.New("missing fee data")

// GasPolicy selects which gas quantity is multiplied by the gas price.
type GasPolicy string

const (
	// GasPolicyGasLimit charges the full gas limit of the sweep.
	GasPolicyGasLimit GasPolicy = "gas_limit"
	// GasPolicyGasUsed charges only the gas actually consumed.
	GasPolicyGasUsed GasPolicy = "gas_used"
)

// ParseGasPolicy accepts "gas_limit" or "gas_used"; empty means gas_limit.
func ParseGasPolicy(s string) (GasPolicy, error) {
	switch GasPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", GasPolicyGasLimit:
		return GasPolicyGasLimit, nil
	case GasPolicyGasUsed:
		return GasPolicyGasUsed, nil
	default:
		return "", fmt.Errorf("unknown gas policy %q", s)
	}
}

// Calculator turns a sweep record into a settlement under one gas policy.
type Calculator struct {
	policy GasPolicy
}

func NewCalculator(policy GasPolicy) *Calculator {
	if policy == "" {
		policy = GasPolicyGasLimit
	}
	return &Calculator{policy: policy}
}

// Compute returns value + gasQuantity × gasPrice in base units.
func (c *Calculator) Compute(rec model.TransactionRecord) (model.SettlementResult, error) {
	if rec.GasPrice == nil || strings.TrimSpace(*rec.GasPrice) == "" {
		return model.SettlementResult{}, fmt.Errorf("%w: tx %s has no gas price", ErrMissingFeeData, rec.Hash)
	}

	gasField, gasRaw := "gas", rec.Gas
	if c.policy == GasPolicyGasUsed {
		gasField, gasRaw = "gasUsed", rec.GasUsed
	}
	if strings.TrimSpace(gasRaw) == "" {
		return model.SettlementResult{}, fmt.Errorf("%w: tx %s has no %s", ErrMissingFeeData, rec.Hash, gasField)
	}

	value, err := parseAmount("value", rec.Value)
	if err != nil {
		return model.SettlementResult{}, fmt.Errorf("tx %s: %w", rec.Hash, err)
	}
	gas, err := parseAmount(gasField, gasRaw)
	if err != nil {
		return model.SettlementResult{}, fmt.Errorf("tx %s: %w", rec.Hash, err)
	}
	price, err := parseAmount("gasPrice", *rec.GasPrice)
	if err != nil {
		return model.SettlementResult{}, fmt.Errorf("tx %s: %w", rec.Hash, err)
	}

	total := value.Add(gas.Mul(price))
	return model.SettlementResult{
		TxHash:      rec.Hash,
		Value:       value,
		GasQuantity: gas,
		GasPrice:    price,
		Total:       total,
		Display:     FormatNative(total),
	}, nil
}

// FormatNative renders a base-unit amount with 18 decimals, e.g.
// 211000 becomes "0.000000000000211000".
func FormatNative(baseUnits decimal.Decimal) string {
	return baseUnits.Shift(-model.NativeDecimals).StringFixed(model.NativeDecimals)
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	if d.IsNegative() || !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("invalid %s %q: not a non-negative integer", field, raw)
	}
	return d, nil
}
