package model

import "github.com/shopspring/decimal"

// SettlementResult is the computed credit amount for one swept transaction.
// Total is in base units and is the only authoritative amount; Display is
// the 18-decimal rendering used for logs.
type SettlementResult struct {
	TxHash      string          `json:"tx_hash"`
	Value       decimal.Decimal `json:"value"`
	GasQuantity decimal.Decimal `json:"gas_quantity"`
	GasPrice    decimal.Decimal `json:"gas_price"`
	Total       decimal.Decimal `json:"total"`
	Display     string          `json:"display"`
}

// TotalString returns the base-unit total as an integer string.
func (s SettlementResult) TotalString() string {
	return s.Total.StringFixed(0)
}
