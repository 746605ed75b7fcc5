package model

import "time"

// TransactionRecord is a single native transfer as reported by the
// transaction feed. Numeric fields keep the feed's base-unit strings.
type TransactionRecord struct {
	Hash        string
	BlockNumber string
	From        string
	To          *string // nil for contract creation
	Value       string
	Timestamp   int64 // unix seconds
	GasPrice    *string
	Gas         string // gas limit
	GasUsed     string
}

// BlockTime returns the record timestamp as a UTC time.
func (r TransactionRecord) BlockTime() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// Recipient returns the "to" address or an empty string for contract creation.
func (r TransactionRecord) Recipient() string {
	if r.To == nil {
		return ""
	}
	return *r.To
}
