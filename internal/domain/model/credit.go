package model

// CreditRequest is the payload of a single idempotent deposit credit.
type CreditRequest struct {
	OrderID  string   `json:"orderId"`
	Tx       CreditTx `json:"tx"`
	Amount   string   `json:"amount"`
	UniqueID string   `json:"uniqueId"`
}

type CreditTx struct {
	TxID string `json:"txid"`
}

// CreditOutcome is the result of applying a credit.
type CreditOutcome string

const (
	CreditOutcomeCredited        CreditOutcome = "CREDITED"
	CreditOutcomeAlreadyCredited CreditOutcome = "ALREADY_CREDITED"
)
