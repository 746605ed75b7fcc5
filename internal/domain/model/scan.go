package model

import "time"

// ScanState is the terminal state of one order scan.
type ScanState string

const (
	ScanStateCompleted ScanState = "COMPLETED"
	ScanStateSkipped   ScanState = "SKIPPED"
	ScanStateFailed    ScanState = "FAILED"
)

// CandidateStatus is the per-transaction outcome inside a scan.
type CandidateStatus string

const (
	CandidateCredited        CandidateStatus = "CREDITED"
	CandidateAlreadyCredited CandidateStatus = "ALREADY_CREDITED"
	CandidateMissingFeeData  CandidateStatus = "MISSING_FEE_DATA"
	CandidateInvalidRecord   CandidateStatus = "INVALID_RECORD"
	CandidateCreditError     CandidateStatus = "CREDIT_ERROR"
	CandidatePreviewed       CandidateStatus = "PREVIEWED"
)

// CandidateResult describes what happened to one selected transaction.
type CandidateResult struct {
	TxHash    string          `json:"tx_hash"`
	Status    CandidateStatus `json:"status"`
	Amount    string          `json:"amount,omitempty"`
	Display   string          `json:"display,omitempty"`
	UniqueID  string          `json:"unique_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	BlockTime time.Time       `json:"block_time"`
}

// ScanResult aggregates a single order scan.
type ScanResult struct {
	OrderID         string            `json:"order_id"`
	State           ScanState         `json:"state"`
	Reason          string            `json:"reason,omitempty"`
	DepositAddress  string            `json:"deposit_address,omitempty"`
	Fetched         int               `json:"fetched"`
	Selected        int               `json:"selected"`
	Credited        int               `json:"credited"`
	AlreadyCredited int               `json:"already_credited"`
	MissingFeeData  int               `json:"missing_fee_data"`
	InvalidRecords  int               `json:"invalid_records"`
	CreditErrors    int               `json:"credit_errors"`
	Candidates      []CandidateResult `json:"candidates"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
}

// Tally recomputes the per-status counters from Candidates.
func (r *ScanResult) Tally() {
	r.Credited, r.AlreadyCredited, r.MissingFeeData, r.InvalidRecords, r.CreditErrors = 0, 0, 0, 0, 0
	for _, c := range r.Candidates {
		switch c.Status {
		case CandidateCredited:
			r.Credited++
		case CandidateAlreadyCredited:
			r.AlreadyCredited++
		case CandidateMissingFeeData:
			r.MissingFeeData++
		case CandidateInvalidRecord:
			r.InvalidRecords++
		case CandidateCreditError:
			r.CreditErrors++
		}
	}
}
