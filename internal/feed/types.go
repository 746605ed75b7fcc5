package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"github.com/shopspring/decimal"
)

const statusError = "0"

// envelope is the account/txlist response wrapper. Result is either an
// array of records or, on provider errors, a message string.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type wireTx struct {
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Gas         string `json:"gas"`
	GasPrice    string `json:"gasPrice"`
	GasUsed     string `json:"gasUsed"`
}

// decodeEnvelope turns a raw response body into validated records.
func decodeEnvelope(body []byte) ([]model.TransactionRecord, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ValidationError{Index: -1, Field: "body", Reason: err.Error()}
	}

	result := strings.TrimSpace(string(env.Result))
	if env.Status == statusError {
		var msg string
		if err := json.Unmarshal(env.Result, &msg); err == nil {
			if msg != "" {
				return nil, &ProviderError{Message: msg}
			}
			return nil, nil
		}
		if result == "" || result == "null" {
			if env.Message != "" {
				return nil, &ProviderError{Message: env.Message}
			}
			return nil, nil
		}
	}

	if result == "" || result == "null" {
		return nil, &ValidationError{Index: -1, Field: "result", Reason: "missing"}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(env.Result, &raw); err != nil {
		return nil, &ValidationError{Index: -1, Field: "result", Reason: "expected an array of records"}
	}

	records := make([]model.TransactionRecord, 0, len(raw))
	for i, item := range raw {
		var w wireTx
		if err := json.Unmarshal(item, &w); err != nil {
			return nil, &ValidationError{Index: i, Field: "record", Reason: err.Error()}
		}
		rec, err := w.toRecord(i)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (w wireTx) toRecord(index int) (model.TransactionRecord, error) {
	if strings.TrimSpace(w.Hash) == "" {
		return model.TransactionRecord{}, &ValidationError{Index: index, Field: "hash", Reason: "missing"}
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(w.TimeStamp), 10, 64)
	if err != nil || ts < 0 {
		return model.TransactionRecord{}, &ValidationError{Index: index, Field: "timeStamp", Reason: fmt.Sprintf("invalid unix time %q", w.TimeStamp)}
	}

	value, err := baseUnits(w.Value)
	if err != nil {
		return model.TransactionRecord{}, &ValidationError{Index: index, Field: "value", Reason: err.Error()}
	}
	gas, err := baseUnits(w.Gas)
	if err != nil {
		return model.TransactionRecord{}, &ValidationError{Index: index, Field: "gas", Reason: err.Error()}
	}

	rec := model.TransactionRecord{
		Hash:        w.Hash,
		BlockNumber: w.BlockNumber,
		From:        w.From,
		Value:       value,
		Timestamp:   ts,
		Gas:         gas,
	}

	if to := strings.TrimSpace(w.To); to != "" {
		rec.To = &to
	}
	if strings.TrimSpace(w.GasPrice) != "" {
		price, err := baseUnits(w.GasPrice)
		if err != nil {
			return model.TransactionRecord{}, &ValidationError{Index: index, Field: "gasPrice", Reason: err.Error()}
		}
		rec.GasPrice = &price
	}
	if strings.TrimSpace(w.GasUsed) != "" {
		used, err := baseUnits(w.GasUsed)
		if err != nil {
			return model.TransactionRecord{}, &ValidationError{Index: index, Field: "gasUsed", Reason: err.Error()}
		}
		rec.GasUsed = used
	}
	return rec, nil
}

// baseUnits validates a non-negative integer amount and returns its
// canonical decimal string.
func baseUnits(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("missing")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("not a number: %q", raw)
	}
	if d.IsNegative() || !d.IsInteger() {
		return "", fmt.Errorf("not a non-negative integer: %q", raw)
	}
	return d.String(), nil
}
