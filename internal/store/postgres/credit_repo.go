package postgres

import (
	"context"
	"fmt"

	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
)

// CreditRepo is the ledger backend that books deposit credits directly
// into the deposit_credits table.
type CreditRepo struct {
	db *DB
}

func NewCreditRepo(db *DB) *CreditRepo {
	return &CreditRepo{db: db}
}

// CreateDepositCredit inserts the credit unless one with the same unique id
// exists. It reports whether a row was created.
func (r *CreditRepo) CreateDepositCredit(ctx context.Context, req model.CreditRequest) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO deposit_credits (unique_id, order_id, tx_id, amount)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (unique_id) DO NOTHING
	`, req.UniqueID, req.OrderID, req.Tx.TxID, req.Amount)
	if err != nil {
		return false, fmt.Errorf("insert deposit credit %s: %w", req.UniqueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for deposit credit %s: %w", req.UniqueID, err)
	}
	return n == 1, nil
}

// CreditsForOrder lists the credits booked for an order, oldest first.
func (r *CreditRepo) CreditsForOrder(ctx context.Context, orderID string) ([]model.CreditRequest, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT unique_id, order_id, tx_id, amount::text
		FROM deposit_credits
		WHERE order_id = $1
		ORDER BY created_at, unique_id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query deposit credits: %w", err)
	}
	defer rows.Close()

	var credits []model.CreditRequest
	for rows.Next() {
		var c model.CreditRequest
		if err := rows.Scan(&c.UniqueID, &c.OrderID, &c.Tx.TxID, &c.Amount); err != nil {
			return nil, fmt.Errorf("scan deposit credit: %w", err)
		}
		credits = append(credits, c)
	}
	return credits, rows.Err()
}
