package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
)

type OrderRepo struct {
	db *DB
}

func NewOrderRepo(db *DB) *OrderRepo {
	return &OrderRepo{db: db}
}

// FindByID returns the order with its deposit address, or nil when no order
// has that id.
func (r *OrderRepo) FindByID(ctx context.Context, id string) (*model.Order, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		o       model.Order
		address sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT o.id, o.created_at, da.address
		FROM orders o
		LEFT JOIN deposit_addresses da ON da.id = o.deposit_address_id
		WHERE o.id = $1
	`, id).Scan(&o.ID, &o.CreatedAt, &address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find order %s: %w", id, err)
	}
	if address.Valid {
		o.DepositAddress = &model.DepositAddress{Address: address.String}
	}
	return &o, nil
}
