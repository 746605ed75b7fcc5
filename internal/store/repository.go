package store

import (
	"context"

	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
)

//go:generate mockgen -source=repository.go -destination=mocks/mock_repository.go -package=mocks

// OrderRepository provides read-only access to orders. FindByID returns
// nil, nil when the order does not exist.
type OrderRepository interface {
	FindByID(ctx context.Context, id string) (*model.Order, error)
}

// CreditRepository books deposit credits keyed by their unique id.
type CreditRepository interface {
	CreateDepositCredit(ctx context.Context, req model.CreditRequest) (created bool, err error)
}
