package model

import (
	"strings"
	"time"
)

// Order is the read-only view of an internal order that may receive deposits.
type Order struct {
	ID             string          `db:"id"`
	CreatedAt      time.Time       `db:"created_at"`
	DepositAddress *DepositAddress `db:"-"`
}

// DepositAddress is the address an order's customer sends funds to.
type DepositAddress struct {
	Address string `db:"address"`
}

// Scannable reports whether the order has a deposit address to scan.
func (o *Order) Scannable() bool {
	return o != nil && o.DepositAddress != nil && strings.TrimSpace(o.DepositAddress.Address) != ""
}
