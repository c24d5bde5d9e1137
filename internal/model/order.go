package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest is a market order submission to the broker gateway.
// Exactly one of Notional or Qty is non-zero. ClientOrderID makes retried
// submissions idempotent on the broker side.
type OrderRequest struct {
	Symbol        string
	Side          Side // LONG submits a buy, SHORT submits a sell
	Notional      decimal.Decimal
	Qty           decimal.Decimal
	ClientOrderID string
}

// OrderStatus is the broker's view of an order at one poll.
type OrderStatus struct {
	OrderID        string
	Status         string // broker-native: new, accepted, filled, partially_filled, rejected, canceled
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	FilledAt       time.Time
	Reason         string // rejection/cancellation reason, if any
}
