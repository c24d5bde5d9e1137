package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle state of a trade record.
type TradeStatus string

const (
	// StatusNoop records a signal that deliberately produced no broker
	// order (already flat, already positioned). Kept for auditing.
	StatusNoop TradeStatus = "NOOP"

	StatusSubmitted       TradeStatus = "SUBMITTED"
	StatusPartiallyFilled TradeStatus = "PARTIALLY_FILLED"
	StatusFilled          TradeStatus = "FILLED"
	StatusRejected        TradeStatus = "REJECTED"
	StatusCanceled        TradeStatus = "CANCELED"
)

// Terminal reports whether the status can no longer change.
// NOOP rows never had an order behind them and are terminal by definition.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusNoop, StatusFilled, StatusRejected, StatusCanceled:
		return true
	}
	return false
}

// Trade is one record per submitted order (or informational no-op).
// Created with status SUBMITTED when an order goes out, mutated by
// reconciliation until it reaches a terminal status, then frozen.
//
// Invariant: RealizedPnL is valid if and only if Action == CLOSE and
// Status == FILLED.
type Trade struct {
	ID     int64  `json:"id"`
	BotID  int64  `json:"bot_id"`
	Symbol string `json:"symbol"`
	Action Action `json:"action"`

	// Requested size: exactly one of the two is non-zero depending on
	// the owning bot's sizing policy.
	RequestedNotional decimal.Decimal `json:"requested_notional"`
	RequestedQty      decimal.Decimal `json:"requested_qty"`

	OrderID string      `json:"order_id"`
	Status  TradeStatus `json:"status"`
	Reason  string      `json:"reason,omitempty"`

	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`

	// EntryPriceAtOpen is captured from the position snapshot before a
	// CLOSE is submitted; the broker forgets the position once closed.
	EntryPriceAtOpen decimal.Decimal     `json:"entry_price_at_open"`
	SideAtClose      Side                `json:"side_at_close,omitempty"`
	RealizedPnL      decimal.NullDecimal `json:"realized_pnl"`
	PnLApplied       bool                `json:"pnl_applied"`

	SignalReceivedAt time.Time `json:"signal_received_at"`
	OrderSubmittedAt time.Time `json:"order_submitted_at"`
	FilledAt         time.Time `json:"filled_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// TradeUpdate carries the mutable reconciliation fields applied to a
// trade by UpdateTradeStatus. Zero-valued fields are still written; the
// caller owns deciding what the terminal values are.
type TradeUpdate struct {
	Status         TradeStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	FilledAt       time.Time
	RealizedPnL    decimal.NullDecimal
	Reason         string
}
