package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeEventType classifies trade lifecycle events pushed to dashboards.
type TradeEventType string

const (
	EventNoop      TradeEventType = "noop"
	EventSubmitted TradeEventType = "submitted"
	EventFilled    TradeEventType = "filled"
	EventRejected  TradeEventType = "rejected"
	EventTimedOut  TradeEventType = "timed_out"
)

// TradeEvent is the wire form broadcast over the WebSocket hub and the
// Redis trade-event channel whenever a signal produces an outcome.
type TradeEvent struct {
	Type        TradeEventType      `json:"type"`
	BotID       int64               `json:"bot_id"`
	TradeID     int64               `json:"trade_id,omitempty"`
	OrderID     string              `json:"order_id,omitempty"`
	Symbol      string              `json:"symbol"`
	Action      Action              `json:"action"`
	Status      TradeStatus         `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	RealizedPnL decimal.NullDecimal `json:"realized_pnl,omitempty"`
	TS          time.Time           `json:"ts"`
}
