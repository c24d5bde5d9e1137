// Package model defines the core domain types for the trading bot:
// signals, positions, trades, bot configurations, and the capability
// ports (broker gateway, trade ledger, bot store) that decouple the
// engine from concrete broker and storage implementations.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Action is a normalized trading instruction from an external alert.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionClose Action = "CLOSE"
)

// ParseAction maps a loosely-typed webhook payload value onto the closed
// action set. Unrecognized values are rejected at the ingress boundary and
// never reach the decision engine.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return ActionBuy, nil
	case "SELL", "SHORT":
		return ActionSell, nil
	case "CLOSE", "EXIT", "FLAT":
		return ActionClose, nil
	default:
		return "", fmt.Errorf("unrecognized action %q", s)
	}
}

// Side is the direction of a broker position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideFlat  Side = "FLAT"
)

// Signal is the engine's transient input: one normalized BUY/SELL/CLOSE
// instruction already mapped to a bot. It is never persisted as its own
// entity and is discarded after producing zero or one order attempts.
type Signal struct {
	Action     Action    `json:"action"`
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	BotID      int64     `json:"bot_id"`
	ReceivedAt time.Time `json:"received_at"`
}
