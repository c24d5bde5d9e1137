package model

import "github.com/shopspring/decimal"

// SizingMode selects how order size is expressed for a bot.
type SizingMode string

const (
	SizeNotional SizingMode = "notional" // quote-currency amount, e.g. 250 USD
	SizeQty      SizingMode = "qty"      // base-asset quantity, e.g. 0.003 BTC
)

// BotConfig identifies one trading unit: one symbol + timeframe + sizing
// policy tied to one owner and one broker account. Aggregate counters
// (TotalPnL, TotalTrades) are mutated only through the ledger's idempotent
// P&L application; everything else changes via configuration edits.
// Bots are soft-disabled, never deleted, while trades reference them.
type BotConfig struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Token     string `json:"-"` // webhook routing token, never serialized out
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`

	Sizing       SizingMode      `json:"sizing"`
	SizeNotional decimal.Decimal `json:"size_notional"`
	SizeQty      decimal.Decimal `json:"size_qty"`

	Active      bool            `json:"active"`
	TotalPnL    decimal.Decimal `json:"total_pnl"`
	TotalTrades int64           `json:"total_trades"`

	// Last-known signal/side cache, informational only. The broker
	// position remains the source of truth for decisions.
	LastAction Action `json:"last_action,omitempty"`
	LastSide   Side   `json:"last_side,omitempty"`
}
