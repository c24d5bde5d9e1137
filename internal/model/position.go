package model

import "github.com/shopspring/decimal"

// Position is a live projection of the broker's view of one symbol.
// The broker is the only consistent source of truth under concurrent bots
// and manual intervention, so positions are fetched on demand and never
// cached across signals.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
}

// IsFlat reports whether the position is empty or dust (zero quantity).
func (p *Position) IsFlat() bool {
	return p == nil || p.Side == SideFlat || p.Qty.IsZero()
}

// Flat returns the canonical empty position for a symbol.
func Flat(symbol string) *Position {
	return &Position{Symbol: symbol, Side: SideFlat}
}
