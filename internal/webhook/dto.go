package webhook

import (
	"time"

	"github.com/shopspring/decimal"

	"tradebotv1/internal/model"
)

// signalPayload is the TradingView alert body. Only action and symbol
// are required; the rest is advisory.
type signalPayload struct {
	Action    string `json:"action"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

type signalResponse struct {
	Status   string     `json:"status"`
	Decision string     `json:"decision"`
	Reason   string     `json:"reason,omitempty"`
	Trades   []tradeDTO `json:"trades,omitempty"`
}

type tradeDTO struct {
	ID                int64  `json:"id"`
	BotID             int64  `json:"bot_id"`
	Symbol            string `json:"symbol"`
	Action            string `json:"action"`
	Status            string `json:"status"`
	OrderID           string `json:"order_id,omitempty"`
	RequestedNotional string `json:"requested_notional,omitempty"`
	RequestedQty      string `json:"requested_qty,omitempty"`
	FilledQty         string `json:"filled_qty,omitempty"`
	FilledPrice       string `json:"filled_avg_price,omitempty"`
	RealizedPnL       string `json:"realized_pnl,omitempty"`
	Reason            string `json:"reason,omitempty"`
	FilledAt          string `json:"filled_at,omitempty"`
	CreatedAt         string `json:"created_at"`
}

func toTradeDTO(t model.Trade) tradeDTO {
	dto := tradeDTO{
		ID:        t.ID,
		BotID:     t.BotID,
		Symbol:    t.Symbol,
		Action:    string(t.Action),
		Status:    string(t.Status),
		OrderID:   t.OrderID,
		Reason:    t.Reason,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !t.RequestedNotional.IsZero() {
		dto.RequestedNotional = t.RequestedNotional.String()
	}
	if !t.RequestedQty.IsZero() {
		dto.RequestedQty = t.RequestedQty.String()
	}
	if !t.FilledQty.IsZero() {
		dto.FilledQty = t.FilledQty.String()
	}
	if !t.FilledAvgPrice.IsZero() {
		dto.FilledPrice = t.FilledAvgPrice.String()
	}
	if t.RealizedPnL.Valid {
		dto.RealizedPnL = t.RealizedPnL.Decimal.String()
	}
	if !t.FilledAt.IsZero() {
		dto.FilledAt = t.FilledAt.UTC().Format(time.RFC3339)
	}
	return dto
}

type botDTO struct {
	ID          int64        `json:"id"`
	Symbol      string       `json:"symbol"`
	Timeframe   string       `json:"timeframe"`
	Active      bool         `json:"active"`
	Sizing      string       `json:"sizing"`
	SizeValue   string       `json:"size_value"`
	TotalPnL    string       `json:"total_pnl"`
	TotalTrades int64        `json:"total_trades"`
	LastAction  string       `json:"last_action,omitempty"`
	LastSide    string       `json:"last_side,omitempty"`
	Position    *positionDTO `json:"position,omitempty"`
}

type positionDTO struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value,omitempty"`
}

func toBotDTO(b model.BotConfig) botDTO {
	size := b.SizeNotional
	if b.Sizing == model.SizeQty {
		size = b.SizeQty
	}
	return botDTO{
		ID:          b.ID,
		Symbol:      b.Symbol,
		Timeframe:   b.Timeframe,
		Active:      b.Active,
		Sizing:      string(b.Sizing),
		SizeValue:   size.String(),
		TotalPnL:    b.TotalPnL.String(),
		TotalTrades: b.TotalTrades,
		LastAction:  string(b.LastAction),
		LastSide:    string(b.LastSide),
	}
}

func toPositionDTO(p *model.Position) *positionDTO {
	if p == nil || p.IsFlat() {
		return nil
	}
	dto := &positionDTO{
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		Qty:           p.Qty.String(),
		AvgEntryPrice: p.AvgEntryPrice.String(),
	}
	if !p.MarketValue.Equal(decimal.Zero) {
		dto.MarketValue = p.MarketValue.String()
	}
	return dto
}
