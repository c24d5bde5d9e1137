package model

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPnLAlreadyApplied is returned by ApplyPnL when the trade's realized
// P&L has already been booked into the bot aggregates. Callers skip, they
// do not retry.
var ErrPnLAlreadyApplied = errors.New("pnl already applied for trade")

// ErrNotFound is returned by ledger and bot-store lookups for missing rows.
var ErrNotFound = errors.New("not found")

// ── Capability Port Interfaces ──
// These interfaces decouple the engine from the concrete broker SDK and
// storage implementations (SQLite, Postgres). Each implementation satisfies
// one or more of these interfaces.

// BrokerGateway is the thin capability surface over the brokerage's
// position/order/account API.
type BrokerGateway interface {
	// GetPosition returns the open position for a symbol, or nil (no
	// error) when none exists.
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// ListPositions returns all open positions on the account.
	ListPositions(ctx context.Context) ([]Position, error)

	// SubmitOrder places a market order and returns the broker order id.
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)

	// ClosePosition liquidates the full position for a symbol and
	// returns the closing order id.
	ClosePosition(ctx context.Context, symbol string) (string, error)

	// GetOrderStatus returns the broker's current view of an order.
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
}

// TradeLedger persists trade records and the per-bot P&L aggregates.
type TradeLedger interface {
	// CreateTrade inserts a new trade row and returns its id.
	CreateTrade(ctx context.Context, t *Trade) (int64, error)

	// RecordNoop inserts an informational NOOP row for a signal that
	// produced no order, so every outcome is auditable from history.
	RecordNoop(ctx context.Context, sig Signal, reason string) (int64, error)

	// UpdateTradeStatus applies reconciliation results to a trade.
	// A trade already in a terminal status is never mutated again.
	UpdateTradeStatus(ctx context.Context, tradeID int64, upd TradeUpdate) error

	// GetTrade fetches one trade by id.
	GetTrade(ctx context.Context, tradeID int64) (*Trade, error)

	// PendingTrades returns non-terminal trades created before olderThan,
	// the input set for the reconciliation sweep.
	PendingTrades(ctx context.Context, olderThan time.Time) ([]Trade, error)

	// RecentTrades returns the newest trades, optionally scoped to a bot
	// (botID == 0 means all bots).
	RecentTrades(ctx context.Context, botID int64, limit int) ([]Trade, error)

	// UnbookedTrades returns FILLED close trades whose realized P&L has
	// not been applied to the bot aggregates yet. A crash or ledger error
	// between the fill update and ApplyPnL leaves such rows behind; the
	// sweep re-books them.
	UnbookedTrades(ctx context.Context) ([]Trade, error)

	// ApplyPnL atomically marks the trade's realized P&L as applied and
	// increments the owning bot's total_pnl/total_trades. Re-applying
	// the same trade id returns ErrPnLAlreadyApplied and changes nothing.
	ApplyPnL(ctx context.Context, tradeID, botID int64, delta decimal.Decimal) error
}

// BotStore reads and administers bot configurations.
type BotStore interface {
	GetBot(ctx context.Context, id int64) (*BotConfig, error)
	GetBotByToken(ctx context.Context, token string) (*BotConfig, error)
	ListBots(ctx context.Context) ([]BotConfig, error)

	// SetActive soft-enables/disables a bot. Bots are never deleted
	// while trades reference them.
	SetActive(ctx context.Context, id int64, active bool) error

	// SetLastSignal updates the informational last-signal/side cache on
	// the bot row. Never used for decisions.
	SetLastSignal(ctx context.Context, id int64, action Action, side Side) error
}
