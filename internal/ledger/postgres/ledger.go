// Package postgres is the pgx-backed trade ledger and bot store, selected
// via DATABASE_URL for deployments where SQLite's single-writer model is
// not enough. It mirrors the SQLite backend's surface exactly.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tradebotv1/internal/model"
)

// Ledger implements model.TradeLedger and model.BotStore on Postgres.
type Ledger struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Ledger, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := createSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	log.Printf("[ledger] connected to postgres ledger")
	return &Ledger{pool: pool}, nil
}

func createSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS bots (
		id             BIGSERIAL PRIMARY KEY,
		user_id        BIGINT NOT NULL DEFAULT 0,
		token          TEXT NOT NULL UNIQUE,
		symbol         TEXT NOT NULL,
		timeframe      TEXT NOT NULL,
		sizing         TEXT NOT NULL DEFAULT 'notional',
		size_notional  NUMERIC NOT NULL DEFAULT 0,
		size_qty       NUMERIC NOT NULL DEFAULT 0,
		active         BOOLEAN NOT NULL DEFAULT TRUE,
		total_pnl      NUMERIC NOT NULL DEFAULT 0,
		total_trades   BIGINT NOT NULL DEFAULT 0,
		last_action    TEXT NOT NULL DEFAULT '',
		last_side      TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS trades (
		id                  BIGSERIAL PRIMARY KEY,
		bot_id              BIGINT NOT NULL REFERENCES bots(id),
		symbol              TEXT NOT NULL,
		action              TEXT NOT NULL,
		requested_notional  NUMERIC NOT NULL DEFAULT 0,
		requested_qty       NUMERIC NOT NULL DEFAULT 0,
		order_id            TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL,
		reason              TEXT NOT NULL DEFAULT '',
		filled_qty          NUMERIC NOT NULL DEFAULT 0,
		filled_avg_price    NUMERIC NOT NULL DEFAULT 0,
		entry_price_at_open NUMERIC NOT NULL DEFAULT 0,
		side_at_close       TEXT NOT NULL DEFAULT '',
		realized_pnl        NUMERIC,
		pnl_applied         BOOLEAN NOT NULL DEFAULT FALSE,
		signal_received_at  TIMESTAMPTZ,
		order_submitted_at  TIMESTAMPTZ,
		filled_at           TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_trades_bot    ON trades(bot_id);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	`)
	return err
}

// Ping verifies the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error { return l.pool.Ping(ctx) }

// Close releases the connection pool.
func (l *Ledger) Close() error {
	l.pool.Close()
	return nil
}

// ---- TradeLedger ----

const selectTrades = `SELECT id, bot_id, symbol, action, requested_notional::text,
	requested_qty::text, order_id, status, reason, filled_qty::text,
	filled_avg_price::text, entry_price_at_open::text, side_at_close,
	realized_pnl::text, pnl_applied, signal_received_at, order_submitted_at,
	filled_at, created_at FROM trades`

func (l *Ledger) CreateTrade(ctx context.Context, t *model.Trade) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO trades (bot_id, symbol, action, requested_notional, requested_qty,
		                     order_id, status, reason, entry_price_at_open, side_at_close,
		                     signal_received_at, order_submitted_at)
		 VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9::numeric, $10, $11, $12)
		 RETURNING id`,
		t.BotID, t.Symbol, string(t.Action),
		t.RequestedNotional.String(), t.RequestedQty.String(),
		t.OrderID, string(t.Status), t.Reason,
		t.EntryPriceAtOpen.String(), string(t.SideAtClose),
		nullTime(t.SignalReceivedAt), nullTime(t.OrderSubmittedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert trade: %w", err)
	}
	return id, nil
}

func (l *Ledger) RecordNoop(ctx context.Context, sig model.Signal, reason string) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO trades (bot_id, symbol, action, status, reason, signal_received_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		sig.BotID, sig.Symbol, string(sig.Action), string(model.StatusNoop), reason,
		nullTime(sig.ReceivedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert noop: %w", err)
	}
	return id, nil
}

func (l *Ledger) UpdateTradeStatus(ctx context.Context, tradeID int64, upd model.TradeUpdate) error {
	var pnl any
	if upd.RealizedPnL.Valid {
		pnl = upd.RealizedPnL.Decimal.String()
	}
	tag, err := l.pool.Exec(ctx,
		`UPDATE trades
		 SET status = $1, reason = $2, filled_qty = $3::numeric,
		     filled_avg_price = $4::numeric, realized_pnl = $5::numeric, filled_at = $6
		 WHERE id = $7 AND status IN ($8, $9)`,
		string(upd.Status), upd.Reason,
		upd.FilledQty.String(), upd.FilledAvgPrice.String(),
		pnl, nullTime(upd.FilledAt),
		tradeID, string(model.StatusSubmitted), string(model.StatusPartiallyFilled),
	)
	if err != nil {
		return fmt.Errorf("update trade %d: %w", tradeID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := l.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)`, tradeID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("trade %d: %w", tradeID, model.ErrNotFound)
		}
		// Already terminal: keep the first writer's result.
	}
	return nil
}

func (l *Ledger) GetTrade(ctx context.Context, tradeID int64) (*model.Trade, error) {
	row := l.pool.QueryRow(ctx, selectTrades+` WHERE id = $1`, tradeID)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trade %d: %w", tradeID, model.ErrNotFound)
	}
	return t, err
}

func (l *Ledger) PendingTrades(ctx context.Context, olderThan time.Time) ([]model.Trade, error) {
	rows, err := l.pool.Query(ctx,
		selectTrades+` WHERE status IN ($1, $2) AND order_submitted_at < $3 ORDER BY id`,
		string(model.StatusSubmitted), string(model.StatusPartiallyFilled), olderThan)
	if err != nil {
		return nil, fmt.Errorf("pending trades: %w", err)
	}
	return collectTrades(rows)
}

func (l *Ledger) UnbookedTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := l.pool.Query(ctx,
		selectTrades+` WHERE status = $1 AND action = $2 AND pnl_applied = FALSE
		 AND realized_pnl IS NOT NULL ORDER BY id`,
		string(model.StatusFilled), string(model.ActionClose))
	if err != nil {
		return nil, fmt.Errorf("unbooked trades: %w", err)
	}
	return collectTrades(rows)
}

func (l *Ledger) RecentTrades(ctx context.Context, botID int64, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if botID > 0 {
		rows, err = l.pool.Query(ctx, selectTrades+` WHERE bot_id = $1 ORDER BY id DESC LIMIT $2`, botID, limit)
	} else {
		rows, err = l.pool.Query(ctx, selectTrades+` ORDER BY id DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	return collectTrades(rows)
}

func (l *Ledger) ApplyPnL(ctx context.Context, tradeID, botID int64, delta decimal.Decimal) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply pnl: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE trades SET pnl_applied = TRUE WHERE id = $1 AND pnl_applied = FALSE AND status = $2`,
		tradeID, string(model.StatusFilled))
	if err != nil {
		return fmt.Errorf("apply pnl: mark trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %d: %w", tradeID, model.ErrPnLAlreadyApplied)
	}

	tag, err = tx.Exec(ctx,
		`UPDATE bots SET total_pnl = total_pnl + $1::numeric, total_trades = total_trades + 1 WHERE id = $2`,
		delta.String(), botID)
	if err != nil {
		return fmt.Errorf("apply pnl: update bot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %d: %w", botID, model.ErrNotFound)
	}

	return tx.Commit(ctx)
}

// ---- BotStore ----

const selectBots = `SELECT id, user_id, token, symbol, timeframe, sizing,
	size_notional::text, size_qty::text, active, total_pnl::text, total_trades,
	last_action, last_side FROM bots`

func (l *Ledger) CreateBot(ctx context.Context, b *model.BotConfig) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO bots (user_id, token, symbol, timeframe, sizing, size_notional, size_qty, active, total_pnl)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9::numeric) RETURNING id`,
		b.UserID, b.Token, b.Symbol, b.Timeframe, string(b.Sizing),
		b.SizeNotional.String(), b.SizeQty.String(), b.Active, b.TotalPnL.String(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert bot: %w", err)
	}
	return id, nil
}

func (l *Ledger) GetBot(ctx context.Context, id int64) (*model.BotConfig, error) {
	return l.scanBotErr(scanBot(l.pool.QueryRow(ctx, selectBots+` WHERE id = $1`, id)))
}

func (l *Ledger) GetBotByToken(ctx context.Context, token string) (*model.BotConfig, error) {
	return l.scanBotErr(scanBot(l.pool.QueryRow(ctx, selectBots+` WHERE token = $1`, token)))
}

func (l *Ledger) ListBots(ctx context.Context) ([]model.BotConfig, error) {
	rows, err := l.pool.Query(ctx, selectBots+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var bots []model.BotConfig
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, *b)
	}
	return bots, rows.Err()
}

func (l *Ledger) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := l.pool.Exec(ctx, `UPDATE bots SET active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// SetLastSignal updates the informational signal/side cache on a bot.
func (l *Ledger) SetLastSignal(ctx context.Context, id int64, action model.Action, side model.Side) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE bots SET last_action = $1, last_side = $2 WHERE id = $3`,
		string(action), string(side), id)
	return err
}

// ---- Row scanning ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var (
		t                                       model.Trade
		action, status, sideAtClose             string
		reqNotional, reqQty, fillQty, fillPrice string
		entryPrice                              string
		pnl                                     *string
		receivedAt, submittedAt, filledAt       *time.Time
		created                                 time.Time
	)
	err := row.Scan(&t.ID, &t.BotID, &t.Symbol, &action, &reqNotional, &reqQty,
		&t.OrderID, &status, &t.Reason, &fillQty, &fillPrice, &entryPrice,
		&sideAtClose, &pnl, &t.PnLApplied, &receivedAt, &submittedAt, &filledAt, &created)
	if err != nil {
		return nil, err
	}

	t.Action = model.Action(action)
	t.Status = model.TradeStatus(status)
	t.SideAtClose = model.Side(sideAtClose)
	if t.RequestedNotional, err = decimal.NewFromString(reqNotional); err != nil {
		return nil, fmt.Errorf("trade %d requested_notional: %w", t.ID, err)
	}
	if t.RequestedQty, err = decimal.NewFromString(reqQty); err != nil {
		return nil, fmt.Errorf("trade %d requested_qty: %w", t.ID, err)
	}
	if t.FilledQty, err = decimal.NewFromString(fillQty); err != nil {
		return nil, fmt.Errorf("trade %d filled_qty: %w", t.ID, err)
	}
	if t.FilledAvgPrice, err = decimal.NewFromString(fillPrice); err != nil {
		return nil, fmt.Errorf("trade %d filled_avg_price: %w", t.ID, err)
	}
	if t.EntryPriceAtOpen, err = decimal.NewFromString(entryPrice); err != nil {
		return nil, fmt.Errorf("trade %d entry_price_at_open: %w", t.ID, err)
	}
	if pnl != nil {
		d, err := decimal.NewFromString(*pnl)
		if err != nil {
			return nil, fmt.Errorf("trade %d realized_pnl: %w", t.ID, err)
		}
		t.RealizedPnL = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	t.SignalReceivedAt = deref(receivedAt)
	t.OrderSubmittedAt = deref(submittedAt)
	t.FilledAt = deref(filledAt)
	t.CreatedAt = created
	return &t, nil
}

func collectTrades(rows pgx.Rows) ([]model.Trade, error) {
	defer rows.Close()
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func scanBot(row rowScanner) (*model.BotConfig, error) {
	var (
		b                                  model.BotConfig
		sizing, lastAction, lastSide       string
		sizeNotional, sizeQty, totalPnlStr string
	)
	err := row.Scan(&b.ID, &b.UserID, &b.Token, &b.Symbol, &b.Timeframe, &sizing,
		&sizeNotional, &sizeQty, &b.Active, &totalPnlStr, &b.TotalTrades, &lastAction, &lastSide)
	if err != nil {
		return nil, err
	}
	b.Sizing = model.SizingMode(sizing)
	b.LastAction = model.Action(lastAction)
	b.LastSide = model.Side(lastSide)
	if b.SizeNotional, err = decimal.NewFromString(sizeNotional); err != nil {
		return nil, fmt.Errorf("bot %d size_notional: %w", b.ID, err)
	}
	if b.SizeQty, err = decimal.NewFromString(sizeQty); err != nil {
		return nil, fmt.Errorf("bot %d size_qty: %w", b.ID, err)
	}
	if b.TotalPnL, err = decimal.NewFromString(totalPnlStr); err != nil {
		return nil, fmt.Errorf("bot %d total_pnl: %w", b.ID, err)
	}
	return &b, nil
}

func (l *Ledger) scanBotErr(b *model.BotConfig, err error) (*model.BotConfig, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bot: %w", model.ErrNotFound)
	}
	return b, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
