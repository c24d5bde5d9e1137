// Package sqlite persists the trade ledger and bot configurations in a
// single SQLite database (WAL mode, single writer). It is the default
// ledger backend; internal/ledger/postgres provides the same surface on
// Postgres for multi-instance deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"tradebotv1/internal/model"
)

// Ledger implements model.TradeLedger and model.BotStore on SQLite.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database and applies the schema.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer keeps transactions serialized under concurrent bots.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[ledger] opened sqlite ledger at %s", dbPath)
	return &Ledger{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS bots (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id        INTEGER NOT NULL DEFAULT 0,
		token          TEXT    NOT NULL UNIQUE,
		symbol         TEXT    NOT NULL,
		timeframe      TEXT    NOT NULL,
		sizing         TEXT    NOT NULL DEFAULT 'notional',
		size_notional  TEXT    NOT NULL DEFAULT '0',
		size_qty       TEXT    NOT NULL DEFAULT '0',
		active         INTEGER NOT NULL DEFAULT 1,
		total_pnl      TEXT    NOT NULL DEFAULT '0',
		total_trades   INTEGER NOT NULL DEFAULT 0,
		last_action    TEXT    NOT NULL DEFAULT '',
		last_side      TEXT    NOT NULL DEFAULT '',
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS trades (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id              INTEGER NOT NULL,
		symbol              TEXT    NOT NULL,
		action              TEXT    NOT NULL,
		requested_notional  TEXT    NOT NULL DEFAULT '0',
		requested_qty       TEXT    NOT NULL DEFAULT '0',
		order_id            TEXT    NOT NULL DEFAULT '',
		status              TEXT    NOT NULL,
		reason              TEXT    NOT NULL DEFAULT '',
		filled_qty          TEXT    NOT NULL DEFAULT '0',
		filled_avg_price    TEXT    NOT NULL DEFAULT '0',
		entry_price_at_open TEXT    NOT NULL DEFAULT '0',
		side_at_close       TEXT    NOT NULL DEFAULT '',
		realized_pnl        TEXT,
		pnl_applied         INTEGER NOT NULL DEFAULT 0,
		signal_received_at  TEXT,
		order_submitted_at  TEXT,
		filled_at           TEXT,
		created_at          DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_bot    ON trades(bot_id);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	CREATE INDEX IF NOT EXISTS idx_trades_order  ON trades(order_id);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (l *Ledger) DB() *sql.DB { return l.db }

// Ping verifies the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error { return l.db.PingContext(ctx) }

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// ---- TradeLedger ----

// CreateTrade inserts a trade row and returns its id.
func (l *Ledger) CreateTrade(ctx context.Context, t *model.Trade) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO trades (bot_id, symbol, action, requested_notional, requested_qty,
		                     order_id, status, reason, entry_price_at_open, side_at_close,
		                     signal_received_at, order_submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.BotID, t.Symbol, string(t.Action),
		t.RequestedNotional.String(), t.RequestedQty.String(),
		t.OrderID, string(t.Status), t.Reason,
		t.EntryPriceAtOpen.String(), string(t.SideAtClose),
		fmtTime(t.SignalReceivedAt), fmtTime(t.OrderSubmittedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert trade: %w", err)
	}
	return res.LastInsertId()
}

// RecordNoop inserts an informational NOOP row for an orderless outcome.
func (l *Ledger) RecordNoop(ctx context.Context, sig model.Signal, reason string) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO trades (bot_id, symbol, action, status, reason, signal_received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sig.BotID, sig.Symbol, string(sig.Action), string(model.StatusNoop), reason,
		fmtTime(sig.ReceivedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert noop: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTradeStatus applies reconciliation results. Rows already in a
// terminal status are never mutated; such an update is a silent no-op.
func (l *Ledger) UpdateTradeStatus(ctx context.Context, tradeID int64, upd model.TradeUpdate) error {
	var pnl any
	if upd.RealizedPnL.Valid {
		pnl = upd.RealizedPnL.Decimal.String()
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE trades
		 SET status = ?, reason = ?, filled_qty = ?, filled_avg_price = ?,
		     realized_pnl = ?, filled_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(upd.Status), upd.Reason,
		upd.FilledQty.String(), upd.FilledAvgPrice.String(),
		pnl, fmtTime(upd.FilledAt),
		tradeID, string(model.StatusSubmitted), string(model.StatusPartiallyFilled),
	)
	if err != nil {
		return fmt.Errorf("update trade %d: %w", tradeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM trades WHERE id = ?`, tradeID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("trade %d: %w", tradeID, model.ErrNotFound)
		}
		// Already terminal: the first writer won, keep its result.
	}
	return nil
}

// GetTrade fetches one trade by id.
func (l *Ledger) GetTrade(ctx context.Context, tradeID int64) (*model.Trade, error) {
	row := l.db.QueryRowContext(ctx, selectTrades+` WHERE id = ?`, tradeID)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trade %d: %w", tradeID, model.ErrNotFound)
	}
	return t, err
}

// PendingTrades returns non-terminal trades created before olderThan.
func (l *Ledger) PendingTrades(ctx context.Context, olderThan time.Time) ([]model.Trade, error) {
	rows, err := l.db.QueryContext(ctx,
		selectTrades+` WHERE status IN (?, ?) AND order_submitted_at < ? ORDER BY id`,
		string(model.StatusSubmitted), string(model.StatusPartiallyFilled), fmtTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("pending trades: %w", err)
	}
	return collectTrades(rows)
}

// UnbookedTrades returns filled close trades whose realized P&L never
// made it into the bot aggregates.
func (l *Ledger) UnbookedTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := l.db.QueryContext(ctx,
		selectTrades+` WHERE status = ? AND action = ? AND pnl_applied = 0
		 AND realized_pnl IS NOT NULL ORDER BY id`,
		string(model.StatusFilled), string(model.ActionClose))
	if err != nil {
		return nil, fmt.Errorf("unbooked trades: %w", err)
	}
	return collectTrades(rows)
}

// RecentTrades returns the newest trades, newest first. botID == 0 means
// all bots.
func (l *Ledger) RecentTrades(ctx context.Context, botID int64, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if botID > 0 {
		rows, err = l.db.QueryContext(ctx, selectTrades+` WHERE bot_id = ? ORDER BY id DESC LIMIT ?`, botID, limit)
	} else {
		rows, err = l.db.QueryContext(ctx, selectTrades+` ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	return collectTrades(rows)
}

// ApplyPnL marks the trade's P&L as applied and increments the bot's
// aggregates in one transaction. The pnl_applied marker makes the update
// idempotent: re-running it for an already-booked trade changes nothing.
func (l *Ledger) ApplyPnL(ctx context.Context, tradeID, botID int64, delta decimal.Decimal) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply pnl: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE trades SET pnl_applied = 1 WHERE id = ? AND pnl_applied = 0 AND status = ?`,
		tradeID, string(model.StatusFilled))
	if err != nil {
		return fmt.Errorf("apply pnl: mark trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trade %d: %w", tradeID, model.ErrPnLAlreadyApplied)
	}

	var totalStr string
	if err := tx.QueryRowContext(ctx, `SELECT total_pnl FROM bots WHERE id = ?`, botID).Scan(&totalStr); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("bot %d: %w", botID, model.ErrNotFound)
		}
		return fmt.Errorf("apply pnl: load bot: %w", err)
	}
	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return fmt.Errorf("apply pnl: bot %d total_pnl %q: %w", botID, totalStr, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE bots SET total_pnl = ?, total_trades = total_trades + 1 WHERE id = ?`,
		total.Add(delta).String(), botID)
	if err != nil {
		return fmt.Errorf("apply pnl: update bot: %w", err)
	}

	return tx.Commit()
}

// ---- BotStore ----

const selectBots = `SELECT id, user_id, token, symbol, timeframe, sizing, size_notional,
	size_qty, active, total_pnl, total_trades, last_action, last_side FROM bots`

// CreateBot inserts a bot configuration and returns its id.
func (l *Ledger) CreateBot(ctx context.Context, b *model.BotConfig) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO bots (user_id, token, symbol, timeframe, sizing, size_notional, size_qty, active, total_pnl)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.UserID, b.Token, b.Symbol, b.Timeframe, string(b.Sizing),
		b.SizeNotional.String(), b.SizeQty.String(), boolInt(b.Active), b.TotalPnL.String())
	if err != nil {
		return 0, fmt.Errorf("insert bot: %w", err)
	}
	return res.LastInsertId()
}

func (l *Ledger) GetBot(ctx context.Context, id int64) (*model.BotConfig, error) {
	return l.scanBot(l.db.QueryRowContext(ctx, selectBots+` WHERE id = ?`, id))
}

func (l *Ledger) GetBotByToken(ctx context.Context, token string) (*model.BotConfig, error) {
	return l.scanBot(l.db.QueryRowContext(ctx, selectBots+` WHERE token = ?`, token))
}

func (l *Ledger) ListBots(ctx context.Context) ([]model.BotConfig, error) {
	rows, err := l.db.QueryContext(ctx, selectBots+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var bots []model.BotConfig
	for rows.Next() {
		b, err := scanBotRow(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, *b)
	}
	return bots, rows.Err()
}

// SetActive soft-enables/disables a bot.
func (l *Ledger) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := l.db.ExecContext(ctx, `UPDATE bots SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bot %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// SetLastSignal updates the informational signal/side cache on a bot.
func (l *Ledger) SetLastSignal(ctx context.Context, id int64, action model.Action, side model.Side) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE bots SET last_action = ?, last_side = ? WHERE id = ?`,
		string(action), string(side), id)
	return err
}

// ---- Row scanning ----

const selectTrades = `SELECT id, bot_id, symbol, action, requested_notional, requested_qty,
	order_id, status, reason, filled_qty, filled_avg_price, entry_price_at_open,
	side_at_close, realized_pnl, pnl_applied, signal_received_at, order_submitted_at,
	filled_at, created_at FROM trades`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var (
		t                                          model.Trade
		action, status, sideAtClose                string
		reqNotional, reqQty, fillQty, fillPrice    string
		entryPrice                                 string
		pnl                                        sql.NullString
		applied                                    int
		receivedAt, submittedAt, filledAt, created sql.NullString
	)
	err := row.Scan(&t.ID, &t.BotID, &t.Symbol, &action, &reqNotional, &reqQty,
		&t.OrderID, &status, &t.Reason, &fillQty, &fillPrice, &entryPrice,
		&sideAtClose, &pnl, &applied, &receivedAt, &submittedAt, &filledAt, &created)
	if err != nil {
		return nil, err
	}

	t.Action = model.Action(action)
	t.Status = model.TradeStatus(status)
	t.SideAtClose = model.Side(sideAtClose)
	t.PnLApplied = applied != 0
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
	if pnl.Valid {
		d, err := decimal.NewFromString(pnl.String)
		if err != nil {
			return nil, fmt.Errorf("trade %d realized_pnl: %w", t.ID, err)
		}
		t.RealizedPnL = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	t.SignalReceivedAt = parseTime(receivedAt)
	t.OrderSubmittedAt = parseTime(submittedAt)
	t.FilledAt = parseTime(filledAt)
	t.CreatedAt = parseTime(created)
	return &t, nil
}

func collectTrades(rows *sql.Rows) ([]model.Trade, error) {
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

func (l *Ledger) scanBot(row *sql.Row) (*model.BotConfig, error) {
	b, err := scanBotRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bot: %w", model.ErrNotFound)
	}
	return b, err
}

func scanBotRow(row rowScanner) (*model.BotConfig, error) {
	var (
		b                                  model.BotConfig
		sizing, lastAction, lastSide       string
		sizeNotional, sizeQty, totalPnlStr string
		active                             int
	)
	err := row.Scan(&b.ID, &b.UserID, &b.Token, &b.Symbol, &b.Timeframe, &sizing,
		&sizeNotional, &sizeQty, &active, &totalPnlStr, &b.TotalTrades, &lastAction, &lastSide)
	if err != nil {
		return nil, err
	}
	b.Sizing = model.SizingMode(sizing)
	b.Active = active != 0
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

// ---- Helpers ----

// timeLayout pads fractional seconds to nine digits so stored timestamps
// stay the same width and string comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s.String); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
