package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"funding-arb-bot/internal/bot"
	"funding-arb-bot/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The jobs are separate processes sharing one file.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			exchange_long TEXT NOT NULL,
			exchange_short TEXT NOT NULL,
			capital REAL NOT NULL,
			leverage REAL NOT NULL,
			rebalance_threshold REAL NOT NULL,
			safety_threshold REAL NOT NULL,
			stop_loss_percentage REAL NOT NULL,
			status TEXT NOT NULL,
			stopped_type TEXT NOT NULL DEFAULT '',
			transfer_reason TEXT NOT NULL DEFAULT '',
			transfer_amount REAL NOT NULL DEFAULT 0,
			increase INTEGER NOT NULL DEFAULT 0,
			capital_increase REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT '',
			stopped_at TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			status_changed_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_user_created ON bots (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots (status)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size REAL NOT NULL,
			entry_price REAL NOT NULL,
			leverage REAL NOT NULL,
			liquidation_price REAL NOT NULL DEFAULT 0,
			safety_value REAL NOT NULL DEFAULT 0,
			rebalance_value REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			opened_at TEXT NOT NULL,
			closed_at TEXT NOT NULL DEFAULT '',
			close_price REAL NOT NULL DEFAULT 0,
			realized_pnl REAL NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_bot ON positions (bot_id, status)`,
		`CREATE TABLE IF NOT EXISTS user_credentials (
			user_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			api_key TEXT NOT NULL,
			api_secret TEXT NOT NULL,
			wallet_address TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, exchange)
		)`,
		`CREATE TABLE IF NOT EXISTS prices (
			symbol TEXT PRIMARY KEY,
			price REAL NOT NULL,
			source TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const botColumns = `id, user_id, exchange_long, exchange_short, capital, leverage,
	rebalance_threshold, safety_threshold, stop_loss_percentage, status,
	stopped_type, transfer_reason, transfer_amount, increase, capital_increase,
	created_at, started_at, stopped_at, retry_count, status_changed_at`

func (s *Store) CreateBot(ctx context.Context, b *bot.Bot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Only one active bot per user: retire whatever is still live before
	// the new record lands, in the same transaction.
	now := formatTime(b.CreatedAt)
	_, err = tx.ExecContext(ctx,
		`UPDATE bots SET status = ?, stopped_type = ?, stopped_at = ?, status_changed_at = ?, retry_count = 0
		 WHERE user_id = ? AND status != ?`,
		bot.StatusStopped, bot.StopNewInstance, now, now, b.UserID, bot.StatusStopped)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bots (`+botColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.ExchangeLong, b.ExchangeShort, b.Capital, b.Leverage,
		b.RebalanceThreshold, b.SafetyThreshold, b.StopLossPercentage, b.Status,
		b.StoppedType, b.TransferReason, b.TransferAmount, boolToInt(b.Increase), b.CapitalIncrease,
		formatTime(b.CreatedAt), formatTime(b.StartedAt), formatTime(b.StoppedAt),
		b.RetryCount, formatTime(b.StatusChangedAt))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetBot(ctx context.Context, id string) (*bot.Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	return scanBot(row)
}

func (s *Store) CurrentBot(ctx context.Context, userID string) (*bot.Bot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, userID)
	return scanBot(row)
}

func (s *Store) BotHistory(ctx context.Context, userID string) ([]*bot.Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBots(rows)
}

func (s *Store) BotsByStatus(ctx context.Context, statuses ...bot.Status) ([]*bot.Bot, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + botColumns + ` FROM bots WHERE status IN (?`
	args := []any{statuses[0]}
	for _, st := range statuses[1:] {
		query += ", ?"
		args = append(args, st)
	}
	query += `) ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBots(rows)
}

func (s *Store) SaveTransition(ctx context.Context, b *bot.Bot, prev bot.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET capital = ?, status = ?, stopped_type = ?, transfer_reason = ?,
			transfer_amount = ?, increase = ?, capital_increase = ?,
			started_at = ?, stopped_at = ?, retry_count = ?, status_changed_at = ?
		 WHERE id = ? AND status = ?`,
		b.Capital, b.Status, b.StoppedType, b.TransferReason,
		b.TransferAmount, boolToInt(b.Increase), b.CapitalIncrease,
		formatTime(b.StartedAt), formatTime(b.StoppedAt), b.RetryCount, formatTime(b.StatusChangedAt),
		b.ID, prev)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("bot %s: %w", b.ID, store.ErrStaleStatus)
	}
	return nil
}

func (s *Store) BumpRetry(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE bots SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRowContext(ctx, `SELECT retry_count FROM bots WHERE id = ?`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("bot %s: %w", id, store.ErrNotFound)
	}
	return count, err
}

func (s *Store) FoldCapitalIncrease(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET capital = capital + capital_increase, capital_increase = 0, increase = 0
		 WHERE id = ? AND increase = 1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("bot %s has no pending capital increase: %w", id, store.ErrNotFound)
	}
	return nil
}

const positionColumns = `id, bot_id, user_id, exchange, symbol, side, size, entry_price,
	leverage, liquidation_price, safety_value, rebalance_value, status,
	opened_at, closed_at, close_price, realized_pnl, close_reason`

func (s *Store) CreatePosition(ctx context.Context, p *bot.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (`+positionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BotID, p.UserID, p.Exchange, p.Symbol, p.Side, p.Size, p.EntryPrice,
		p.Leverage, p.LiquidationPrice, p.SafetyValue, p.RebalanceValue, p.Status,
		formatTime(p.OpenedAt), formatTime(p.ClosedAt), p.ClosePrice, p.RealizedPnL, p.CloseReason)
	return err
}

func (s *Store) GetPosition(ctx context.Context, id string) (*bot.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	return scanPosition(row)
}

func (s *Store) OpenPositions(ctx context.Context, botID string) ([]*bot.Position, error) {
	// Legs flagged for compensation are not part of the live pair and are
	// only visible through CompensationPending.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE bot_id = ? AND status = ? AND close_reason != ? ORDER BY opened_at ASC`,
		botID, bot.PositionOpen, bot.CloseReasonCompensation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *Store) UpdateThresholds(ctx context.Context, id string, liquidation, safety, rebalance float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET liquidation_price = ?, safety_value = ?, rebalance_value = ?
		 WHERE id = ? AND status = ?`,
		liquidation, safety, rebalance, id, bot.PositionOpen)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("open position %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ClosePosition(ctx context.Context, id string, closedAt time.Time, closePrice, pnl float64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET status = ?, closed_at = ?, close_price = ?, realized_pnl = ?, close_reason = ?
		 WHERE id = ? AND status = ?`,
		bot.PositionClosed, formatTime(closedAt), closePrice, pnl, reason, id, bot.PositionOpen)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("open position %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkCompensation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET close_reason = ? WHERE id = ? AND status = ?`,
		bot.CloseReasonCompensation, id, bot.PositionOpen)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("open position %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CompensationPending(ctx context.Context, botID string) ([]*bot.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE bot_id = ? AND status = ? AND close_reason = ?`,
		botID, bot.PositionOpen, bot.CloseReasonCompensation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *Store) SaveCredentials(ctx context.Context, userID, exchange string, creds store.Credentials) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_credentials (user_id, exchange, api_key, api_secret, wallet_address)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, exchange) DO UPDATE SET
			api_key = excluded.api_key, api_secret = excluded.api_secret, wallet_address = excluded.wallet_address`,
		userID, exchange, creds.APIKey, creds.APISecret, creds.WalletAddress)
	return err
}

func (s *Store) GetCredentials(ctx context.Context, userID, exchange string) (store.Credentials, error) {
	var creds store.Credentials
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key, api_secret, wallet_address FROM user_credentials WHERE user_id = ? AND exchange = ?`,
		userID, exchange).Scan(&creds.APIKey, &creds.APISecret, &creds.WalletAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Credentials{}, fmt.Errorf("credentials for %s/%s: %w", userID, exchange, store.ErrNotFound)
	}
	return creds, err
}

func (s *Store) SavePrice(ctx context.Context, p store.Price) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prices (symbol, price, source, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET price = excluded.price, source = excluded.source, updated_at = excluded.updated_at`,
		p.Symbol, p.Price, p.Source, formatTime(p.UpdatedAt))
	return err
}

func (s *Store) LatestPrice(ctx context.Context, symbol string) (store.Price, error) {
	var p store.Price
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT symbol, price, source, updated_at FROM prices WHERE symbol = ?`, symbol).
		Scan(&p.Symbol, &p.Price, &p.Source, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Price{}, fmt.Errorf("price for %s: %w", symbol, store.ErrNotFound)
	}
	if err != nil {
		return store.Price{}, err
	}
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*bot.Bot, error) {
	var b bot.Bot
	var increase int
	var created, started, stopped, changed string
	err := row.Scan(&b.ID, &b.UserID, &b.ExchangeLong, &b.ExchangeShort, &b.Capital, &b.Leverage,
		&b.RebalanceThreshold, &b.SafetyThreshold, &b.StopLossPercentage, &b.Status,
		&b.StoppedType, &b.TransferReason, &b.TransferAmount, &increase, &b.CapitalIncrease,
		&created, &started, &stopped, &b.RetryCount, &changed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Increase = increase != 0
	b.CreatedAt = parseTime(created)
	b.StartedAt = parseTime(started)
	b.StoppedAt = parseTime(stopped)
	b.StatusChangedAt = parseTime(changed)
	return &b, nil
}

func scanBots(rows *sql.Rows) ([]*bot.Bot, error) {
	var out []*bot.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanPosition(row rowScanner) (*bot.Position, error) {
	var p bot.Position
	var opened, closed string
	err := row.Scan(&p.ID, &p.BotID, &p.UserID, &p.Exchange, &p.Symbol, &p.Side, &p.Size, &p.EntryPrice,
		&p.Leverage, &p.LiquidationPrice, &p.SafetyValue, &p.RebalanceValue, &p.Status,
		&opened, &closed, &p.ClosePrice, &p.RealizedPnL, &p.CloseReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.OpenedAt = parseTime(opened)
	p.ClosedAt = parseTime(closed)
	return &p, nil
}

func scanPositions(rows *sql.Rows) ([]*bot.Position, error) {
	var out []*bot.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Timestamps are stored as RFC3339 UTC strings. The zero time maps to the
// empty string so "never happened" stays distinguishable.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
