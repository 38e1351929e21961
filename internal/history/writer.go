package history

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
)

const writeTimeout = 3 * time.Second

// LifecycleEvent is one bot status transition, kept for audit and
// reporting. The control loops never read these back.
type LifecycleEvent struct {
	Time       time.Time
	BotID      string
	UserID     string
	FromStatus string
	ToStatus   string
	Reason     string
}

// FundingEvent is one funding or fee payment observed on an exchange.
type FundingEvent struct {
	Time     time.Time
	UserID   string
	Exchange string
	Symbol   string
	Amount   float64
	Rate     float64
}

// Writer ships events to the analytics database asynchronously so a slow
// or unreachable database never stalls a job cycle. A nil *Writer is a
// valid no-op writer.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	events    chan LifecycleEvent
	funding   chan FundingEvent
	started   atomic.Bool
	dropCount atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return nil, nil
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := &Writer{
		db:      db,
		log:     log,
		events:  make(chan LifecycleEvent, cfg.QueueSize),
		funding: make(chan FundingEvent, cfg.QueueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueLifecycle(ev LifecycleEvent) {
	if w == nil {
		return
	}
	select {
	case w.events <- ev:
	default:
		if w.dropCount.Add(1) == 1 && w.log != nil {
			w.log.Warn("history event queue full")
		}
	}
}

func (w *Writer) EnqueueFunding(ev FundingEvent) {
	if w == nil {
		return
	}
	select {
	case w.funding <- ev:
	default:
		if w.dropCount.Add(1) == 1 && w.log != nil {
			w.log.Warn("history event queue full")
		}
	}
}

// FundingEventsSince serves the reporting layer. Results are ordered
// oldest first.
func (w *Writer) FundingEventsSince(ctx context.Context, userID string, since time.Time) ([]FundingEvent, error) {
	if w == nil {
		return nil, nil
	}
	rows, err := w.db.QueryContext(ctx,
		`SELECT ts, user_id, exchange, symbol, amount, rate FROM funding_events
		 WHERE user_id = $1 AND ts >= $2 ORDER BY ts ASC`,
		userID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FundingEvent
	for rows.Next() {
		var ev FundingEvent
		if err := rows.Scan(&ev.Time, &ev.UserID, &ev.Exchange, &ev.Symbol, &ev.Amount, &ev.Rate); err != nil {
			return nil, err
		}
		ev.Time = ev.Time.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			w.writeLifecycle(ctx, ev)
		case ev := <-w.funding:
			w.writeFunding(ctx, ev)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			ts TIMESTAMPTZ NOT NULL,
			bot_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_bot ON lifecycle_events (bot_id, ts)`,
		`CREATE TABLE IF NOT EXISTS funding_events (
			ts TIMESTAMPTZ NOT NULL,
			user_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			rate DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_funding_user ON funding_events (user_id, ts)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_funding_event
			ON funding_events (user_id, exchange, symbol, ts)`,
	}
	for _, stmt := range stmts {
		cctx, cancel := context.WithTimeout(ctx, writeTimeout)
		_, err := w.db.ExecContext(cctx, stmt)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeLifecycle(ctx context.Context, ev LifecycleEvent) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events (ts, bot_id, user_id, from_status, to_status, reason)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Time.UTC(), ev.BotID, ev.UserID, ev.FromStatus, ev.ToStatus, ev.Reason,
	); err != nil && w.log != nil {
		w.log.Warn("lifecycle event insert failed", zap.Error(err))
	}
}

func (w *Writer) writeFunding(ctx context.Context, ev FundingEvent) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx,
		`INSERT INTO funding_events (ts, user_id, exchange, symbol, amount, rate)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, exchange, symbol, ts) DO NOTHING`,
		ev.Time.UTC(), ev.UserID, ev.Exchange, ev.Symbol, ev.Amount, ev.Rate,
	); err != nil && w.log != nil {
		w.log.Warn("funding event insert failed", zap.Error(err))
	}
}
