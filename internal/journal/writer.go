package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"dydx-pairs-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// OrderEvent is one step in an order's life as the bot saw it.
type OrderEvent struct {
	Time     time.Time
	Kind     string
	Market   string
	Side     string
	Size     string
	Price    string
	ClientID uint32
	OrderID  string
	Outcome  string
	Detail   string
}

type LiquidationRecord struct {
	RunID         string
	StartedAt     time.Time
	FinishedAt    time.Time
	State         string
	Positions     int
	Closed        int
	Failures      int
	Partial       bool
	CancelOutcome string
	Error         string
}

// Writer persists order events and liquidation runs to Postgres off the
// hot path. A nil *Writer accepts and discards everything.
type Writer struct {
	db           *sql.DB
	log          *zap.Logger
	schema       string
	orders       chan OrderEvent
	liquidations chan LiquidationRecord
	started      atomic.Bool
	dropOrders   atomic.Uint64
	dropRuns     atomic.Uint64
}

func New(cfg config.JournalConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("journal dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:           db,
		log:          log,
		schema:       schema,
		orders:       make(chan OrderEvent, queueSize),
		liquidations: make(chan LiquidationRecord, queueSize),
	}
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

func (w *Writer) RecordOrder(ev OrderEvent) {
	if w == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case w.orders <- ev:
	default:
		if w.dropOrders.Add(1) == 1 {
			w.log.Warn("journal order queue full")
		}
	}
}

func (w *Writer) RecordLiquidation(rec LiquidationRecord) {
	if w == nil {
		return
	}
	select {
	case w.liquidations <- rec:
	default:
		if w.dropRuns.Add(1) == 1 {
			w.log.Warn("journal liquidation queue full")
		}
	}
}

// Dropped reports how many records were discarded because a queue was full.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropOrders.Load() + w.dropRuns.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.orders:
			w.writeOrder(ctx, ev)
		case rec := <-w.liquidations:
			w.writeLiquidation(ctx, rec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("journal db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		market TEXT NOT NULL,
		side TEXT NOT NULL,
		size NUMERIC,
		price NUMERIC,
		client_id BIGINT NOT NULL,
		order_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL
	)`, w.table("order_events"))); err != nil {
		return err
	}
	return w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id UUID PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		state TEXT NOT NULL,
		positions INTEGER NOT NULL,
		closed INTEGER NOT NULL,
		failures INTEGER NOT NULL,
		partial BOOLEAN NOT NULL,
		cancel_outcome TEXT NOT NULL,
		error TEXT NOT NULL
	)`, w.table("liquidation_runs")))
}

func (w *Writer) writeOrder(ctx context.Context, ev OrderEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, kind, market, side, size, price, client_id, order_id, outcome, detail
	) VALUES ($1,$2,$3,$4,NULLIF($5,'')::NUMERIC,NULLIF($6,'')::NUMERIC,$7,$8,$9,$10)`, w.table("order_events"))
	if _, err := w.db.ExecContext(ctx, query,
		ev.Time, ev.Kind, ev.Market, ev.Side, ev.Size, ev.Price,
		int64(ev.ClientID), ev.OrderID, ev.Outcome, ev.Detail,
	); err != nil {
		w.log.Warn("journal order insert failed", zap.Error(err))
	}
}

func (w *Writer) writeLiquidation(ctx context.Context, rec LiquidationRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		run_id, started_at, finished_at, state, positions, closed, failures, partial, cancel_outcome, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (run_id) DO UPDATE SET
		finished_at = EXCLUDED.finished_at,
		state = EXCLUDED.state,
		closed = EXCLUDED.closed,
		failures = EXCLUDED.failures,
		partial = EXCLUDED.partial,
		error = EXCLUDED.error`, w.table("liquidation_runs"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.RunID, rec.StartedAt, rec.FinishedAt, rec.State, rec.Positions,
		rec.Closed, rec.Failures, rec.Partial, rec.CancelOutcome, rec.Error,
	); err != nil {
		w.log.Warn("journal liquidation insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
