package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Marsha313/at-trader/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Cycle is one completed hedge cycle as stored for analysis.
type Cycle struct {
	Time           time.Time
	Symbol         string
	Mode           string
	Success        bool
	SoldQty        float64
	BoughtQty      float64
	Volume         float64
	DurationMS     int64
	MarketFallback bool
	Seller         string
	Buyer          string
}

// BookTick is a top-of-book sample taken during a market refresh.
type BookTick struct {
	Time   time.Time
	Symbol string
	Bid    float64
	Ask    float64
	BidQty float64
	AskQty float64
}

// Writer mirrors cycle outcomes and book samples into TimescaleDB without
// ever blocking the trading loop: enqueues are non-blocking and drops are
// counted, not retried.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	cycles    chan Cycle
	books     chan BookTick
	started   atomic.Bool
	dropCycle atomic.Uint64
	dropBook  atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
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
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		cycles: make(chan Cycle, queueSize),
		books:  make(chan BookTick, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
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

func (w *Writer) EnqueueCycle(cycle Cycle) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- cycle:
		return
	default:
		if w.dropCycle.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale cycle queue full")
		}
	}
}

func (w *Writer) EnqueueBook(tick BookTick) {
	if w == nil {
		return
	}
	select {
	case w.books <- tick:
		return
	default:
		if w.dropBook.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale book queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cycle := <-w.cycles:
			w.writeCycle(ctx, cycle)
		case tick := <-w.books:
			w.writeBook(ctx, tick)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		mode TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		sold_qty DOUBLE PRECISION NOT NULL,
		bought_qty DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL,
		duration_ms BIGINT NOT NULL,
		market_fallback BOOLEAN NOT NULL,
		seller TEXT NOT NULL,
		buyer TEXT NOT NULL
	)`, w.table("hedge_cycles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		bid DOUBLE PRECISION NOT NULL,
		ask DOUBLE PRECISION NOT NULL,
		bid_qty DOUBLE PRECISION NOT NULL,
		ask_qty DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, symbol)
	)`, w.table("book_ticks"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("hedge_cycles"))); err != nil && w.log != nil {
		w.log.Warn("timescale hedge_cycles hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("book_ticks"))); err != nil && w.log != nil {
		w.log.Warn("timescale book_ticks hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeCycle(ctx context.Context, cycle Cycle) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, mode, success, sold_qty, bought_qty, volume, duration_ms, market_fallback, seller, buyer
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	)`, w.table("hedge_cycles"))
	if _, err := w.db.ExecContext(ctx, query,
		cycle.Time,
		cycle.Symbol,
		cycle.Mode,
		cycle.Success,
		cycle.SoldQty,
		cycle.BoughtQty,
		cycle.Volume,
		cycle.DurationMS,
		cycle.MarketFallback,
		cycle.Seller,
		cycle.Buyer,
	); err != nil && w.log != nil {
		w.log.Warn("timescale cycle insert failed", zap.Error(err))
	}
}

func (w *Writer) writeBook(ctx context.Context, tick BookTick) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, bid, ask, bid_qty, ask_qty
	) VALUES (
		$1,$2,$3,$4,$5,$6
	)
	ON CONFLICT (ts, symbol) DO UPDATE SET
		bid = EXCLUDED.bid,
		ask = EXCLUDED.ask,
		bid_qty = EXCLUDED.bid_qty,
		ask_qty = EXCLUDED.ask_qty`, w.table("book_ticks"))
	if _, err := w.db.ExecContext(ctx, query,
		tick.Time,
		tick.Symbol,
		tick.Bid,
		tick.Ask,
		tick.BidQty,
		tick.AskQty,
	); err != nil && w.log != nil {
		w.log.Warn("timescale book upsert failed", zap.Error(err))
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
