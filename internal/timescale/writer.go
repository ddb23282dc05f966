package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"qbtc-market/internal/config"
	"qbtc-market/internal/market"
	"qbtc-market/internal/metrics"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// TickerRow is one symbol's state at snapshot time.
type TickerRow struct {
	Time         time.Time
	Symbol       string
	SpotPrice    float64
	FuturesPrice float64
	MarkPrice    float64
	IndexPrice   float64
	ChangePct    float64
	QuoteVolume  float64
	FundingRate  float64
	SpreadBps    float64
	BasisBps     float64
}

type FundingRow struct {
	Time      time.Time
	Symbol    string
	Rate      float64
	MarkPrice float64
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	metrics     *metrics.Metrics
	schema      string
	tickers     chan []TickerRow
	funding     chan []FundingRow
	started     atomic.Bool
	dropTickers atomic.Uint64
	dropFunding atomic.Uint64
}

// New connects and prepares the schema. It returns nil, nil when disabled.
func New(cfg config.TimescaleConfig, m *metrics.Metrics, log *zap.Logger) (*Writer, error) {
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
	if !validIdent(schema) {
		return nil, fmt.Errorf("timescale schema %q is not a plain identifier", schema)
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
	w := newWriter(db, schema, cfg.QueueSize, m, log)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, m *metrics.Metrics, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:      db,
		log:     log,
		metrics: metrics.OrNoop(m),
		schema:  schema,
		tickers: make(chan []TickerRow, queueSize),
		funding: make(chan []FundingRow, queueSize),
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

// EnqueueTickers queues one batch without blocking. Full queues drop the
// batch; only the first drop is logged.
func (w *Writer) EnqueueTickers(rows []TickerRow) {
	if w == nil || len(rows) == 0 {
		return
	}
	select {
	case w.tickers <- rows:
	default:
		w.metrics.TimescaleDropped.Inc()
		if w.dropTickers.Add(1) == 1 {
			w.log.Warn("timescale ticker queue full, dropping batches")
		}
	}
}

func (w *Writer) EnqueueFunding(rows []FundingRow) {
	if w == nil || len(rows) == 0 {
		return
	}
	select {
	case w.funding <- rows:
	default:
		w.metrics.TimescaleDropped.Inc()
		if w.dropFunding.Add(1) == 1 {
			w.log.Warn("timescale funding queue full, dropping batches")
		}
	}
}

// Dropped reports how many batches were discarded per queue.
func (w *Writer) Dropped() (tickers, funding uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropTickers.Load(), w.dropFunding.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rows := <-w.tickers:
			if err := w.writeTickers(ctx, rows); err != nil {
				w.log.Warn("timescale ticker insert failed", zap.Int("rows", len(rows)), zap.Error(err))
			}
		case rows := <-w.funding:
			if err := w.writeFunding(ctx, rows); err != nil {
				w.log.Warn("timescale funding upsert failed", zap.Int("rows", len(rows)), zap.Error(err))
			}
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
		spot_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		futures_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		mark_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		index_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		change_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		quote_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
		funding_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		spread_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
		basis_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (ts, symbol)
	)`, w.table("market_tickers"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		mark_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (ts, symbol)
	)`, w.table("funding_rates"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"market_tickers", "funding_rates"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeTickers(ctx context.Context, rows []TickerRow) error {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, spot_price, futures_price, mark_price, index_price,
		change_pct, quote_volume, funding_rate, spread_bps, basis_bps
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (ts, symbol) DO NOTHING`, w.table("market_tickers"))
	return w.inTx(ctx, query, len(rows), func(stmt *sql.Stmt, i int) error {
		r := rows[i]
		_, err := stmt.ExecContext(ctx,
			r.Time, r.Symbol, r.SpotPrice, r.FuturesPrice, r.MarkPrice, r.IndexPrice,
			r.ChangePct, r.QuoteVolume, r.FundingRate, r.SpreadBps, r.BasisBps,
		)
		return err
	})
}

func (w *Writer) writeFunding(ctx context.Context, rows []FundingRow) error {
	query := fmt.Sprintf(`INSERT INTO %s (ts, symbol, funding_rate, mark_price)
	VALUES ($1,$2,$3,$4)
	ON CONFLICT (ts, symbol) DO UPDATE SET
		funding_rate = EXCLUDED.funding_rate,
		mark_price = EXCLUDED.mark_price`, w.table("funding_rates"))
	return w.inTx(ctx, query, len(rows), func(stmt *sql.Stmt, i int) error {
		r := rows[i]
		_, err := stmt.ExecContext(ctx, r.Time, r.Symbol, r.Rate, r.MarkPrice)
		return err
	})
}

func (w *Writer) inTx(ctx context.Context, query string, n int, exec func(*sql.Stmt, int) error) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
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

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// TickerRows converts a snapshot, keeping instruments quoted in quote (all
// when quote is empty) that have a price.
func TickerRows(snap market.Snapshot, quote string) []TickerRow {
	ts := snap.TakenAt.UTC().Truncate(time.Second)
	rows := make([]TickerRow, 0, len(snap.Instruments))
	for _, inst := range snap.Instruments {
		if quote != "" && inst.QuoteAsset != quote {
			continue
		}
		if inst.LastPrice() <= 0 {
			continue
		}
		rows = append(rows, TickerRow{
			Time:         ts,
			Symbol:       inst.Symbol,
			SpotPrice:    inst.SpotPrice,
			FuturesPrice: inst.FuturesPrice,
			MarkPrice:    inst.MarkPrice,
			IndexPrice:   inst.IndexPrice,
			ChangePct:    inst.ChangePct(),
			QuoteVolume:  inst.QuoteVolume(),
			FundingRate:  inst.FundingRate,
			SpreadBps:    inst.SpreadBps,
			BasisBps:     inst.BasisBps,
		})
	}
	return rows
}

// FundingRows keys each perpetual's current rate by its next funding time,
// so repeated snapshots within one period update a single row.
func FundingRows(snap market.Snapshot, quote string) []FundingRow {
	rows := make([]FundingRow, 0, len(snap.Instruments))
	for _, inst := range snap.Instruments {
		if !inst.HasFunding || inst.NextFunding.IsZero() {
			continue
		}
		if quote != "" && inst.QuoteAsset != quote {
			continue
		}
		rows = append(rows, FundingRow{
			Time:      inst.NextFunding.UTC(),
			Symbol:    inst.Symbol,
			Rate:      inst.FundingRate,
			MarkPrice: inst.MarkPrice,
		})
	}
	return rows
}
