package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"qbtc-market/internal/alerts"
	"qbtc-market/internal/binance/rest"
	"qbtc-market/internal/binance/stream"
	"qbtc-market/internal/cache"
	"qbtc-market/internal/config"
	"qbtc-market/internal/market"
	"qbtc-market/internal/metrics"
	"qbtc-market/internal/scanner"
	"qbtc-market/internal/server"
	"qbtc-market/internal/timescale"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	rest      *rest.Client
	stream    *stream.Client
	marks     *stream.MarkPriceFeed
	market    *market.Service
	scanner   *scanner.Scanner
	server    *server.Server
	timescale *timescale.Writer
	notifier  *alerts.Notifier
	tiers     []market.Tier
	closers   []func() error

	mu     sync.RWMutex
	latest *scanner.Report
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{cfg: cfg, log: log, tiers: market.TiersFromConfig(cfg.Universe)}

	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	} else {
		a.metrics = metrics.NewNoop()
	}

	backend, closers, err := newCacheBackend(context.Background(), cfg.Cache, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closers...)

	opts := rest.OptionsFromConfig(cfg.Binance)
	opts.Metrics = a.metrics
	a.rest = rest.New(opts, log.Named("binance"))

	c := cache.New(backend, cfg.Cache.MaxStale, a.metrics, log.Named("cache"))
	c.SetLoadTimeout(loadTimeout(cfg.Binance))
	a.market = market.NewService(a.rest, c, market.TTLsFromConfig(cfg.Cache.TTL), log.Named("market"))
	if cfg.Stream.Enabled {
		a.stream = stream.New(cfg.Stream.URL, cfg.Stream.ReconnectDelay, cfg.Stream.PingInterval, log.Named("stream"))
		a.marks = stream.NewMarkPriceFeed(a.stream, a.metrics, log.Named("stream"))
		a.market.UseMarks(a.marks)
	}
	a.scanner = scanner.New(scanner.ConfigFromScanner(cfg.Scanner))

	writer, err := timescale.New(cfg.Timescale, a.metrics, log.Named("timescale"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}
	if writer != nil {
		a.timescale = writer
		a.closers = append(a.closers, writer.Close)
	}

	if cfg.Telegram.Enabled {
		tg := alerts.NewTelegram(cfg.Telegram, log.Named("telegram"))
		a.notifier = alerts.NewNotifier(tg, cfg.Telegram.MinScore, cfg.Telegram.Cooldown, a.metrics, log.Named("alerts"))
	}

	if cfg.Server.Enabled {
		// Two intervals tolerate one failed scan before requests rescan.
		srvOpts := server.Options{
			Address:      cfg.Server.Address,
			Market:       a.market,
			Scanner:      a.scanner,
			Reports:      a,
			ReportMaxAge: 2 * cfg.Scanner.Interval,
			Upstream:     a.rest,
			Tiers:        a.tiers,
			QuoteAsset:   cfg.Scanner.QuoteAsset,
		}
		if a.prom != nil {
			srvOpts.MetricsPath = cfg.Metrics.Path
			srvOpts.MetricsHandler = a.prom.Handler()
		}
		a.server = server.New(srvOpts, log.Named("http"))
	}
	return a, nil
}

// loadTimeout covers every attempt of one REST call plus the waits between them.
func loadTimeout(cfg config.BinanceConfig) time.Duration {
	attempts := time.Duration(cfg.RetriesValue() + 1)
	return cfg.Timeout*attempts + cfg.MaxRetryWait
}

func (a *App) Market() *market.Service   { return a.market }
func (a *App) Scanner() *scanner.Scanner { return a.scanner }
func (a *App) Rest() *rest.Client        { return a.rest }
func (a *App) Tiers() []market.Tier      { return a.tiers }

// Close releases stores and database handles in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Run starts the mark price stream, history writer and HTTP server, then
// scans every scanner.interval until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	g, ctx := errgroup.WithContext(ctx)

	a.timescale.Start(ctx)
	if a.marks != nil {
		g.Go(func() error {
			if err := a.marks.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("mark price stream stopped", zap.Error(err))
			}
			return nil
		})
	}
	if a.server != nil {
		g.Go(func() error {
			return a.server.Run(ctx)
		})
	}
	g.Go(func() error {
		return a.loop(ctx)
	})
	return g.Wait()
}

func (a *App) loop(ctx context.Context) error {
	interval := a.cfg.Scanner.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	if _, err := a.ScanOnce(ctx); err != nil {
		a.log.Warn("scan failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ScanOnce(ctx); err != nil {
				a.log.Warn("scan failed", zap.Error(err))
			}
		}
	}
}

// ScanOnce takes a snapshot, scores it, records history and sends alerts.
// Only the snapshot can fail the scan.
func (a *App) ScanOnce(ctx context.Context) (scanner.Report, error) {
	snap, err := a.market.Snapshot(ctx)
	if err != nil {
		a.metrics.ScansFailed.Inc()
		return scanner.Report{}, err
	}
	if len(snap.Errors) > 0 {
		a.log.Warn("snapshot degraded", zap.Any("errors", snap.Errors))
	}
	report := a.scanner.Scan(snap)
	a.metrics.ScansCompleted.Inc()
	a.metrics.Opportunities.Set(float64(len(report.Opportunities)))

	a.mu.Lock()
	a.latest = &report
	a.mu.Unlock()

	a.recordHistory(snap)
	if a.notifier != nil {
		if _, err := a.notifier.Notify(ctx, report); err != nil {
			a.log.Warn("alert send failed", zap.Error(err))
		}
	}
	a.log.Info("scan completed",
		zap.String("scan_id", report.ID),
		zap.Int("instruments", len(snap.Instruments)),
		zap.Int("opportunities", report.Summary.Total),
		zap.Int("long", report.Summary.Long),
		zap.Int("short", report.Summary.Short),
		zap.Float64("average_score", report.Summary.AverageScore),
	)
	return report, nil
}

// LatestReport returns the report from the most recent successful scan.
func (a *App) LatestReport() (scanner.Report, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return scanner.Report{}, false
	}
	return *a.latest, true
}
