package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"qbtc-market/internal/binance/rest"
	"qbtc-market/internal/cache"
	"qbtc-market/internal/market"
	"qbtc-market/internal/scanner"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// MarketData is the read side of market.Service used by the handlers.
type MarketData interface {
	Tickers(ctx context.Context, m rest.Market) ([]rest.Ticker24h, cache.Result, error)
	Ticker(ctx context.Context, m rest.Market, symbol string) (rest.Ticker24h, cache.Result, bool, error)
	CurrentFunding(ctx context.Context) ([]market.Funding, cache.Result, error)
	FundingHistory(ctx context.Context, symbol string, limit int) ([]rest.FundingRate, cache.Result, error)
	OpenInterest(ctx context.Context, symbol string) (rest.OpenInterest, cache.Result, error)
	Snapshot(ctx context.Context) (market.Snapshot, error)
	Overlap(ctx context.Context, tiers []market.Tier, quote string) (market.OverlapReport, error)
	Status() []market.SourceStatus
}

// Upstream exposes the REST client's rate-limit state for /api/status.
type Upstream interface {
	UsedWeight(m rest.Market) int
	BreakerState(m rest.Market) string
	CooldownUntil(m rest.Market) time.Time
}

// ReportSource supplies the scan loop's most recent report.
type ReportSource interface {
	LatestReport() (scanner.Report, bool)
}

type Options struct {
	Address        string
	Market         MarketData
	Scanner        *scanner.Scanner
	Reports        ReportSource
	ReportMaxAge   time.Duration
	Upstream       Upstream
	Tiers          []market.Tier
	QuoteAsset     string
	MetricsPath    string
	MetricsHandler http.Handler
	RequestTimeout time.Duration
}

type Server struct {
	opts    Options
	log     *zap.Logger
	router  *mux.Router
	http    *http.Server
	started time.Time
	now     func() time.Time
}

func New(opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &Server{
		opts:    opts,
		log:     log,
		router:  mux.NewRouter(),
		started: time.Now(),
		now:     time.Now,
	}
	s.routes()
	s.http = &http.Server{
		Addr:              opts.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(s.requestID, s.logRequests, s.timeout)
	if s.opts.MetricsHandler != nil {
		s.router.Handle(s.opts.MetricsPath, s.opts.MetricsHandler).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/api/status", s.status).Methods(http.MethodGet)
	s.router.HandleFunc("/api/tickers/{market}", s.tickers).Methods(http.MethodGet)
	s.router.HandleFunc("/api/funding", s.funding).Methods(http.MethodGet)
	s.router.HandleFunc("/api/funding/{symbol}/history", s.fundingHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/api/open-interest/{symbol}", s.openInterest).Methods(http.MethodGet)
	s.router.HandleFunc("/api/opportunities", s.opportunities).Methods(http.MethodGet)
	s.router.HandleFunc("/api/opportunities/{symbol}", s.opportunity).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sentiment", s.sentiment).Methods(http.MethodGet)
	s.router.HandleFunc("/api/batch-sentiment", s.batchSentiment).Methods(http.MethodPost)
	s.router.HandleFunc("/api/market-overview", s.marketOverview).Methods(http.MethodGet)
	s.router.HandleFunc("/api/overlap", s.overlap).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return err
	}
	s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown failed", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type requestIDKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		id, _ := r.Context().Value(requestIDKey{}).(string)
		s.log.Debug("http request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", s.now().Sub(start)),
		)
	})
}

func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
