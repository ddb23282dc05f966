package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "qbtc_market"

type promCounterVec struct {
	vec *prometheus.CounterVec
}

func (p promCounterVec) With(label string) Counter {
	return p.vec.WithLabelValues(label)
}

type promGaugeVec struct {
	vec *prometheus.GaugeVec
}

func (p promGaugeVec) With(label string) Gauge {
	return p.vec.WithLabelValues(label)
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	restRequests    *prometheus.CounterVec
	restRetries     *prometheus.CounterVec
	restRateLimited *prometheus.CounterVec
	restBanned      *prometheus.CounterVec
	restFailures    *prometheus.CounterVec
	breakerOpen     *prometheus.CounterVec
	usedWeight      *prometheus.GaugeVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	cacheStale      *prometheus.CounterVec
	streamReconnect prometheus.Counter
	streamUpdates   prometheus.Counter
	scansCompleted  prometheus.Counter
	scansFailed     prometheus.Counter
	opportunities   prometheus.Gauge
	alertsSent      prometheus.Counter
	alertsFailed    prometheus.Counter
	tsDropped       prometheus.Counter
}

func newCounterVec(name, help, label string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	}, []string{label})
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:        prometheus.NewRegistry(),
		restRequests:    newCounterVec("rest_requests_total", "Total number of Binance REST requests sent.", "market"),
		restRetries:     newCounterVec("rest_retries_total", "Total number of Binance REST request retries.", "market"),
		restRateLimited: newCounterVec("rest_rate_limited_total", "Total number of requests that ended rate limited.", "market"),
		restBanned:      newCounterVec("rest_banned_total", "Total number of HTTP 418 responses.", "market"),
		restFailures:    newCounterVec("rest_failures_total", "Total number of failed Binance REST calls.", "market"),
		breakerOpen:     newCounterVec("breaker_open_total", "Total number of circuit breaker openings.", "market"),
		usedWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "used_weight_1m",
			Help:      "Last X-MBX-USED-WEIGHT-1m reported by Binance.",
		}, []string{"market"}),
		cacheHits:       newCounterVec("cache_hits_total", "Total number of fresh cache hits.", "kind"),
		cacheMisses:     newCounterVec("cache_misses_total", "Total number of cache misses.", "kind"),
		cacheStale:      newCounterVec("cache_stale_served_total", "Total number of stale cache entries served after a fetch error.", "kind"),
		streamReconnect: newCounter("stream_reconnects_total", "Total number of mark price stream reconnects."),
		streamUpdates:   newCounter("stream_updates_total", "Total number of mark price stream batches applied."),
		scansCompleted:  newCounter("scans_completed_total", "Total number of completed opportunity scans."),
		scansFailed:     newCounter("scans_failed_total", "Total number of failed opportunity scans."),
		opportunities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "opportunities",
			Help:      "Number of opportunities in the latest scan.",
		}),
		alertsSent:   newCounter("alerts_sent_total", "Total number of alerts delivered."),
		alertsFailed: newCounter("alerts_failed_total", "Total number of alert delivery failures."),
		tsDropped:    newCounter("timescale_dropped_total", "Total number of snapshots dropped by the timescale writer."),
	}

	p.registry.MustRegister(
		p.restRequests, p.restRetries, p.restRateLimited, p.restBanned, p.restFailures,
		p.breakerOpen, p.usedWeight, p.cacheHits, p.cacheMisses, p.cacheStale,
		p.streamReconnect, p.streamUpdates, p.scansCompleted, p.scansFailed,
		p.opportunities, p.alertsSent, p.alertsFailed, p.tsDropped,
	)

	p.Metrics = &Metrics{
		RESTRequests:     promCounterVec{p.restRequests},
		RESTRetries:      promCounterVec{p.restRetries},
		RESTRateLimited:  promCounterVec{p.restRateLimited},
		RESTBanned:       promCounterVec{p.restBanned},
		RESTFailures:     promCounterVec{p.restFailures},
		BreakerOpen:      promCounterVec{p.breakerOpen},
		UsedWeight:       promGaugeVec{p.usedWeight},
		CacheHits:        promCounterVec{p.cacheHits},
		CacheMisses:      promCounterVec{p.cacheMisses},
		CacheStale:       promCounterVec{p.cacheStale},
		StreamReconnects: p.streamReconnect,
		StreamUpdates:    p.streamUpdates,
		ScansCompleted:   p.scansCompleted,
		ScansFailed:      p.scansFailed,
		Opportunities:    p.opportunities,
		AlertsSent:       p.alertsSent,
		AlertsFailed:     p.alertsFailed,
		TimescaleDropped: p.tsDropped,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
