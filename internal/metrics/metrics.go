package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// CounterVec hands out a counter for one label value (market, cache kind).
type CounterVec interface {
	With(label string) Counter
}

type GaugeVec interface {
	With(label string) Gauge
}

type Metrics struct {
	RESTRequests    CounterVec
	RESTRetries     CounterVec
	RESTRateLimited CounterVec
	RESTBanned      CounterVec
	RESTFailures    CounterVec
	BreakerOpen     CounterVec
	UsedWeight      GaugeVec

	CacheHits   CounterVec
	CacheMisses CounterVec
	CacheStale  CounterVec

	StreamReconnects Counter
	StreamUpdates    Counter

	ScansCompleted Counter
	ScansFailed    Counter
	Opportunities  Gauge

	AlertsSent       Counter
	AlertsFailed     Counter
	TimescaleDropped Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopCounterVec struct{}

func (noopCounterVec) With(string) Counter { return noopCounter{} }

type noopGaugeVec struct{}

func (noopGaugeVec) With(string) Gauge { return noopGauge{} }

func NewNoop() *Metrics {
	c, g, cv := noopCounter{}, noopGauge{}, noopCounterVec{}
	return &Metrics{
		RESTRequests:     cv,
		RESTRetries:      cv,
		RESTRateLimited:  cv,
		RESTBanned:       cv,
		RESTFailures:     cv,
		BreakerOpen:      cv,
		UsedWeight:       noopGaugeVec{},
		CacheHits:        cv,
		CacheMisses:      cv,
		CacheStale:       cv,
		StreamReconnects: c,
		StreamUpdates:    c,
		ScansCompleted:   c,
		ScansFailed:      c,
		Opportunities:    g,
		AlertsSent:       c,
		AlertsFailed:     c,
		TimescaleDropped: c,
	}
}

// OrNoop returns m, or a no-op set when m is nil.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
