package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Message outcomes.
const (
	OutcomeStored    = "stored"    // tracked actor, upserted
	OutcomeUntracked = "untracked" // parsed, actor not tracked
	OutcomeDropped   = "dropped"   // parse error
	OutcomeIgnored   = "ignored"   // non-message kind or empty payload
)

// Metrics is the consumer's collector set. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	messages        *prometheus.CounterVec
	restarts        *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	state           *prometheus.GaugeVec
	trackedSize     prometheus.Gauge
	lastRefresh     prometheus.Gauge
	lastCheckpoint  prometheus.Gauge
	lastEventTime   prometheus.Gauge
	upsertDur       prometheus.Histogram
	connectAttempts prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xwiki_consumer",
			Name:      "messages_total",
			Help:      "Stream messages handled, by outcome",
		}, []string{"outcome"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xwiki_consumer",
			Name:      "restarts_total",
			Help:      "Pipeline restarts, by error class",
		}, []string{"reason"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xwiki_consumer",
			Name:      "tracked_refresh_total",
			Help:      "Tracked set loads, by result",
		}, []string{"result"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "xwiki_consumer",
			Name:      "state",
			Help:      "1 for the supervisor's current state, 0 otherwise",
		}, []string{"state"}),
		trackedSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xwiki_consumer",
			Name:      "tracked_identities",
			Help:      "Size of the active tracked set",
		}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xwiki_consumer",
			Name:      "tracked_last_refresh_timestamp_seconds",
			Help:      "Unix time of the last successful tracked set load",
		}),
		lastCheckpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xwiki_consumer",
			Name:      "last_checkpoint_timestamp_seconds",
			Help:      "Unix time of the last checkpoint write",
		}),
		lastEventTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xwiki_consumer",
			Name:      "last_event_timestamp_seconds",
			Help:      "Feed timestamp of the last parsed event",
		}),
		upsertDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "xwiki_consumer",
			Name:      "upsert_duration_seconds",
			Help:      "Time spent storing one matched event",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xwiki_consumer",
			Name:      "connect_attempts_total",
			Help:      "Pipeline cycles started",
		}),
	}
	reg.MustRegister(
		m.messages, m.restarts, m.refreshes, m.state,
		m.trackedSize, m.lastRefresh, m.lastCheckpoint, m.lastEventTime, m.upsertDur, m.connectAttempts,
	)
	return m
}

func (m *Metrics) Message(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Restart(reason string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(reason).Inc()
}

func (m *Metrics) Refresh(size int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshes.WithLabelValues("error").Inc()
		return
	}
	m.refreshes.WithLabelValues("ok").Inc()
	m.trackedSize.Set(float64(size))
	m.lastRefresh.SetToCurrentTime()
}

// SetState marks current as the only active state among all.
func (m *Metrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Checkpointed(at time.Time) {
	if m == nil {
		return
	}
	m.lastCheckpoint.Set(float64(at.Unix()))
}

func (m *Metrics) EventSeen(ts time.Time) {
	if m == nil || ts.IsZero() {
		return
	}
	m.lastEventTime.Set(float64(ts.Unix()))
}

func (m *Metrics) ObserveUpsert(d time.Duration) {
	if m == nil {
		return
	}
	m.upsertDur.Observe(d.Seconds())
}

func (m *Metrics) Connect() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}
