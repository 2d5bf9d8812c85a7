package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts ingest pipeline activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	eventsSeen    prometheus.Counter
	normalized    *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	evicted       prometheus.Counter
	archiveErrors prometheus.Counter
	pollUpdates   prometheus.Counter
	connects      *prometheus.CounterVec
}

// NewMetrics creates the ingest collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdir",
			Name:      "ingest_events_total",
			Help:      "Raw events received from the chat source",
		}),
		normalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatdir",
			Name:      "ingest_messages_total",
			Help:      "Events normalized into chat messages",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatdir",
			Name:      "ingest_dropped_total",
			Help:      "Events dropped during normalization",
		}, []string{"reason"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdir",
			Name:      "buffer_evicted_total",
			Help:      "Regular messages evicted from the retention buffer",
		}),
		archiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdir",
			Name:      "archive_write_errors_total",
			Help:      "Transcript archive write errors",
		}),
		pollUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdir",
			Name:      "poll_updates_total",
			Help:      "Poll open and close transitions",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatdir",
			Name:      "session_connects_total",
			Help:      "Connect attempts by outcome",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsSeen,
			m.normalized,
			m.dropped,
			m.evicted,
			m.archiveErrors,
			m.pollUpdates,
			m.connects,
		)
	}
	return m
}

func (m *Metrics) incSeen() {
	if m == nil {
		return
	}
	m.eventsSeen.Inc()
}

func (m *Metrics) incNormalized(kind string) {
	if m == nil {
		return
	}
	m.normalized.WithLabelValues(kind).Inc()
}

func (m *Metrics) incDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) addEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evicted.Add(float64(n))
}

func (m *Metrics) incArchiveErrors() {
	if m == nil {
		return
	}
	m.archiveErrors.Inc()
}

func (m *Metrics) incPollUpdates() {
	if m == nil {
		return
	}
	m.pollUpdates.Inc()
}

func (m *Metrics) incConnect(result string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(result).Inc()
}
