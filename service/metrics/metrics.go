package metrics

import (
	"net/http"
	"runtime"

	"PPRelay/module/message"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pprelay"

// Metrics implements message.Recorder and chat.Metrics on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	sends       *prometheus.CounterVec
	reads       prometheus.Counter
	typing      *prometheus.CounterVec
	storeErrors *prometheus.CounterVec

	connOpened  prometheus.Counter
	connClosed  *prometheus.CounterVec
	authFailed  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	retryQueued prometheus.Counter
}

// New builds the collectors. online and unread are sampled at scrape time;
// either may be nil.
func New(online func() int, unread func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	m := &Metrics{
		reg: reg,
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Send attempts by outcome.",
		}, []string{"outcome"}),
		reads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mark_read_total",
			Help:      "Accepted mark_read events.",
		}),
		typing: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "typing_total",
			Help:      "Typing signals by whether they reached the peer.",
		}, []string{"delivered"}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed store operations.",
		}, []string{"op"}),
		connOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Upgraded websocket connections.",
		}),
		connClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Closed websocket connections.",
		}, []string{"authenticated"}),
		authFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected credentials by stage.",
		}, []string{"stage"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames ignored by reason.",
		}, []string{"reason"}),
		retryQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_retry_total",
			Help:      "Messages handed to the persistence retry queue.",
		}),
	}
	if online != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_users",
			Help:      "Users with a live session.",
		}, func() float64 { return float64(online()) })
	}
	if unread != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_messages",
			Help:      "Sum of the unread ledger.",
		}, func() float64 { return float64(unread()) })
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Number of active goroutines.",
	}, func() float64 { return float64(runtime.NumGoroutine()) })
	return m
}

// TrackPending samples the number of sockets still waiting for credentials.
// Call it once, after the websocket server exists.
func (m *Metrics) TrackPending(pending func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_auth_connections",
		Help:      "Upgraded sockets that have not authenticated yet.",
	}, func() float64 { return float64(pending()) })
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ---- message.Recorder ----

func (m *Metrics) RecordSend(o message.SendOutcome) {
	label := o.Kind.String()
	if o.Kind == message.Rejected {
		label = o.String()
	}
	m.sends.WithLabelValues(label).Inc()
	if o.Kind != message.Rejected && o.Message != nil && !o.Persisted {
		m.retryQueued.Inc()
	}
}

func (m *Metrics) RecordRead() { m.reads.Inc() }

func (m *Metrics) RecordTyping(delivered bool) {
	if delivered {
		m.typing.WithLabelValues("true").Inc()
		return
	}
	m.typing.WithLabelValues("false").Inc()
}

func (m *Metrics) RecordStoreError(op string) { m.storeErrors.WithLabelValues(op).Inc() }

// ---- chat.Metrics ----

func (m *Metrics) ConnOpened() { m.connOpened.Inc() }

func (m *Metrics) ConnClosed(authenticated bool) {
	if authenticated {
		m.connClosed.WithLabelValues("true").Inc()
		return
	}
	m.connClosed.WithLabelValues("false").Inc()
}

func (m *Metrics) AuthFailed(stage string)    { m.authFailed.WithLabelValues(stage).Inc() }
func (m *Metrics) FrameDropped(reason string) { m.dropped.WithLabelValues(reason).Inc() }
