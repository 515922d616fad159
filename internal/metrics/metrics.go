// Package metrics holds the Prometheus collectors of the chat service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clinicchat/internal/common"
)

const namespace = "clinicchat"

type Metrics struct {
	messagesSent  *prometheus.CounterVec
	sendFailures  *prometheus.CounterVec
	pushes        *prometheus.CounterVec
	frames        *prometheus.CounterVec
	openSessions  prometheus.Gauge
	appendLatency prometheus.Histogram

	reg prometheus.Registerer
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages accepted by the router, split by whether they were retries.",
		}, []string{"duplicate"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed sends by error kind.",
		}, []string{"kind"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_pushes_total",
			Help:      "Fan-out push attempts by outcome.",
		}, []string{"result"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound live frames by type.",
		}, []string{"type"}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Live connections currently registered.",
		}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_append_seconds",
			Help:      "Latency of durable message appends.",
			Buckets:   prometheus.DefBuckets,
		}),
		reg: reg,
	}
	reg.MustRegister(m.messagesSent, m.sendFailures, m.pushes, m.frames, m.openSessions, m.appendLatency)
	return m
}

// TrackOnline exposes a gauge computed on scrape
func (m *Metrics) TrackOnline(count func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_identities",
		Help:      "Identities with at least one open connection.",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) MessageSent(duplicate bool) {
	if m == nil {
		return
	}
	label := "false"
	if duplicate {
		label = "true"
	}
	m.messagesSent.WithLabelValues(label).Inc()
}

func (m *Metrics) SendFailed(err error) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(string(common.KindOf(err))).Inc()
}

func (m *Metrics) Pushed(delivered, missed int) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues("delivered").Add(float64(delivered))
	m.pushes.WithLabelValues("missed").Add(float64(missed))
}

func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.openSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.openSessions.Dec()
}

func (m *Metrics) ObserveAppend(d time.Duration) {
	if m == nil {
		return
	}
	m.appendLatency.Observe(d.Seconds())
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
