// Package metrics holds the Prometheus collectors for the bridge. A nil *Metrics
// is valid and records nothing, so components can run without a registry.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cadbridge"

// Depther is anything with a queue depth.
type Depther interface {
	Len() int
}

type Metrics struct {
	enqueued     prometheus.Counter
	executed     *prometheus.CounterVec
	execDuration *prometheus.HistogramVec
	callDuration *prometheus.HistogramVec
	rejected     *prometheus.CounterVec
	state        prometheus.Gauge
	queueDepth   prometheus.GaugeFunc

	queue atomic.Pointer[Depther]
}

func New() *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_enqueued_total",
			Help:      "Commands accepted into the queue.",
		}),
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_executed_total",
			Help:      "Commands executed on the owning thread, by method and status.",
		}, []string{"method", "status"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_exec_seconds",
			Help:      "Time a command occupied the owning thread.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"method"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "End to end duration of an RPC call, queueing included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_rejected_total",
			Help:      "Calls answered with an error kind before or instead of executing.",
		}, []string{"kind"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_state",
			Help:      "Lifecycle state: 0 stopped, 1 starting, 2 running, 3 stopping.",
		}),
	}
	m.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Commands waiting for the next dispatcher tick.",
	}, func() float64 {
		q := m.queue.Load()
		if q == nil || *q == nil {
			return 0
		}
		return float64((*q).Len())
	})
	return m
}

// Register adds every collector to r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.enqueued, m.executed, m.execDuration, m.callDuration, m.rejected, m.state, m.queueDepth,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// TrackQueue points the depth gauge at q. Passing nil resets it to zero.
func (m *Metrics) TrackQueue(q Depther) {
	if m == nil {
		return
	}
	m.queue.Store(&q)
}

func (m *Metrics) CommandEnqueued() {
	if m == nil {
		return
	}
	m.enqueued.Inc()
}

func (m *Metrics) CommandExecuted(method, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.executed.WithLabelValues(method, status).Inc()
	m.execDuration.WithLabelValues(method).Observe(took.Seconds())
}

func (m *Metrics) CallFinished(method string, took time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(method).Observe(took.Seconds())
}

func (m *Metrics) CallRejected(kind string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.state.Set(float64(state))
}
