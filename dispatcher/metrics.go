package dispatcher

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of one dispatcher. A nil *Metrics records nothing.
type Metrics struct {
	received      prometheus.Counter
	receiveErrors *prometheus.CounterVec
	dispatched    *prometheus.CounterVec
	faults        *prometheus.CounterVec
	inFlight      prometheus.Gauge
	duration      *prometheus.HistogramVec
	channels      prometheus.Gauge
}

// NewMetrics creates the dispatcher collectors and registers them with reg. Collectors that are
// already registered are reused.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "received_total",
			Help:      "Requests received from channels",
		}),
		receiveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "receive_errors_total",
			Help:      "Failed receives by classification",
		}, []string{"kind"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "dispatched_total",
			Help:      "Completed dispatches by action and outcome",
		}, []string{"action", "outcome"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "faults_total",
			Help:      "Fault replies by sub-code",
		}, []string{"code"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "in_flight",
			Help:      "Dispatches between receive and cleanup",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "dispatch_duration_seconds",
			Help:      "Time from receive to cleanup",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "channels",
			Help:      "Channels currently being pumped",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	m.received = register(reg, m.received, &err)
	m.receiveErrors = register(reg, m.receiveErrors, &err)
	m.dispatched = register(reg, m.dispatched, &err)
	m.faults = register(reg, m.faults, &err)
	m.inFlight = register(reg, m.inFlight, &err)
	m.duration = register(reg, m.duration, &err)
	m.channels = register(reg, m.channels, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		if *errp == nil {
			*errp = err
		}
	}
	return c
}

func (m *Metrics) observeReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) observeReceiveError(kind string) {
	if m != nil {
		m.receiveErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) dispatchStarted() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) dispatchDone(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.dispatched.WithLabelValues(action, outcome).Inc()
	m.duration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) observeFault(code string) {
	if m != nil {
		if code == "" {
			code = "none"
		}
		m.faults.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) channelOpened() {
	if m != nil {
		m.channels.Inc()
	}
}

func (m *Metrics) channelClosed() {
	if m != nil {
		m.channels.Dec()
	}
}

func (m *Metrics) observeUnroutable(outcome string) {
	if m != nil {
		m.dispatched.WithLabelValues("unroutable", outcome).Inc()
	}
}
