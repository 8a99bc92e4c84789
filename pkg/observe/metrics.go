package observe

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"sessionbus/pkg/bus"
	"sessionbus/pkg/message"
)

const namespace = "sessionbus"

// Metrics counts events, command outcomes, handler failures and approvals.
type Metrics struct {
	events          *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	handlerFailures *prometheus.CounterVec
	approvals       *prometheus.CounterVec
	activeSessions  prometheus.Gauge
}

// NewMetrics registers the bus metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of events dispatched by kind",
		}, []string{"kind"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of executed commands by kind and outcome",
		}, []string{"kind", "success"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command handler execution time",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"kind"}),
		handlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Total number of suppressed event handler and hook failures",
		}, []string{"kind", "hook"}),
		approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Total number of approval decisions by outcome",
		}, []string{"status"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions started and not yet ended",
		}),
	}
}

func (m *Metrics) Handle(_ context.Context, evt message.Event) error {
	m.events.WithLabelValues(string(evt.Kind())).Inc()

	switch typed := evt.(type) {
	case *message.CommandFinished:
		m.commands.WithLabelValues(string(typed.CommandKind), strconv.FormatBool(typed.Success)).Inc()
		m.commandDuration.WithLabelValues(string(typed.CommandKind)).Observe(typed.Duration.Seconds())
	case *message.EventHandlerFailed:
		m.handlerFailures.WithLabelValues(string(typed.FailedEventKind), strconv.FormatBool(typed.Hook)).Inc()
	case *message.SessionStarted:
		m.activeSessions.Inc()
	case *message.SessionEnded:
		m.activeSessions.Dec()
	case *message.ApprovalGranted:
		m.approvals.WithLabelValues(string(message.StatusApproved)).Inc()
	case *message.ApprovalDenied:
		m.approvals.WithLabelValues(string(message.StatusDenied)).Inc()
	case *message.ApprovalExpired:
		m.approvals.WithLabelValues(string(message.StatusExpired)).Inc()
	}

	return nil
}

// StatsSource is satisfied by *bus.Bus.
type StatsSource interface {
	Stats() bus.Stats
}

// BusCollector exports a bus Stats snapshot on every scrape.
type BusCollector struct {
	source StatsSource

	running          *prometheus.Desc
	queueDepth       *prometheus.Desc
	pendingScheduled *prometheus.Desc
	handlers         *prometheus.Desc
	hooks            *prometheus.Desc
	sessions         *prometheus.Desc
}

func NewBusCollector(source StatsSource) *BusCollector {
	return &BusCollector{
		source: source,
		running: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "running"),
			"1 while the dispatch loop runs", nil, nil),
		queueDepth: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "queue_depth"),
			"Events waiting for dispatch", nil, nil),
		pendingScheduled: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "pending_scheduled"),
			"Scheduled events waiting for their due time", nil, nil),
		handlers: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "registered_handlers"),
			"Registered handlers by type", []string{"type"}, nil),
		hooks: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "hooks"),
			"Registered observability hooks", nil, nil),
		sessions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "handler_sessions"),
			"Sessions holding at least one handler", nil, nil),
	}
}

func (c *BusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.queueDepth
	ch <- c.pendingScheduled
	ch <- c.handlers
	ch <- c.hooks
	ch <- c.sessions
}

func (c *BusCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	running := 0.0
	if stats.State == bus.StateRunning.String() {
		running = 1
	}

	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running)
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(stats.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.pendingScheduled, prometheus.GaugeValue, float64(stats.PendingScheduled))
	ch <- prometheus.MustNewConstMetric(c.handlers, prometheus.GaugeValue, float64(stats.CommandHandlers), "command")
	ch <- prometheus.MustNewConstMetric(c.handlers, prometheus.GaugeValue, float64(stats.EventHandlers), "event")
	ch <- prometheus.MustNewConstMetric(c.hooks, prometheus.GaugeValue, float64(stats.Hooks))
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(len(stats.Sessions)))
}
