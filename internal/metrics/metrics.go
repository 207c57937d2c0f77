package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveSessionsProvider exposes the number of in-flight call sessions.
type ActiveSessionsProvider interface {
	ActiveCount() int
}

// EventStatsProvider exposes applied and discarded event counts.
type EventStatsProvider interface {
	EventStats() (applied, stale uint64)
}

// DroppedPayloadsProvider exposes the number of callback payload entries
// dropped at the HTTP boundary.
type DroppedPayloadsProvider interface {
	DroppedEvents() uint64
}

// DispositionCounter returns finished-call counts grouped by disposition.
type DispositionCounter interface {
	CountByDisposition(ctx context.Context) (map[string]int, error)
}

// dispositions enumerated so every label is always exported, even at zero.
var dispositions = []string{"completed", "timeout", "no-match", "invalid-input", "error"}

// Collector is a prometheus.Collector that gathers callscript metrics at
// scrape time.
type Collector struct {
	sessions  ActiveSessionsProvider
	events    EventStatsProvider
	payloads  DroppedPayloadsProvider
	calls     DispositionCounter
	startTime time.Time

	// Metric descriptors.
	activeSessionsDesc *prometheus.Desc
	eventsAppliedDesc  *prometheus.Desc
	eventsStaleDesc    *prometheus.Desc
	eventsDroppedDesc  *prometheus.Desc
	callsTotalDesc     *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	sessions ActiveSessionsProvider,
	events EventStatsProvider,
	payloads DroppedPayloadsProvider,
	calls DispositionCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:  sessions,
		events:    events,
		payloads:  payloads,
		calls:     calls,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"callscript_active_sessions",
			"Number of call sessions that have not terminated",
			nil, nil,
		),
		eventsAppliedDesc: prometheus.NewDesc(
			"callscript_events_applied_total",
			"Total callback events applied to a session",
			nil, nil,
		),
		eventsStaleDesc: prometheus.NewDesc(
			"callscript_events_stale_total",
			"Total callback events discarded as stale or duplicate",
			nil, nil,
		),
		eventsDroppedDesc: prometheus.NewDesc(
			"callscript_events_dropped_total",
			"Total callback payload entries dropped as malformed",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"callscript_calls_total",
			"Total finished calls by disposition (from the call log)",
			[]string{"disposition"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callscript_uptime_seconds",
			"Seconds since the callscript process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.eventsAppliedDesc
	ch <- c.eventsStaleDesc
	ch <- c.eventsDroppedDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveCount()),
		)
	}

	if c.events != nil {
		applied, stale := c.events.EventStats()
		ch <- prometheus.MustNewConstMetric(
			c.eventsAppliedDesc, prometheus.CounterValue, float64(applied))
		ch <- prometheus.MustNewConstMetric(
			c.eventsStaleDesc, prometheus.CounterValue, float64(stale))
	}

	if c.payloads != nil {
		ch <- prometheus.MustNewConstMetric(
			c.eventsDroppedDesc, prometheus.CounterValue,
			float64(c.payloads.DroppedEvents()),
		)
	}

	if c.calls != nil {
		counts, err := c.calls.CountByDisposition(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by disposition", "error", err)
		} else {
			for _, d := range dispositions {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[d]), d,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
