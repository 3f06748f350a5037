package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LineCounters are the phone line's lifetime counters.
type LineCounters struct {
	StateChanges uint64
	DTMFEvents   uint64
	Errors       uint64
	TotalCalls   uint64
}

// LineProvider exposes the phone line's current state and counters.
type LineProvider interface {
	CurrentState() string
	Counters() LineCounters
}

// DispatcherProvider exposes event dispatcher statistics.
type DispatcherProvider interface {
	QueueDepth() int
	Published() uint64
	Delivered() uint64
	Dropped() uint64
}

// WebhookProvider exposes webhook delivery engine statistics.
type WebhookProvider interface {
	Delivered() uint64
	Failed() uint64
	Retries() uint64
	QueueDepth() int
}

// SessionProvider exposes WebSocket session counts by kind.
type SessionProvider interface {
	SessionCounts() map[string]int
}

// BridgeProvider exposes audio bridge statistics.
type BridgeProvider interface {
	SessionCount() int
	FramesForwarded() uint64
	FramesDropped() uint64
	OutboundDiscarded() uint64
}

// lineStates are the possible values of the phone state gauge.
var lineStates = []string{"on_hook", "off_hook", "ringing", "in_call", "error"}

// Collector is a prometheus.Collector that gathers service metrics at
// scrape time.
type Collector struct {
	line       LineProvider
	dispatcher DispatcherProvider
	webhooks   WebhookProvider
	sessions   SessionProvider
	bridge     BridgeProvider
	startTime  time.Time

	// Metric descriptors.
	phoneStateDesc        *prometheus.Desc
	stateChangesDesc      *prometheus.Desc
	dtmfEventsDesc        *prometheus.Desc
	phoneErrorsDesc       *prometheus.Desc
	callsTotalDesc        *prometheus.Desc
	eventQueueDepthDesc   *prometheus.Desc
	eventsPublishedDesc   *prometheus.Desc
	eventsDeliveredDesc   *prometheus.Desc
	eventsDroppedDesc     *prometheus.Desc
	webhookDeliveredDesc  *prometheus.Desc
	webhookFailedDesc     *prometheus.Desc
	webhookRetriesDesc    *prometheus.Desc
	webhookQueueDepthDesc *prometheus.Desc
	wsSessionsDesc        *prometheus.Desc
	audioSessionsDesc     *prometheus.Desc
	audioForwardedDesc    *prometheus.Desc
	audioDroppedDesc      *prometheus.Desc
	audioDiscardedDesc    *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	line LineProvider,
	dispatcher DispatcherProvider,
	webhooks WebhookProvider,
	sessions SessionProvider,
	bridge BridgeProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		line:       line,
		dispatcher: dispatcher,
		webhooks:   webhooks,
		sessions:   sessions,
		bridge:     bridge,
		startTime:  startTime,

		phoneStateDesc: prometheus.NewDesc(
			"sipphone_line_state",
			"Current phone line state (1 for the active state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		stateChangesDesc: prometheus.NewDesc(
			"sipphone_state_changes_total",
			"Total accepted phone state transitions",
			nil, nil,
		),
		dtmfEventsDesc: prometheus.NewDesc(
			"sipphone_dtmf_events_total",
			"Total DTMF digit events emitted",
			nil, nil,
		),
		phoneErrorsDesc: prometheus.NewDesc(
			"sipphone_line_errors_total",
			"Total phone line error transitions",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"sipphone_calls_total",
			"Total calls handled by the line",
			nil, nil,
		),
		eventQueueDepthDesc: prometheus.NewDesc(
			"sipphone_event_queue_depth",
			"Events currently waiting in the dispatcher queue",
			nil, nil,
		),
		eventsPublishedDesc: prometheus.NewDesc(
			"sipphone_events_published_total",
			"Total events published to the dispatcher",
			nil, nil,
		),
		eventsDeliveredDesc: prometheus.NewDesc(
			"sipphone_events_delivered_total",
			"Total events delivered to subscribers",
			nil, nil,
		),
		eventsDroppedDesc: prometheus.NewDesc(
			"sipphone_events_dropped_total",
			"Total events dropped by dispatcher queue overflow",
			nil, nil,
		),
		webhookDeliveredDesc: prometheus.NewDesc(
			"sipphone_webhook_delivered_total",
			"Total successful webhook deliveries",
			nil, nil,
		),
		webhookFailedDesc: prometheus.NewDesc(
			"sipphone_webhook_failed_total",
			"Total webhook deliveries that failed permanently or exhausted retries",
			nil, nil,
		),
		webhookRetriesDesc: prometheus.NewDesc(
			"sipphone_webhook_retries_total",
			"Total webhook delivery attempts that were retried",
			nil, nil,
		),
		webhookQueueDepthDesc: prometheus.NewDesc(
			"sipphone_webhook_queue_depth",
			"Events pending across all webhook endpoint queues",
			nil, nil,
		),
		wsSessionsDesc: prometheus.NewDesc(
			"sipphone_ws_sessions",
			"Connected WebSocket sessions by kind",
			[]string{"kind"}, nil,
		),
		audioSessionsDesc: prometheus.NewDesc(
			"sipphone_audio_sessions_active",
			"Sessions attached to the audio bridge",
			nil, nil,
		),
		audioForwardedDesc: prometheus.NewDesc(
			"sipphone_audio_frames_forwarded_total",
			"Total inbound audio frames forwarded to sessions",
			nil, nil,
		),
		audioDroppedDesc: prometheus.NewDesc(
			"sipphone_audio_frames_dropped_total",
			"Total inbound audio frames dropped for stale sequence or session lag",
			nil, nil,
		),
		audioDiscardedDesc: prometheus.NewDesc(
			"sipphone_audio_outbound_discarded_total",
			"Total client audio frames discarded as out of order",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sipphone_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.phoneStateDesc
	ch <- c.stateChangesDesc
	ch <- c.dtmfEventsDesc
	ch <- c.phoneErrorsDesc
	ch <- c.callsTotalDesc
	ch <- c.eventQueueDepthDesc
	ch <- c.eventsPublishedDesc
	ch <- c.eventsDeliveredDesc
	ch <- c.eventsDroppedDesc
	ch <- c.webhookDeliveredDesc
	ch <- c.webhookFailedDesc
	ch <- c.webhookRetriesDesc
	ch <- c.webhookQueueDepthDesc
	ch <- c.wsSessionsDesc
	ch <- c.audioSessionsDesc
	ch <- c.audioForwardedDesc
	ch <- c.audioDroppedDesc
	ch <- c.audioDiscardedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.line != nil {
		current := c.line.CurrentState()
		for _, state := range lineStates {
			val := 0.0
			if state == current {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.phoneStateDesc, prometheus.GaugeValue, val, state,
			)
		}

		counters := c.line.Counters()
		ch <- prometheus.MustNewConstMetric(
			c.stateChangesDesc, prometheus.CounterValue, float64(counters.StateChanges),
		)
		ch <- prometheus.MustNewConstMetric(
			c.dtmfEventsDesc, prometheus.CounterValue, float64(counters.DTMFEvents),
		)
		ch <- prometheus.MustNewConstMetric(
			c.phoneErrorsDesc, prometheus.CounterValue, float64(counters.Errors),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callsTotalDesc, prometheus.CounterValue, float64(counters.TotalCalls),
		)
	}

	if c.dispatcher != nil {
		ch <- prometheus.MustNewConstMetric(
			c.eventQueueDepthDesc, prometheus.GaugeValue, float64(c.dispatcher.QueueDepth()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.eventsPublishedDesc, prometheus.CounterValue, float64(c.dispatcher.Published()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.eventsDeliveredDesc, prometheus.CounterValue, float64(c.dispatcher.Delivered()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.eventsDroppedDesc, prometheus.CounterValue, float64(c.dispatcher.Dropped()),
		)
	}

	if c.webhooks != nil {
		ch <- prometheus.MustNewConstMetric(
			c.webhookDeliveredDesc, prometheus.CounterValue, float64(c.webhooks.Delivered()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.webhookFailedDesc, prometheus.CounterValue, float64(c.webhooks.Failed()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.webhookRetriesDesc, prometheus.CounterValue, float64(c.webhooks.Retries()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.webhookQueueDepthDesc, prometheus.GaugeValue, float64(c.webhooks.QueueDepth()),
		)
	}

	if c.sessions != nil {
		counts := c.sessions.SessionCounts()
		for _, kind := range []string{"events", "audio", "control"} {
			ch <- prometheus.MustNewConstMetric(
				c.wsSessionsDesc, prometheus.GaugeValue, float64(counts[kind]), kind,
			)
		}
	}

	if c.bridge != nil {
		ch <- prometheus.MustNewConstMetric(
			c.audioSessionsDesc, prometheus.GaugeValue, float64(c.bridge.SessionCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.audioForwardedDesc, prometheus.CounterValue, float64(c.bridge.FramesForwarded()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.audioDroppedDesc, prometheus.CounterValue, float64(c.bridge.FramesDropped()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.audioDiscardedDesc, prometheus.CounterValue, float64(c.bridge.OutboundDiscarded()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
