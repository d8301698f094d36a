package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	PollTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botd",
		Name:      "poll_ticks_total",
		Help:      "Poll ticks by poller and outcome.",
	}, []string{"poller", "outcome"})

	MessagesDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "botd",
		Name:      "messages_dispatched_total",
		Help:      "Inbound private messages handed to the host.",
	})

	MessagesDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "botd",
		Name:      "messages_deduplicated_total",
		Help:      "Messages dropped because their msg_key was already seen.",
	})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botd",
		Name:      "messages_sent_total",
		Help:      "Outbound sends by element type.",
	}, []string{"type"})

	FeedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botd",
		Name:      "feed_events_total",
		Help:      "Feed diff events by feed and kind.",
	}, []string{"feed", "kind"})

	ConsecutiveFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "botd",
		Name:      "consecutive_failures",
		Help:      "Current consecutive-failure count per poller.",
	}, []string{"poller"})

	IntervalMultiplier = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "botd",
		Name:      "poll_interval_multiplier",
		Help:      "Current backoff multiplier applied to the poll interval.",
	}, []string{"poller"})

	APIErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botd",
		Name:      "api_errors_total",
		Help:      "Upstream API errors by stage.",
	}, []string{"stage"})

	EventSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botd",
		Name:      "event_subscribers",
		Help:      "Connected host event subscribers.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		PollTicks,
		MessagesDispatched,
		MessagesDeduplicated,
		MessagesSent,
		FeedEvents,
		ConsecutiveFailures,
		IntervalMultiplier,
		APIErrors,
		EventSubscribers,
	)
}
