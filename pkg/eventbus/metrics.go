package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "worklog_events_published_total",
	Help: "The total number of events appended to the event store",
}, []string{"event_type"})

var publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "worklog_event_publish_failures_total",
	Help: "The total number of failed event store appends",
}, []string{"event_type"})

var lastPublishedSeq = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "worklog_event_last_published_seq",
	Help: "The sequence number of the last published event",
})

var eventsPruned = promauto.NewCounter(prometheus.CounterOpts{
	Name: "worklog_events_pruned_total",
	Help: "The total number of events removed by retention pruning",
})

var pollTicks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "worklog_event_poll_ticks_total",
	Help: "The total number of event store poll cycles",
})

var pollErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "worklog_event_poll_errors_total",
	Help: "The total number of failed event store poll cycles",
})

var eventsBridged = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "worklog_events_bridged_total",
	Help: "The total number of events handed from the poller to the hub",
}, []string{"event_type"})

var lastBridgedSeq = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "worklog_event_last_bridged_seq",
	Help: "The poller cursor after the most recent bridged event",
})
