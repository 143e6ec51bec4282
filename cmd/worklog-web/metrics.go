package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var subscribersConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "worklog_subscribers_connected",
	Help: "The number of SSE subscribers connected to the worklog web server",
})

var eventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "worklog_events_emitted_total",
	Help: "The total number of events emitted to the SSE hub",
})

var eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "worklog_events_delivered_total",
	Help: "The total number of events delivered to SSE subscribers",
}, []string{"ip_address"})

var eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "worklog_events_dropped_total",
	Help: "The total number of events dropped for slow SSE subscribers",
}, []string{"ip_address"})

var keepalivesSent = promauto.NewCounter(prometheus.CounterOpts{
	Name: "worklog_keepalives_sent_total",
	Help: "The total number of keepalive pings sent to SSE subscribers",
})
