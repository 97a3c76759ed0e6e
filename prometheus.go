package main

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BridgeMetrics are the event counters the collector reads. They are bumped
// inline on the hot paths and exported on scrape.
type BridgeMetrics struct {
	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	PollFailures     atomic.Int64
	WebhookEvents    atomic.Int64
	WebhookRejected  atomic.Int64
	QueueDrops       atomic.Int64
	SendRetries      atomic.Int64
}

// PrometheusExporter serves the metrics endpoint on its own listener.
type PrometheusExporter struct {
	Path      string
	Listen    string
	startTime time.Time
}

func (e *PrometheusExporter) Start() error {
	e.startTime = time.Now()
	mux := http.NewServeMux()
	mux.Handle(e.Path, promhttp.Handler())
	return http.ListenAndServe(e.Listen, mux)
}

// MetricExporter collects gauges and counters by examining live bridge
// state at scrape time.
type MetricExporter struct {
	desc   map[string]*prometheus.Desc
	bridge *Bridge
}

func NewMetricExporter(bridge *Bridge) *MetricExporter {
	metricDesc := map[string]*prometheus.Desc{
		"devices":           prometheus.NewDesc("textbee_devices", "Known gateway devices", []string{"lifecycle"}, nil),
		"messages_total":    prometheus.NewDesc("textbee_messages_total", "Messages moved through the bridge", []string{"direction"}, nil),
		"poll_failures":     prometheus.NewDesc("textbee_poll_failures_total", "Consecutive-counted poll cycle failures", nil, nil),
		"webhook_events":    prometheus.NewDesc("textbee_webhook_events_total", "Webhook payloads accepted", nil, nil),
		"webhook_rejected":  prometheus.NewDesc("textbee_webhook_rejected_total", "Webhook payloads rejected or malformed", nil, nil),
		"queue_drops":       prometheus.NewDesc("textbee_event_queue_drops_total", "Events dropped by the bounded queue", nil, nil),
		"send_retries":      prometheus.NewDesc("textbee_send_retries_total", "Transport-level send retries", nil, nil),
		"last_poll_success": prometheus.NewDesc("textbee_last_poll_success_timestamp", "Unix time of the last successful poll", nil, nil),
		"auth_ok":           prometheus.NewDesc("textbee_auth_ok", "1 while the API credential is accepted", nil, nil),
	}
	return &MetricExporter{desc: metricDesc, bridge: bridge}
}

func (e *MetricExporter) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range e.desc {
		ch <- desc
	}
}

func (e *MetricExporter) Collect(ch chan<- prometheus.Metric) {
	byLifecycle := make(map[string]int)
	for _, state := range e.bridge.Store.List() {
		byLifecycle[state.Lifecycle]++
	}
	for _, lifecycle := range []string{LifecycleDiscovered, LifecycleOnline, LifecycleOffline, LifecycleRemoved} {
		ch <- prometheus.MustNewConstMetric(e.desc["devices"], prometheus.GaugeValue, float64(byLifecycle[lifecycle]), lifecycle)
	}

	m := e.bridge.Metrics
	ch <- prometheus.MustNewConstMetric(e.desc["messages_total"], prometheus.CounterValue, float64(m.MessagesSent.Load()), "outbound")
	ch <- prometheus.MustNewConstMetric(e.desc["messages_total"], prometheus.CounterValue, float64(m.MessagesReceived.Load()), "inbound")
	ch <- prometheus.MustNewConstMetric(e.desc["poll_failures"], prometheus.CounterValue, float64(m.PollFailures.Load()))
	ch <- prometheus.MustNewConstMetric(e.desc["webhook_events"], prometheus.CounterValue, float64(m.WebhookEvents.Load()))
	ch <- prometheus.MustNewConstMetric(e.desc["webhook_rejected"], prometheus.CounterValue, float64(m.WebhookRejected.Load()))
	ch <- prometheus.MustNewConstMetric(e.desc["queue_drops"], prometheus.CounterValue, float64(m.QueueDrops.Load()))
	ch <- prometheus.MustNewConstMetric(e.desc["send_retries"], prometheus.CounterValue, float64(m.SendRetries.Load()))

	lastPoll := float64(0)
	if t := e.bridge.Coordinator.LastSuccessfulPoll(); !t.IsZero() {
		lastPoll = float64(t.Unix())
	}
	ch <- prometheus.MustNewConstMetric(e.desc["last_poll_success"], prometheus.GaugeValue, lastPoll)

	authOK := float64(1)
	if e.bridge.Coordinator.AuthFailed() {
		authOK = 0
	}
	ch <- prometheus.MustNewConstMetric(e.desc["auth_ok"], prometheus.GaugeValue, authOK)
}
