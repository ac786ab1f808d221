// Package observability owns the bridge's prometheus collectors.
// Collectors are registered with the default registry the first time anything is recorded.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes a delivered message can have.
const (
	OutcomeSent         = "sent"
	OutcomeRejected     = "rejected"
	OutcomeCopyFailed   = "copy_failed"
	OutcomeSubmitFailed = "submit_failed"
)

var (
	registerOnce sync.Once

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qmp",
			Subsystem: "bridge",
			Name:      "messages_total",
			Help:      "Messages delivered to the bridge, by outcome.",
		},
		[]string{"device", "outcome"},
	)
	submitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qmp",
			Subsystem: "bridge",
			Name:      "submit_duration_seconds",
			Help:      "Time spent blocked in the mailbox per submission.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"device", "success"},
	)
	channelUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "qmp",
			Subsystem: "bridge",
			Name:      "channel_up",
			Help:      "1 while the bridge holds a mailbox channel.",
		},
		[]string{"device"},
	)
)

// RegisterMetrics registers the collectors with the default registry.
// Safe to call repeatedly.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messages, submitDuration, channelUp)
	})
}

// RecordMessage counts a delivered message.
func RecordMessage(device, outcome string) {
	RegisterMetrics()
	messages.WithLabelValues(device, outcome).Inc()
}

// RecordSubmit observes how long a submission blocked.
func RecordSubmit(device string, d time.Duration, success bool) {
	RegisterMetrics()
	label := "false"
	if success {
		label = "true"
	}
	submitDuration.WithLabelValues(device, label).Observe(d.Seconds())
}

// SetChannelUp flags whether device currently holds a channel.
func SetChannelUp(device string, up bool) {
	RegisterMetrics()
	v := 0.0
	if up {
		v = 1
	}
	channelUp.WithLabelValues(device).Set(v)
}
