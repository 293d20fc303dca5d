package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transfer metrics
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstore_transfers_total",
			Help: "Attachment transfers by terminal result",
		},
		[]string{"result"}, // "completed", "cancelled", "timeout", "remote_error", ...
	)

	TransfersRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstore_transfers_rejected_total",
			Help: "Download requests rejected before a transfer started",
		},
		[]string{"reason"},
	)

	BytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatstore_bytes_downloaded_total",
			Help: "Attachment bytes written to staging files",
		},
	)

	ActiveTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatstore_active_transfers",
			Help: "Transfers currently in flight",
		},
	)

	TransferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatstore_transfer_duration_seconds",
			Help:    "Wall time of attachment transfers",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		},
	)

	// Message state machine metrics
	MessageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstore_message_transitions_total",
			Help: "Applied message state transitions",
		},
		[]string{"transition"},
	)

	InvalidTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstore_invalid_transitions_total",
			Help: "Rejected message state transitions",
		},
		[]string{"transition"},
	)
)
