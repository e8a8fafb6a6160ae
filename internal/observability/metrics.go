package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vecud",
			Subsystem: "doip",
			Name:      "sessions_total",
			Help:      "Total accepted diagnostic sessions.",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vecud",
			Subsystem: "doip",
			Name:      "sessions_active",
			Help:      "Currently connected diagnostic sessions.",
		},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vecud",
			Subsystem: "doip",
			Name:      "frames_total",
			Help:      "Frames received by payload type.",
		},
		[]string{"type"},
	)
	diagRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vecud",
			Subsystem: "uds",
			Name:      "requests_total",
			Help:      "Diagnostic service requests by service id and outcome.",
		},
		[]string{"service", "outcome"},
	)
	transferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vecud",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Firmware bytes written to the staging image.",
		},
	)
	transfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vecud",
			Subsystem: "transfer",
			Name:      "completed_total",
			Help:      "Finished firmware transfers by result.",
		},
		[]string{"result"},
	)
	lifecycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vecud",
			Subsystem: "ecu",
			Name:      "lifecycle_state",
			Help:      "Current ECU lifecycle state (1 for the active state).",
		},
		[]string{"state"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsTotal,
			sessionsActive,
			framesTotal,
			diagRequests,
			transferBytes,
			transfersTotal,
			lifecycleState,
		)
	})
}

func SessionOpened() {
	sessionsTotal.Inc()
	sessionsActive.Inc()
}

func SessionClosed() {
	sessionsActive.Dec()
}

func RecordFrame(payloadType string) {
	framesTotal.WithLabelValues(payloadType).Inc()
}

func RecordDiagnostic(service, outcome string) {
	diagRequests.WithLabelValues(service, outcome).Inc()
}

func AddTransferBytes(n int) {
	transferBytes.Add(float64(n))
}

func RecordTransferResult(result string) {
	transfersTotal.WithLabelValues(result).Inc()
}

// SetLifecycleState marks state as the single active lifecycle state.
func SetLifecycleState(state string) {
	lifecycleState.Reset()
	lifecycleState.WithLabelValues(state).Set(1)
}
