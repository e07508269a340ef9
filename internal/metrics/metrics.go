// Package metrics provides Prometheus metrics collection for tensorwire.
//
// Resource Metrics:
//   - tensorwire_ibv_handles_live: Verbs handles currently held, by kind
//   - tensorwire_ibv_handles_created_total: Verbs handles created, by kind
//   - tensorwire_ibv_create_failures_total: Failed resource creations, by kind
//
// Enumeration Metrics:
//   - tensorwire_ibv_devices_available: Devices that passed the port filter
//   - tensorwire_ibv_devices_skipped_total: Devices skipped, by reason
//
// Connection Metrics:
//   - tensorwire_ibv_qp_transitions_total: Queue pair transitions by target and result
//   - tensorwire_rdma_probes_total: Viability probes by outcome
//   - tensorwire_rdma_endpoints_active: Endpoints currently open
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HandlesLive tracks verbs handles that have not been released
	HandlesLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tensorwire_ibv_handles_live",
			Help: "Number of verbs handles currently held",
		},
		[]string{"kind"},
	)

	// HandlesCreatedTotal counts verbs handles created
	HandlesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorwire_ibv_handles_created_total",
			Help: "Total verbs handles created",
		},
		[]string{"kind"},
	)

	// CreateFailuresTotal counts driver calls that failed to create a resource
	CreateFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorwire_ibv_create_failures_total",
			Help: "Total failed verbs resource creations",
		},
		[]string{"kind"},
	)

	// DevicesAvailable is the size of the last enumeration result
	DevicesAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tensorwire_ibv_devices_available",
			Help: "Devices with an active port in the last enumeration",
		},
	)

	// DevicesSkippedTotal counts devices dropped during enumeration
	DevicesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorwire_ibv_devices_skipped_total",
			Help: "Total devices skipped during enumeration",
		},
		[]string{"reason"},
	)

	// QPTransitionsTotal counts queue pair state transitions
	QPTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorwire_ibv_qp_transitions_total",
			Help: "Total queue pair state transitions",
		},
		[]string{"to", "result"},
	)

	// ProbesTotal counts viability probes
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensorwire_rdma_probes_total",
			Help: "Total RDMA viability probes by outcome",
		},
		[]string{"outcome"},
	)

	// EndpointsActive tracks open endpoints
	EndpointsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tensorwire_rdma_endpoints_active",
			Help: "Number of RDMA endpoints currently open",
		},
	)

	// BuildInfo exposes the build version
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tensorwire_build_info",
			Help: "Build information",
		},
		[]string{"version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init() {
	BuildInfo.WithLabelValues(Version).Set(1)
}

// RecordHandleCreated records a newly created verbs handle
func RecordHandleCreated(kind string) {
	HandlesCreatedTotal.WithLabelValues(kind).Inc()
	HandlesLive.WithLabelValues(kind).Inc()
}

// RecordHandleReleased records a released verbs handle
func RecordHandleReleased(kind string) {
	HandlesLive.WithLabelValues(kind).Dec()
}

// RecordCreateFailure records a failed resource creation
func RecordCreateFailure(kind string) {
	CreateFailuresTotal.WithLabelValues(kind).Inc()
}

// SetDevicesAvailable sets the number of devices found by the last enumeration
func SetDevicesAvailable(count int) {
	DevicesAvailable.Set(float64(count))
}

// RecordDeviceSkipped records a device dropped during enumeration
func RecordDeviceSkipped(reason string) {
	DevicesSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordQPTransition records a queue pair transition attempt
func RecordQPTransition(to, result string) {
	QPTransitionsTotal.WithLabelValues(to, result).Inc()
}

// RecordProbe records the outcome of a viability probe
func RecordProbe(outcome string) {
	ProbesTotal.WithLabelValues(outcome).Inc()
}

// IncrementEndpointsActive increments the open endpoint gauge
func IncrementEndpointsActive() {
	EndpointsActive.Inc()
}

// DecrementEndpointsActive decrements the open endpoint gauge
func DecrementEndpointsActive() {
	EndpointsActive.Dec()
}
