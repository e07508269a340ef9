package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	BuildInfo.Reset()
	Init()

	assert.Equal(t, float64(1), testutil.ToFloat64(BuildInfo.WithLabelValues(Version)))
}

func TestRecordHandleLifetime(t *testing.T) {
	HandlesLive.Reset()
	HandlesCreatedTotal.Reset()

	RecordHandleCreated("queue_pair")
	RecordHandleCreated("queue_pair")
	RecordHandleReleased("queue_pair")

	assert.Equal(t, float64(1), testutil.ToFloat64(HandlesLive.WithLabelValues("queue_pair")))
	assert.Equal(t, float64(2), testutil.ToFloat64(HandlesCreatedTotal.WithLabelValues("queue_pair")))

	// Other kinds are unaffected
	assert.Equal(t, float64(0), testutil.ToFloat64(HandlesLive.WithLabelValues("context")))
}

func TestRecordCreateFailure(t *testing.T) {
	CreateFailuresTotal.Reset()

	RecordCreateFailure("memory_region")

	count := testutil.ToFloat64(CreateFailuresTotal.WithLabelValues("memory_region"))
	assert.Equal(t, float64(1), count)
}

func TestSetDevicesAvailable(t *testing.T) {
	SetDevicesAvailable(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(DevicesAvailable))

	SetDevicesAvailable(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(DevicesAvailable))
}

func TestRecordDeviceSkipped(t *testing.T) {
	DevicesSkippedTotal.Reset()

	RecordDeviceSkipped("port_not_active")
	RecordDeviceSkipped("port_not_active")
	RecordDeviceSkipped("open_failed")

	assert.Equal(t, float64(2), testutil.ToFloat64(DevicesSkippedTotal.WithLabelValues("port_not_active")))
	assert.Equal(t, float64(1), testutil.ToFloat64(DevicesSkippedTotal.WithLabelValues("open_failed")))
}

func TestRecordQPTransition(t *testing.T) {
	QPTransitionsTotal.Reset()

	RecordQPTransition("INIT", "ok")
	RecordQPTransition("RTR", "rejected")

	assert.Equal(t, float64(1), testutil.ToFloat64(QPTransitionsTotal.WithLabelValues("INIT", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(QPTransitionsTotal.WithLabelValues("RTR", "rejected")))
	assert.Equal(t, 2, testutil.CollectAndCount(QPTransitionsTotal))
}

func TestRecordProbe(t *testing.T) {
	ProbesTotal.Reset()

	RecordProbe("viable")
	RecordProbe("module_missing")

	assert.Equal(t, float64(1), testutil.ToFloat64(ProbesTotal.WithLabelValues("viable")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ProbesTotal.WithLabelValues("module_missing")))
}

func TestEndpointsActive(t *testing.T) {
	EndpointsActive.Set(0)

	IncrementEndpointsActive()
	IncrementEndpointsActive()
	DecrementEndpointsActive()

	assert.Equal(t, float64(1), testutil.ToFloat64(EndpointsActive))
}

func TestMetricsRegistration(t *testing.T) {
	require.NotNil(t, HandlesLive)
	require.NotNil(t, HandlesCreatedTotal)
	require.NotNil(t, CreateFailuresTotal)
	require.NotNil(t, DevicesAvailable)
	require.NotNil(t, DevicesSkippedTotal)
	require.NotNil(t, QPTransitionsTotal)
	require.NotNil(t, ProbesTotal)
	require.NotNil(t, EndpointsActive)
	require.NotNil(t, BuildInfo)
}

func TestVersionVariable(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.Equal(t, "dev", Version)
}

func BenchmarkRecordHandleCreated(b *testing.B) {
	for i := 0; i < b.N; i++ {
		RecordHandleCreated("completion_queue")
	}
}

func BenchmarkRecordQPTransition(b *testing.B) {
	for i := 0; i < b.N; i++ {
		RecordQPTransition("RTS", "ok")
	}
}
