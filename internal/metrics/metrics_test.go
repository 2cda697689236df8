package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnce(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err, "duplicate registration must fail")
}

func TestRecordHealthCheck(t *testing.T) {
	t.Parallel()
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordHealthCheck(HealthCheckSummary{StaleDevices: 3, EventsCreated: 2, SkippedDuplicates: 1}, time.Second, nil)
	m.RecordHealthCheck(HealthCheckSummary{}, time.Second, errors.New("db down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthCheckRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthCheckRuns.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StaleDevices))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HeartbeatLostEvents))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicatesSuppressed))
}

func TestQueueGaugesAndTransitions(t *testing.T) {
	t.Parallel()
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.SetQueueGauges(QueueGauges{Pending: 4, Failed: 1, Stuck: true})
	m.RecordQueueTransition("succeeded", 2)
	m.RecordQueueTransition("succeeded", 0)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueStuck))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueTransitions.WithLabelValues("succeeded")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHealthCheck(HealthCheckSummary{}, 0, nil)
		m.RecordQueueTransition("failed", 1)
		m.RecordScoring(0, nil)
		m.SetQueueGauges(QueueGauges{})
		m.RecordNotification("fcm", nil)
		m.RecordJobRun("health_check", nil)
		m.RecordIngest("mqtt", "ok")
		assert.Nil(t, m.Registry())
	})
}
