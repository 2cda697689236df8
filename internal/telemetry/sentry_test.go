package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidguard/kidguard/internal/config"
)

type mockTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (t *mockTransport) Configure(sentry.ClientOptions) {}
func (t *mockTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}
func (t *mockTransport) Flush(time.Duration) bool              { return true }
func (t *mockTransport) FlushWithContext(context.Context) bool { return true }
func (t *mockTransport) Close()                                {}
func (t *mockTransport) captured() []*sentry.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sentry.Event(nil), t.events...)
}

func TestDisabledWithoutDSN(t *testing.T) {
	t.Parallel()
	r, err := New(config.TelemetryConfig{}, "test")
	require.NoError(t, err)
	assert.False(t, r.Enabled())
	assert.NotPanics(t, func() {
		r.CaptureError(errors.New("x"), nil)
		r.Flush(time.Millisecond)
	})

	var nilReporter *Reporter
	assert.False(t, nilReporter.Enabled())
}

func TestCaptureErrorWithTags(t *testing.T) {
	t.Parallel()
	transport := &mockTransport{}
	r, err := newWithOptions(sentry.ClientOptions{Transport: transport})
	require.NoError(t, err)

	r.CaptureError(errors.New("store unavailable"), map[string]string{"route": "/api/admin/queue/process-all"})
	r.CaptureError(nil, nil)
	r.Flush(time.Second)

	events := transport.captured()
	require.Len(t, events, 1)
	assert.Equal(t, "/api/admin/queue/process-all", events[0].Tags["route"])
	assert.Equal(t, "kidguard", events[0].Tags["service"])
	require.NotEmpty(t, events[0].Exception)
	assert.Equal(t, "store unavailable", events[0].Exception[0].Value)
}
