// Package telemetry reports server-side failures to Sentry. A Reporter built
// without a DSN is disabled and every method is a no-op.
package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/kidguard/kidguard/internal/config"
)

// Reporter captures errors on its own hub.
type Reporter struct {
	hub *sentry.Hub
}

// New returns a Reporter for cfg. An empty DSN yields a disabled Reporter.
func New(cfg config.TelemetryConfig, release string) (*Reporter, error) {
	if cfg.SentryDSN == "" {
		return &Reporter{}, nil
	}
	return newWithOptions(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		Release:          release,
		AttachStacktrace: true,
		SampleRate:       1.0,
	})
}

func newWithOptions(opts sentry.ClientOptions) (*Reporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("initializing sentry: %w", err)
	}
	hub := sentry.NewHub(client, sentry.NewScope())
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("service", "kidguard")
	})
	return &Reporter{hub: hub}, nil
}

// Enabled reports whether events are sent anywhere.
func (r *Reporter) Enabled() bool { return r != nil && r.hub != nil }

// CaptureError sends err with tags. Nil errors are ignored.
func (r *Reporter) CaptureError(err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		r.hub.CaptureException(err)
	})
}

// Flush waits up to timeout for queued events.
func (r *Reporter) Flush(timeout time.Duration) {
	if !r.Enabled() {
		return
	}
	r.hub.Flush(timeout)
}
