package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidguard/kidguard/internal/account"
	"github.com/kidguard/kidguard/internal/auth"
	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/internal/events"
	"github.com/kidguard/kidguard/internal/liveness"
	"github.com/kidguard/kidguard/internal/metrics"
	"github.com/kidguard/kidguard/internal/queue"
	"github.com/kidguard/kidguard/internal/store"
	"github.com/kidguard/kidguard/internal/store/storetest"
	"github.com/kidguard/kidguard/internal/subscription"
	"github.com/kidguard/kidguard/models"
)

const testSecret = "gateway-test-secret-0123456789"

type scorerFunc func(ctx context.Context, a models.Alert) (models.AlertScore, error)

func (f scorerFunc) Name() string { return "test" }
func (f scorerFunc) Score(ctx context.Context, a models.Alert) (models.AlertScore, error) {
	return f(ctx, a)
}

func okScorer() scorerFunc {
	return func(context.Context, models.Alert) (models.AlertScore, error) {
		return models.AlertScore{RiskScore: 20, Summary: "harmless"}, nil
	}
}

type testEnv struct {
	gw      *Gateway
	store   *store.Store
	bus     *events.Bus
	handler http.Handler
	admin   string
	parent  string
	family  storetest.Family
}

func testConfig() *config.Config {
	return &config.Config{
		Liveness:      config.LivenessConfig{Schedule: "@every 5m"},
		Queue:         config.QueueConfig{CleanupSchedule: "@every 10m", DrainSchedule: "@every 1m", PurgeSchedule: "@daily"},
		Subscriptions: config.SubscriptionConfig{Schedule: "@hourly"},
	}
}

func newTestEnv(t *testing.T, scorer scorerFunc) *testEnv {
	t.Helper()
	st := storetest.New(t)
	storetest.SeedAdmin(t, st, "admin-1")
	fam := storetest.SeedFamily(t, st, "noam")

	authn, err := auth.New(config.AuthConfig{JWTSecret: testSecret, Issuer: "kidguard"}, st)
	require.NoError(t, err)
	bus := events.NewBus(64)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	gw, err := New(testConfig(), Deps{
		Store:    st,
		Auth:     authn,
		Monitor:  liveness.New(st, liveness.Config{}, liveness.WithPublisher(bus)),
		Queue:    queue.New(st, scorer, queue.Config{}, queue.WithPublisher(bus)),
		Sweeper:  subscription.New(st, subscription.WithPublisher(bus)),
		Accounts: account.New(st, authn, bus, nil),
		Bus:      bus,
		Metrics:  m,
	})
	require.NoError(t, err)

	adminTok, _, err := authn.Tokens().Issue("admin-1", "admin-1@example.com", "", time.Hour)
	require.NoError(t, err)
	parentTok, _, err := authn.Tokens().Issue(fam.Parent.ID, fam.Parent.Email, "", time.Hour)
	require.NoError(t, err)

	return &testEnv{gw: gw, store: st, bus: bus, handler: gw.Handler(), admin: adminTok, parent: parentTok, family: fam}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, okScorer())
	rr := env.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, okScorer())
	rr := env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "kidguard_")
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	env := newTestEnv(t, okScorer())
	impersonated, _, err := env.gw.auth.Tokens().Issue("admin-1", "", "admin-2", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "nope", http.StatusUnauthorized},
		{"parent", env.parent, http.StatusForbidden},
		{"impersonated admin", impersonated, http.StatusForbidden},
		{"admin", env.admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodGet, "/api/admin/health-summary", tt.token, "")
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			if tt.want != http.StatusOK {
				assert.NotEmpty(t, decode[map[string]string](t, rr)["error"])
			}
		})
	}
}

// seedCleanupScenario leaves 2 pending, 1 failed (alert already processed)
// and 1 succeeded queue items.
func seedCleanupScenario(t *testing.T, env *testEnv) {
	t.Helper()
	now := time.Now().UTC()
	childID := env.family.Child.ID
	for range 2 {
		a := storetest.SeedContentAlert(t, env.store, childID, "hi")
		storetest.SeedQueueItem(t, env.store, a.ID, models.QueuePending, now)
	}
	failed := storetest.SeedContentAlert(t, env.store, childID, "out of band")
	storetest.SeedQueueItem(t, env.store, failed.ID, models.QueueFailed, now)
	storetest.MarkProcessed(t, env.store, failed.ID)
	done := storetest.SeedContentAlert(t, env.store, childID, "done")
	storetest.SeedQueueItem(t, env.store, done.ID, models.QueueSucceeded, now)
	storetest.MarkProcessed(t, env.store, done.ID)
}

func TestCleanupStale_NonAdminChangesNothing(t *testing.T) {
	env := newTestEnv(t, okScorer())
	seedCleanupScenario(t, env)
	before := storetest.StatusCounts(t, env.store)

	rr := env.do(t, http.MethodPost, "/api/admin/queue/cleanup-stale", env.parent, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = env.do(t, http.MethodPost, "/api/admin/queue/cleanup-stale", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	assert.Equal(t, before, storetest.StatusCounts(t, env.store))
}

func TestCleanupStale_Admin(t *testing.T) {
	env := newTestEnv(t, okScorer())
	seedCleanupScenario(t, env)

	rr := env.do(t, http.MethodPost, "/api/admin/queue/cleanup-stale", env.admin, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[queue.CleanupResult](t, rr)
	assert.EqualValues(t, 1, res.Cleaned)
	assert.Zero(t, res.Orphaned)

	counts := storetest.StatusCounts(t, env.store)
	assert.EqualValues(t, 2, counts[models.QueuePending])
	assert.EqualValues(t, 0, counts[models.QueueFailed])
	assert.EqualValues(t, 2, counts[models.QueueSucceeded])
}

func TestHealthSummary(t *testing.T) {
	env := newTestEnv(t, okScorer())
	old := time.Now().UTC().Add(-6 * time.Minute)
	a := storetest.SeedContentAlert(t, env.store, env.family.Child.ID, "x")
	storetest.SeedQueueItem(t, env.store, a.ID, models.QueuePending, old)

	rr := env.do(t, http.MethodGet, "/api/admin/health-summary", env.admin, "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]any](t, rr)
	for _, key := range []string{"queuePending", "queueFailed", "oldestPendingMinutes", "staleCount", "orphanedCount", "stuck"} {
		assert.Contains(t, body, key)
	}
	assert.EqualValues(t, 1, body["queuePending"])
	assert.Equal(t, true, body["stuck"])
}

func TestProcessOne(t *testing.T) {
	env := newTestEnv(t, okScorer())

	rr := env.do(t, http.MethodPost, "/api/admin/queue/process-one", env.admin, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	a := storetest.SeedContentAlert(t, env.store, env.family.Child.ID, "hello")
	storetest.SeedQueueItem(t, env.store, a.ID, models.QueuePending, time.Now().UTC())

	rr = env.do(t, http.MethodPost, "/api/admin/queue/process-one", env.admin, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decode[queue.Outcome](t, rr)
	assert.Equal(t, a.ID, out.AlertID)
	assert.Equal(t, models.QueueSucceeded, out.Status)

	got, err := env.store.GetAlert(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsProcessed)
}

func TestProcessOne_ScorerFailure(t *testing.T) {
	env := newTestEnv(t, func(context.Context, models.Alert) (models.AlertScore, error) {
		return models.AlertScore{}, errors.New("model overloaded")
	})
	a := storetest.SeedContentAlert(t, env.store, env.family.Child.ID, "hello")
	storetest.SeedQueueItem(t, env.store, a.ID, models.QueuePending, time.Now().UTC())

	rr := env.do(t, http.MethodPost, "/api/admin/queue/process-one", env.admin, "")
	require.Equal(t, http.StatusBadGateway, rr.Code)
	body := decode[struct {
		Error   string        `json:"error"`
		Outcome queue.Outcome `json:"outcome"`
	}](t, rr)
	assert.Contains(t, body.Error, "model overloaded")
	assert.Equal(t, models.QueueFailed, body.Outcome.Status)
	assert.Equal(t, 1, body.Outcome.Attempt)
	assert.EqualValues(t, 1, storetest.StatusCounts(t, env.store)[models.QueueFailed])
}

func TestProcessAlert(t *testing.T) {
	env := newTestEnv(t, okScorer())
	a := storetest.SeedContentAlert(t, env.store, env.family.Child.ID, "hello")
	storetest.SeedQueueItem(t, env.store, a.ID, models.QueuePending, time.Now().UTC())

	rr := env.do(t, http.MethodPost, "/api/admin/queue/process-alert", env.admin, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, http.MethodPost, "/api/admin/queue/process-alert", env.admin, `{"alertId": 0}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, http.MethodPost, "/api/admin/queue/process-alert", env.admin, `{"alertId": 9999}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/admin/queue/process-alert", env.admin, `{"alertId": `+jsonInt(a.ID)+`}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.QueueSucceeded, decode[queue.Outcome](t, rr).Status)
}

func jsonInt(n int64) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

func TestProcessAllAndRetry(t *testing.T) {
	env := newTestEnv(t, okScorer())
	for range 3 {
		a := storetest.SeedContentAlert(t, env.store, env.family.Child.ID, "m")
		storetest.SeedQueueItem(t, env.store, a.ID, models.QueuePending, time.Now().UTC())
	}
	failed := storetest.SeedContentAlert(t, env.store, env.family.Child.ID, "f")
	storetest.SeedQueueItem(t, env.store, failed.ID, models.QueueFailed, time.Now().UTC())

	rr := env.do(t, http.MethodPost, "/api/admin/queue/retry-failed", env.admin, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode[map[string]int64](t, rr)["reset_count"])

	rr = env.do(t, http.MethodPost, "/api/admin/queue/process-all", env.admin, "")
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[queue.BatchResult](t, rr)
	assert.Equal(t, 4, res.Requested)
	assert.Equal(t, 4, res.Processed)
	assert.Empty(t, res.Error)

	rr = env.do(t, http.MethodGet, "/api/admin/queue?status=succeeded&page_size=2", env.admin, "")
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[paginationResult[models.QueueItem]](t, rr)
	assert.Len(t, page.Items, 2)
	assert.EqualValues(t, 4, page.Total)
	assert.EqualValues(t, 2, page.TotalPages)

	rr = env.do(t, http.MethodGet, "/api/admin/queue?status=bogus", env.admin, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProcessAllReportsProgressOnStoreError(t *testing.T) {
	var st *store.Store
	calls := 0
	env := newTestEnv(t, func(ctx context.Context, a models.Alert) (models.AlertScore, error) {
		calls++
		if calls == 2 {
			require.NoError(t, st.DB().Exec(ctx, "DROP TABLE alert_events_queue"))
		}
		return models.AlertScore{RiskScore: 20, Summary: "harmless"}, nil
	})
	st = env.store
	for i := range 3 {
		a := storetest.SeedContentAlert(t, env.store, env.family.Child.ID, "m")
		storetest.SeedQueueItem(t, env.store, a.ID, models.QueuePending, time.Now().UTC().Add(time.Duration(i-3)*time.Minute))
	}

	rr := env.do(t, http.MethodPost, "/api/admin/queue/process-all", env.admin, "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	res := decode[queue.BatchResult](t, rr)
	assert.Equal(t, 3, res.Requested)
	assert.Equal(t, 1, res.Processed)
	assert.NotEmpty(t, res.Error)
}

func TestRunHealthCheckAndDevices(t *testing.T) {
	env := newTestEnv(t, okScorer())
	seen := time.Now().UTC().Add(-70 * time.Minute)
	storetest.SeedDevice(t, env.store, "dev-1", env.family.Child.ID, &seen)

	rr := env.do(t, http.MethodPost, "/api/admin/run-health-check", env.admin, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[liveness.Result](t, rr)
	assert.Equal(t, 1, res.StaleDevices)
	assert.Equal(t, 1, res.EventsCreated)
	assert.Equal(t, 1, res.AlertsCreated)

	rr = env.do(t, http.MethodGet, "/api/admin/devices", env.admin, "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		Items []liveness.DeviceStatus `json:"items"`
	}](t, rr)
	require.Len(t, body.Items, 1)
	assert.Equal(t, liveness.Disconnected, body.Items[0].State)
}

func TestDeleteUserAndImpersonate(t *testing.T) {
	env := newTestEnv(t, okScorer())
	parentID := env.family.Parent.ID

	rr := env.do(t, http.MethodPost, "/api/admin/impersonate", env.admin, `{"user_id": "`+parentID+`"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	imp := decode[account.Impersonation](t, rr)
	assert.NotEmpty(t, imp.Token)

	// The support token cannot reach admin routes.
	rr = env.do(t, http.MethodGet, "/api/admin/status", imp.Token, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/admin/users/admin-1", env.admin, "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/admin/users/"+parentID, env.admin, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	_, err := env.store.GetUser(context.Background(), parentID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	rr = env.do(t, http.MethodDelete, "/api/admin/users/"+parentID, env.admin, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestExpireSubscriptions(t *testing.T) {
	env := newTestEnv(t, okScorer())
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.store.CreateChild(context.Background(), models.Child{
		ID: "premium-kid", ParentID: env.family.Parent.ID, Name: "p",
		SubscriptionTier: models.TierPremium, SubscriptionExpiresAt: &past,
	}))

	rr := env.do(t, http.MethodPost, "/api/admin/subscriptions/expire", env.admin, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode[map[string]int64](t, rr)["expired"])
}

func TestSchedulesRoutes(t *testing.T) {
	env := newTestEnv(t, okScorer())

	rr := env.do(t, http.MethodGet, "/api/admin/schedules", env.admin, "")
	require.Equal(t, http.StatusOK, rr.Code)
	jobs := decode[[]JobStatus](t, rr)
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name
	}
	assert.Equal(t, []string{JobHealthCheck, JobQueueCleanup, JobQueueDrain, JobQueuePurge, JobSubscriptionExpiry}, names)

	rr = env.do(t, http.MethodPost, "/api/admin/schedules/queue_cleanup/trigger", env.admin, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	st := decode[JobStatus](t, rr)
	assert.EqualValues(t, 1, st.Runs)
	require.NotNil(t, st.LastRunAt)
	assert.Empty(t, st.LastError)

	rr = env.do(t, http.MethodPost, "/api/admin/schedules/nope/trigger", env.admin, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, okScorer())
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/admin/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.admin)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan events.Event, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var evt events.Event
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt) == nil {
				frames <- evt
			}
		}
		close(frames)
	}()

	first := <-frames
	assert.Equal(t, "connected", first.Type)

	env.bus.Publish(events.Event{Type: events.AlertCreated, Payload: events.AlertChange{AlertID: 7}})
	select {
	case evt := <-frames:
		assert.Equal(t, events.AlertCreated, evt.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event not streamed")
	}
}
