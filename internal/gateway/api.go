package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/auth"
	"github.com/kidguard/kidguard/internal/queue"
	"github.com/kidguard/kidguard/models"
)

// buildHandler wires all REST and SSE routes onto a new ServeMux.
// Uses Go 1.22+ method-prefixed patterns ("GET /path", "POST /path").
// Everything under /api/admin/ sits behind requireAdmin.
func buildHandler(gw *Gateway) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", gw.handleHealth)
	if reg := gw.metrics.Registry(); reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			ErrorLog:      zap.NewStdLog(gw.log.Named("metrics")),
			ErrorHandling: promhttp.HTTPErrorOnError,
		}))
	}

	admin := http.NewServeMux()
	admin.HandleFunc("GET /api/admin/status", gw.handleStatus)
	admin.HandleFunc("GET /api/admin/health-summary", gw.handleHealthSummary)
	admin.HandleFunc("GET /api/admin/events", gw.handleEvents)

	// Queue
	admin.HandleFunc("GET /api/admin/queue", gw.handleListQueue)
	admin.HandleFunc("POST /api/admin/queue/process-one", gw.handleProcessOne)
	admin.HandleFunc("POST /api/admin/queue/process-alert", gw.handleProcessAlert)
	admin.HandleFunc("POST /api/admin/queue/process-all", gw.handleProcessAll)
	admin.HandleFunc("POST /api/admin/queue/cleanup-stale", gw.handleCleanupStale)
	admin.HandleFunc("POST /api/admin/queue/retry-failed", gw.handleRetryFailed)

	// Devices
	admin.HandleFunc("POST /api/admin/run-health-check", gw.handleRunHealthCheck)
	admin.HandleFunc("GET /api/admin/devices", gw.handleListDevices)

	// Accounts
	admin.HandleFunc("POST /api/admin/subscriptions/expire", gw.handleExpireSubscriptions)
	admin.HandleFunc("DELETE /api/admin/users/{id}", gw.handleDeleteUser)
	admin.HandleFunc("POST /api/admin/impersonate", gw.handleImpersonate)

	// Schedules
	admin.HandleFunc("GET /api/admin/schedules", gw.handleListSchedules)
	admin.HandleFunc("POST /api/admin/schedules/{name}/trigger", gw.handleTriggerSchedule)

	mux.Handle("/api/admin/", gw.requireAdmin(admin))
	return gw.recoverer(mux)
}

// requireAdmin authenticates the bearer token and checks the admin role
// before any handler runs.
func (gw *Gateway) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := gw.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthenticated) {
				gw.fail(w, r, err)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="kidguard"`)
			writeError(w, http.StatusUnauthorized, auth.ErrUnauthenticated.Error())
			return
		}
		if err := gw.auth.Authorize(session); err != nil {
			gw.log.Warn("admin route refused",
				zap.String("user_id", session.UserID),
				zap.String("impersonated_by", session.ImpersonatedBy),
				zap.String("path", r.URL.Path))
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), session)))
	})
}

// recoverer turns handler panics into 500s and reports them.
func (gw *Gateway) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				gw.fail(w, r, fmt.Errorf("panic: %v", v))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (gw *Gateway) session(r *http.Request) auth.Session {
	s, _ := auth.FromContext(r.Context())
	return s
}

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := gw.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (gw *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.status())
}

func (gw *Gateway) handleHealthSummary(w http.ResponseWriter, r *http.Request) {
	h, err := gw.queue.Health(r.Context())
	if err != nil {
		gw.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// --- Queue ---

func (gw *Gateway) handleListQueue(w http.ResponseWriter, r *http.Request) {
	status := models.QueueStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	p := parsePaginationParams(r, 50, 200)
	items, total, err := gw.queue.List(r.Context(), status, p.PageSize, p.Offset)
	if err != nil {
		gw.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(items, total, p))
}

// writeOutcome reports a processing attempt. A scorer failure is a 502 that
// still carries the recorded outcome.
func (gw *Gateway) writeOutcome(w http.ResponseWriter, r *http.Request, out queue.Outcome, err error) {
	var attemptErr *queue.AttemptError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.As(err, &attemptErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "outcome": out})
	default:
		gw.fail(w, r, err)
	}
}

func (gw *Gateway) handleProcessOne(w http.ResponseWriter, r *http.Request) {
	out, err := gw.queue.ProcessOne(r.Context())
	gw.writeOutcome(w, r, out, err)
}

func (gw *Gateway) handleProcessAlert(w http.ResponseWriter, r *http.Request) {
	var req processAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AlertID <= 0 {
		writeError(w, http.StatusBadRequest, "alertId must be a positive integer")
		return
	}
	out, err := gw.queue.ProcessAlert(r.Context(), req.AlertID)
	gw.writeOutcome(w, r, out, err)
}

func (gw *Gateway) handleProcessAll(w http.ResponseWriter, r *http.Request) {
	res, err := gw.queue.ProcessAll(r.Context())
	if err != nil {
		// Partial progress is still reported.
		if res.Error == "" {
			res.Error = err.Error()
		}
		writeJSON(w, gw.report(r, err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (gw *Gateway) handleCleanupStale(w http.ResponseWriter, r *http.Request) {
	res, err := gw.queue.CleanupStale(r.Context())
	if err != nil {
		gw.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (gw *Gateway) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := gw.queue.RetryFailed(r.Context())
	if err != nil {
		gw.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{ResetCount: n})
}

// --- Devices ---

func (gw *Gateway) handleRunHealthCheck(w http.ResponseWriter, r *http.Request) {
	res, err := gw.monitor.RunHealthCheck(r.Context())
	if err != nil {
		gw.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (gw *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := gw.monitor.Snapshot(r.Context())
	if err != nil {
		gw.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": devices, "total": len(devices)})
}

// --- Accounts ---

func (gw *Gateway) handleExpireSubscriptions(w http.ResponseWriter, r *http.Request) {
	res, err := gw.sweeper.Sweep(r.Context())
	if err != nil {
		gw.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expireResponse{Expired: res.Expired, Notified: res.Notified})
}

func (gw *Gateway) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}
	rows, err := gw.accounts.Delete(r.Context(), gw.session(r), id)
	if err != nil {
		gw.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "deleted": rows})
}

func (gw *Gateway) handleImpersonate(w http.ResponseWriter, r *http.Request) {
	var req impersonateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	imp, err := gw.accounts.Impersonate(r.Context(), gw.session(r), strings.TrimSpace(req.UserID))
	if err != nil {
		gw.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, imp)
}

// --- Schedules ---

func (gw *Gateway) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.scheduler.List())
}

func (gw *Gateway) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	st, err := gw.scheduler.Trigger(r.Context(), r.PathValue("name"))
	if err != nil {
		gw.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
