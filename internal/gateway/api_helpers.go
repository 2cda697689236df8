package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/account"
	"github.com/kidguard/kidguard/internal/auth"
	"github.com/kidguard/kidguard/internal/queue"
	"github.com/kidguard/kidguard/internal/store"
)

const maxBodyBytes = 1 << 20

// --- HTTP response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var attemptErr *queue.AttemptError
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, queue.ErrAlertNotFound),
		errors.Is(err, queue.ErrNoPendingItems),
		errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrItemBusy),
		errors.Is(err, ErrJobRunning),
		errors.Is(err, account.ErrSelfDelete):
		return http.StatusConflict
	case errors.As(err, &attemptErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Server errors are logged and reported.
func (gw *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, gw.report(r, err), err.Error())
}

// report logs and reports server errors and returns the status for err.
func (gw *Gateway) report(r *http.Request, err error) int {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		gw.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		gw.reporter.CaptureError(err, map[string]string{"route": r.Pattern})
	}
	return status
}

// decodeJSON reads a bounded JSON body into v. An empty body is an error.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// --- Pagination ---

type paginationResult[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"total_pages"`
}

type paginationParams struct {
	Page     int
	PageSize int
	Offset   int
}

func parsePaginationParams(r *http.Request, defaultPageSize, maxPageSize int) paginationParams {
	q := r.URL.Query()
	page := 1
	pageSize := defaultPageSize

	if v := strings.TrimSpace(q.Get("page")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	if maxPageSize > 0 && pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return paginationParams{Page: page, PageSize: pageSize, Offset: (page - 1) * pageSize}
}

func paginate[T any](items []T, total int64, p paginationParams) paginationResult[T] {
	if items == nil {
		items = []T{}
	}
	pages := (total + int64(p.PageSize) - 1) / int64(p.PageSize)
	return paginationResult[T]{Items: items, Page: p.Page, PageSize: p.PageSize, Total: total, TotalPages: pages}
}
