package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"evcc-ingest/internal/audit"
	"evcc-ingest/internal/telemetry/application"
	"evcc-ingest/internal/telemetry/infrastructure/influx"
)

const (
	timeLayout = time.RFC3339
	flushPath  = "/api/v1/admin/flush/"
	maxBody    = 1 << 20
)

// RangeDeleter removes stored points.
type RangeDeleter interface {
	DeleteRange(ctx context.Context, start, stop time.Time, predicate string) error
}

// InstanceFlusher flushes one instance on demand.
type InstanceFlusher interface {
	FlushNow(ctx context.Context, instanceID, timestamp string) (application.FlushResult, error)
}

// StatusSource reports pipeline state.
type StatusSource interface {
	Pending() int
}

// HealthHandler answers liveness probes.
type HealthHandler struct{}

// ServeHTTP handles GET /healthz.
func (HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// StatusHandler serves pipeline counters.
type StatusHandler struct {
	scheduler  StatusSource
	suppressed func() int
	patterns   int
}

// NewStatusHandler constructs a StatusHandler.
func NewStatusHandler(scheduler StatusSource, suppressed func() int, patterns int) *StatusHandler {
	return &StatusHandler{scheduler: scheduler, suppressed: suppressed, patterns: patterns}
}

// ServeHTTP handles GET /api/v1/admin/status.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{"patterns": h.patterns, "pending_flushes": 0, "suppressed_instances": 0}
	if h.scheduler != nil {
		resp["pending_flushes"] = h.scheduler.Pending()
	}
	if h.suppressed != nil {
		resp["suppressed_instances"] = h.suppressed()
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteRangeHandler forwards delete requests to the store.
type DeleteRangeHandler struct {
	deleter RangeDeleter
	audit   audit.Logger
	logger  *log.Logger
}

// NewDeleteRangeHandler constructs a DeleteRangeHandler. A nil auditLog
// records admin actions to logger.
func NewDeleteRangeHandler(deleter RangeDeleter, auditLog audit.Logger, logger *log.Logger) *DeleteRangeHandler {
	if logger == nil {
		logger = log.Default()
	}
	if auditLog == nil {
		auditLog = audit.NewLogWriter(logger)
	}
	return &DeleteRangeHandler{deleter: deleter, audit: auditLog, logger: logger}
}

type deleteRangeRequest struct {
	Start     string `json:"start"`
	Stop      string `json:"stop"`
	Predicate string `json:"predicate"`
}

// ServeHTTP handles POST /api/v1/admin/delete-range.
func (h *DeleteRangeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.deleter == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	var req deleteRangeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	start, err := time.Parse(timeLayout, req.Start)
	if err != nil {
		http.Error(w, "invalid start", http.StatusBadRequest)
		return
	}
	stop, err := time.Parse(timeLayout, req.Stop)
	if err != nil {
		http.Error(w, "invalid stop", http.StatusBadRequest)
		return
	}
	if !stop.After(start) {
		http.Error(w, "stop must be after start", http.StatusBadRequest)
		return
	}

	if err := h.deleter.DeleteRange(r.Context(), start, stop, req.Predicate); err != nil {
		h.logger.Printf("admin delete-range: %v", err)
		http.Error(w, "delete error", storeStatus(err))
		return
	}
	resp := map[string]any{
		"start":     start.UTC().Format(timeLayout),
		"stop":      stop.UTC().Format(timeLayout),
		"predicate": req.Predicate,
	}
	recordAudit(r, h.audit, h.logger, audit.FromRequest(r, "delete-range", "influx", resp))
	writeJSON(w, http.StatusOK, resp)
}

// FlushHandler triggers an immediate flush for one instance.
type FlushHandler struct {
	flusher InstanceFlusher
	audit   audit.Logger
	logger  *log.Logger
}

// NewFlushHandler constructs a FlushHandler.
func NewFlushHandler(flusher InstanceFlusher, auditLog audit.Logger, logger *log.Logger) *FlushHandler {
	if logger == nil {
		logger = log.Default()
	}
	if auditLog == nil {
		auditLog = audit.NewLogWriter(logger)
	}
	return &FlushHandler{flusher: flusher, audit: auditLog, logger: logger}
}

// ServeHTTP handles POST /api/v1/admin/flush/{instance}?ts=<timestamp>.
func (h *FlushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.flusher == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	instanceID := strings.Trim(strings.TrimPrefix(r.URL.Path, flushPath), "/")
	if instanceID == "" || strings.Contains(instanceID, "/") {
		http.Error(w, "instance is required", http.StatusBadRequest)
		return
	}
	timestamp := r.URL.Query().Get("ts")

	result, err := h.flusher.FlushNow(r.Context(), instanceID, timestamp)
	switch {
	case errors.Is(err, application.ErrSchedulerClosed):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	case errors.Is(err, application.ErrNoTimestamp):
		http.Error(w, "no pending heartbeat; pass ts", http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Printf("admin flush: %s: %v", instanceID, err)
		http.Error(w, "flush error", storeStatus(err))
		return
	}
	resp := map[string]any{
		"instance": instanceID,
		"points":   result.Points,
		"dropped":  result.Dropped,
	}
	recordAudit(r, h.audit, h.logger, audit.FromRequest(r, "flush", instanceID, resp))
	writeJSON(w, http.StatusOK, resp)
}

func storeStatus(err error) int {
	if isStoreError(err) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func isStoreError(err error) bool {
	var writeErr *influx.WriteError
	return errors.As(err, &writeErr)
}

// recordAudit logs audit write failures without failing the request.
func recordAudit(r *http.Request, auditLog audit.Logger, logger *log.Logger, entry audit.Entry) {
	if err := auditLog.Log(r.Context(), entry); err != nil {
		logger.Printf("admin audit: %s %s: %v", entry.Action, entry.Resource, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
