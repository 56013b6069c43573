package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/busybox42/mailq/internal/delivery"
	"github.com/busybox42/mailq/internal/queue"
)

// maxRequestBody caps JSON request bodies
const maxRequestBody = 10 << 20

// EnqueueRequest is the body of POST /api/queue/messages
type EnqueueRequest struct {
	Recipient   string                `json:"recipient"`
	Subject     string                `json:"subject"`
	Body        string                `json:"body"`
	Headers     []string              `json:"headers,omitempty"`
	Attachments []delivery.Attachment `json:"attachments,omitempty"`
	Priority    string                `json:"priority,omitempty"`
	ScheduledAt *time.Time            `json:"scheduled_at,omitempty"`
}

// BulkRequest is the body of POST /api/queue/bulk
type BulkRequest struct {
	Recipients   []queue.BulkRecipient `json:"recipients"`
	Subject      string                `json:"subject"`
	BodyTemplate string                `json:"body_template"`
	Headers      []string              `json:"headers,omitempty"`
	Attachments  []delivery.Attachment `json:"attachments,omitempty"`
	Priority     string                `json:"priority,omitempty"`
	ScheduledAt  *time.Time            `json:"scheduled_at,omitempty"`
}

// PurgeRequest is the body of POST /api/queue/purge
type PurgeRequest struct {
	RetentionDays int `json:"retention_days"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return false
	}
	return true
}

// parsePriority maps an optional name; empty keeps the zero value so the
// queue applies its own default.
func parsePriority(name string) (queue.Priority, error) {
	if name == "" {
		return 0, nil
	}
	return queue.ParsePriority(name)
}

func optionalTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid priority", err.Error())
		return
	}
	attachments, err := s.confineAttachments(req.Attachments)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid attachment", err.Error())
		return
	}

	id, err := s.manager.Enqueue(r.Context(), queue.Envelope{
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		Body:        req.Body,
		Headers:     req.Headers,
		Attachments: attachments,
		Priority:    priority,
		ScheduledAt: optionalTime(req.ScheduledAt),
	})
	switch {
	case errors.Is(err, queue.ErrInvalidRecipient):
		writeError(w, http.StatusUnprocessableEntity, "Invalid recipient", err.Error())
	case errors.Is(err, queue.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, "Invalid message", err.Error())
	case err != nil:
		s.internalError(w, "enqueue", err)
	default:
		writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
	}
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body", "recipients must not be empty")
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid priority", err.Error())
		return
	}
	attachments, err := s.confineAttachments(req.Attachments)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid attachment", err.Error())
		return
	}

	result, err := s.manager.SendBulk(r.Context(), req.Recipients, req.Subject, req.BodyTemplate, queue.BulkOptions{
		Headers:     req.Headers,
		Attachments: attachments,
		Priority:    priority,
		ScheduledAt: optionalTime(req.ScheduledAt),
	})
	if err != nil {
		s.internalError(w, "bulk send", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RetentionDays < 1 {
		writeError(w, http.StatusBadRequest, "Invalid retention", "retention_days must be at least 1")
		return
	}
	deleted, err := s.manager.Purge(r.Context(), req.RetentionDays)
	if err != nil {
		s.internalError(w, "purge", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.manager.QueueStatus(r.Context())
	if err != nil {
		s.internalError(w, "queue status", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = queue.StatusFailed
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status", fmt.Sprintf("unknown status %q", status))
		return
	}
	limit, ok := queryLimit(w, r, 100)
	if !ok {
		return
	}

	items, err := s.manager.List(r.Context(), status, limit)
	if err != nil {
		s.internalError(w, "list items", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err.Error())
		return
	}
	detail, err := s.manager.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Item not found", fmt.Sprintf("no item %d", id))
		return
	}
	if err != nil {
		s.internalError(w, "get item", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	if s.notices == nil {
		writeError(w, http.StatusServiceUnavailable, "Notice board disabled", "")
		return
	}
	limit, ok := queryLimit(w, r, 50)
	if !ok {
		return
	}
	notices, err := s.notices.Notices(r.Context(), limit)
	if err != nil {
		s.internalError(w, "notices", err)
		return
	}
	writeJSON(w, http.StatusOK, notices)
}

func (s *Server) handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "Delivery statistics disabled", "redis is not configured")
		return
	}
	totals, err := s.stats.GetMetrics(r.Context())
	if err != nil {
		s.internalError(w, "delivery stats", err)
		return
	}
	recent, err := s.stats.GetRecentErrors(r.Context(), 20)
	if err != nil {
		s.internalError(w, "recent errors", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totals":        totals,
		"recent_errors": recent,
	})
}

func (s *Server) handleHourlyStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "Delivery statistics disabled", "redis is not configured")
		return
	}
	stats, err := s.stats.GetHourlyStats(r.Context())
	if err != nil {
		s.internalError(w, "hourly stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HealthStats represents server health
type HealthStats struct {
	Status        string    `json:"status"`
	Store         string    `json:"store"`
	Uptime        int64     `json:"uptime"` // seconds
	StartedAt     time.Time `json:"started_at"`
	GoVersion     string    `json:"go_version"`
	NumGoroutines int       `json:"num_goroutines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStats{
		Status:        "ok",
		Store:         "ok",
		Uptime:        int64(time.Since(s.startedAt).Seconds()),
		StartedAt:     s.startedAt,
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
	}
	status := http.StatusOK
	if err := s.manager.Store().Ping(r.Context()); err != nil {
		health.Status = "degraded"
		health.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func queryLimit(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		writeError(w, http.StatusBadRequest, "Invalid limit", "limit must be between 1 and 1000")
		return 0, false
	}
	return n, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("API request failed", "operation", op, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal error", op+" failed")
}
