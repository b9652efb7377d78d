package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	listTimeout     = 3 * time.Second
)

// OperationLister reads every tracked operation, newest first.
type OperationLister interface {
	ListOperations(ctx context.Context) ([]crawler.OperationRecord, error)
}

// JobsHandler exposes the read-only operation listing.
type JobsHandler struct {
	ops     OperationLister
	timeout time.Duration
	logger  *zap.Logger
}

// NewJobsHandler wires the lister and logger.
func NewJobsHandler(ops OperationLister, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{ops: ops, timeout: listTimeout, logger: logger}
}

// List handles GET /v1/jobs?state=&kind=&limit=&offset=. It returns
// {"jobs": [...], "total": n} where total counts matches before paging.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.ops == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "operation store unavailable"}, h.logger)
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, h.logger)
		return
	}
	q := r.URL.Query()
	var state crawler.JobState
	if raw := strings.TrimSpace(q.Get("state")); raw != "" {
		state, err = parseState(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, h.logger)
			return
		}
	}
	kind := strings.TrimSpace(q.Get("kind"))

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	ops, err := h.ops.ListOperations(ctx)
	if err != nil {
		h.logger.Error("list operations failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"}, h.logger)
		return
	}

	matched := make([]crawler.OperationRecord, 0, len(ops))
	for _, op := range ops {
		if state != "" && op.State != state {
			continue
		}
		if kind != "" && op.Kind != kind {
			continue
		}
		matched = append(matched, op)
	}
	total := len(matched)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  matched[start:end],
		"total": total,
	}, h.logger)
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseState(input string) (crawler.JobState, error) {
	state := crawler.JobState(strings.ToLower(input))
	switch state {
	case crawler.JobPending, crawler.JobRunning, crawler.JobCompleted, crawler.JobFailed, crawler.JobCancelled:
		return state, nil
	default:
		return "", errors.New("invalid state filter")
	}
}
