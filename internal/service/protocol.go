package service

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
)

// Response types.
const (
	TypeResponse = "response"
	TypeProgress = "progress"
	TypeError    = "error"
)

// Request is one NDJSON input line.
type Request struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one NDJSON output line.
type Response struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Emitter receives the lines produced for a request.
type Emitter func(Response)

// lineWriter serializes writes so concurrent requests never interleave
// partial lines.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w)}
}

func (w *lineWriter) write(resp Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(resp); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}

// params is the union of every action's parameters.
type params struct {
	TargetID    *int     `json:"target_id"`
	TargetIDs   []int    `json:"target_ids"`
	Targets     string   `json:"targets"`
	Sequential  bool     `json:"sequential"`
	Concurrency int      `json:"concurrency"`
	SkipPhases  []string `json:"skip_phases"`
	Operation   string   `json:"operation"`
	JobID       string   `json:"job_id"`
	RetryFailed bool     `json:"retry_failed"`
	ActiveOnly  bool     `json:"active_only"`
}

func decodeParams(raw json.RawMessage) (params, error) {
	var p params
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("invalid params: %w", err)
	}
	return p, nil
}

// targetIDs resolves the request's target set: explicit ids win, then a
// selection expression, then a single target id.
func (p params) targetIDs(parse func(string) []int) []int {
	switch {
	case len(p.TargetIDs) > 0:
		return p.TargetIDs
	case strings.TrimSpace(p.Targets) != "":
		return parse(p.Targets)
	case p.TargetID != nil:
		return []int{*p.TargetID}
	default:
		return nil
	}
}

// progressForwarder turns progress events into progress lines for one request.
func progressForwarder(requestID string, emit Emitter) progress.Reporter {
	return progress.ReporterFunc(func(evt progress.Event) {
		emit(Response{Type: TypeProgress, Success: true, RequestID: requestID, Data: evt})
	})
}
