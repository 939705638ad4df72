package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docpipeline/internal/extract"
	"github.com/local/docpipeline/internal/metrics"
)

var (
	// ErrTemplateUnconfigured means the template has no webhook destination.
	ErrTemplateUnconfigured = errors.New("template not configured")
	// ErrDispatchFailed wraps transport and remote webhook errors.
	ErrDispatchFailed = errors.New("dispatch failed")
)

// Result is the normalized webhook reply.
type Result struct {
	Success bool
	Link    string
	Error   string
}

// Dispatcher routes canonical extraction results to per-template webhooks.
// The template set is closed; destinations are fixed at construction.
type Dispatcher struct {
	webhooks map[string]string
	http     *http.Client
}

func New(webhooks map[string]string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	m := make(map[string]string, len(webhooks))
	for k, v := range webhooks {
		if strings.TrimSpace(v) != "" {
			m[k] = v
		}
	}
	return &Dispatcher{webhooks: m, http: &http.Client{Timeout: timeout}}
}

// IsConfigured reports whether a template has a destination.
func (d *Dispatcher) IsConfigured(template string) bool {
	return d.webhooks[template] != ""
}

// Configured lists templates with a destination, sorted for stable output.
func (d *Dispatcher) Configured() []string {
	out := make([]string, 0, len(d.webhooks))
	for t := range d.webhooks {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// payload is the structured body posted to template webhooks.
type payload struct {
	Template  string         `json:"template"`
	FileName  string         `json:"file_name"`
	UserID    string         `json:"user_id"`
	Text      string         `json:"text"`
	Pages     int            `json:"pages,omitempty"`
	Stats     map[string]any `json:"stats,omitempty"`
	Timestamp string         `json:"timestamp"`
}

type reply struct {
	Link    string `json:"link"`
	Result  string `json:"result"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Dispatch posts the extraction result to the template's webhook and
// normalizes the reply. It fails fast on unconfigured templates.
func (d *Dispatcher) Dispatch(ctx context.Context, template string, res extract.Result, fileName, userID string) (Result, error) {
	dest := d.webhooks[template]
	if dest == "" {
		return Result{}, fmt.Errorf("%w: %q", ErrTemplateUnconfigured, template)
	}

	body, err := json.Marshal(payload{
		Template:  template,
		FileName:  fileName,
		UserID:    userID,
		Text:      res.Text,
		Pages:     res.Pages,
		Stats:     res.Stats,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal payload: %v", ErrDispatchFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.http.Do(req)
	if err != nil {
		metrics.ObserveDispatch(template, "error", time.Since(start))
		return Result{}, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveDispatch(template, "error", time.Since(start))
		msg := remoteMessage(raw)
		return Result{Error: msg}, fmt.Errorf("%w: HTTP %d from %s webhook: %s", ErrDispatchFailed, resp.StatusCode, template, msg)
	}
	metrics.ObserveDispatch(template, "success", time.Since(start))

	var r reply
	_ = json.Unmarshal(raw, &r)
	link := r.Link
	if link == "" {
		link = r.Result
	}
	if link == "" {
		return Result{Error: "no result link"}, fmt.Errorf("%w: %s webhook returned no link or result", ErrDispatchFailed, template)
	}
	log.Debug().Str("template", template).Str("file", fileName).
		Dur("duration", time.Since(start)).Msg("dispatched")
	return Result{Success: true, Link: link}, nil
}

// remoteMessage extracts the most specific error from a webhook reply body,
// falling back to a generic message.
func remoteMessage(raw []byte) string {
	var r reply
	if err := json.Unmarshal(raw, &r); err == nil {
		if r.Error != "" {
			return r.Error
		}
		if r.Message != "" {
			return r.Message
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "webhook request failed"
	}
	return s
}
