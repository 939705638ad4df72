package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Pinger models the minimal connectivity capability we need for checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker aggregates readiness checks for the pipeline's collaborators.
type Checker struct {
	redis         Pinger
	postgres      Pinger
	extractionURL string
	templates     []string
	httpClient    *http.Client
}

// Options configures the Checker.
type Options struct {
	Redis         Pinger
	Postgres      Pinger
	ExtractionURL string
	Templates     []string
	HTTPClient    *http.Client
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Broker     Status `json:"broker"`
	Store      Status `json:"store"`
	Extraction Status `json:"extraction"`
	Webhooks   Status `json:"webhooks"`
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Checker{
		redis:         opts.Redis,
		postgres:      opts.Postgres,
		extractionURL: strings.TrimSpace(opts.ExtractionURL),
		templates:     opts.Templates,
		httpClient:    client,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Broker:     c.checkPing(ctx, c.redis),
		Store:      c.checkPing(ctx, c.postgres),
		Extraction: c.checkExtraction(ctx),
		Webhooks:   c.checkWebhooks(),
	}
}

func (c *Checker) checkPing(ctx context.Context, p Pinger) Status {
	if p == nil {
		return Status{OK: false, Message: "client unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkExtraction(ctx context.Context) Status {
	if c.extractionURL == "" {
		return Status{OK: false, Message: "Endpoint not configured"}
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodHead, c.extractionURL, nil)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Status{OK: false, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return Status{OK: true, Message: "Reachable"}
}

func (c *Checker) checkWebhooks() Status {
	if len(c.templates) == 0 {
		return Status{OK: false, Message: "No templates configured"}
	}
	return Status{OK: true, Message: fmt.Sprintf("%d templates configured", len(c.templates))}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
