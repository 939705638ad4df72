package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/local/docpipeline/internal/metrics"
)

// ErrExtractionFailed wraps any gateway failure: unreachable service, non-2xx
// response or an explicit success=false reply.
var ErrExtractionFailed = errors.New("extraction failed")

// Options tune a single extraction call. Zero values fall back to the
// gateway defaults; UseAI is a pointer so an explicit false can override a
// true default.
type Options struct {
	Enhance string // enhancement level
	Engine  string // engine preference
	UseAI   *bool  // AI-engine toggle (nil = gateway default)
}

// Result is the canonical extraction output, independent of the service's
// response shape. Success with empty Text is a valid soft-success: the
// service processed the document and found no characters.
type Result struct {
	Success bool
	Text    string
	Pages   int
	Stats   map[string]any
	Error   string
}

// Gateway is the synchronous client to the external OCR service.
type Gateway struct {
	url      string
	http     *http.Client
	defaults Options
}

type Config struct {
	URL     string
	Timeout time.Duration
	Enhance string
	Engine  string
	UseAI   bool
}

func NewGateway(cfg Config) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	useAI := cfg.UseAI
	return &Gateway{
		url:  cfg.URL,
		http: &http.Client{Timeout: timeout},
		defaults: Options{
			Enhance: cfg.Enhance,
			Engine:  cfg.Engine,
			UseAI:   &useAI,
		},
	}
}

// response covers both shapes the service returns: a flat extracted-text
// field, or a list of per-page fragments plus aggregate statistics.
type response struct {
	Success *bool  `json:"success"`
	Text    string `json:"text"`
	Pages   []struct {
		Page int    `json:"page"`
		Text string `json:"text"`
	} `json:"pages"`
	Stats map[string]any `json:"stats"`
	Error string         `json:"error"`
}

// Extract posts the file and returns the canonical result. The error return
// is non-nil only for failures; soft success (zero extracted characters with
// success=true) comes back as a Result with Success set.
func (g *Gateway) Extract(ctx context.Context, data []byte, fileName string, opts Options) (Result, error) {
	if opts.Enhance == "" {
		opts.Enhance = g.defaults.Enhance
	}
	if opts.Engine == "" {
		opts.Engine = g.defaults.Engine
	}
	if opts.UseAI == nil {
		opts.UseAI = g.defaults.UseAI
	}
	useAI := opts.UseAI != nil && *opts.UseAI

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := createFilePart(mw, fileName, data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrExtractionFailed, err)
	}
	if _, err := part.Write(data); err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrExtractionFailed, err)
	}
	_ = mw.WriteField("enhance", opts.Enhance)
	_ = mw.WriteField("engine", opts.Engine)
	_ = mw.WriteField("use_ai", strconv.FormatBool(useAI))
	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrExtractionFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := g.http.Do(req)
	if err != nil {
		metrics.ObserveExtraction("error", time.Since(start))
		return Result{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveExtraction("error", time.Since(start))
		return Result{}, fmt.Errorf("%w: HTTP %d: %s", ErrExtractionFailed, resp.StatusCode, bodyMessage(raw))
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		metrics.ObserveExtraction("error", time.Since(start))
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrExtractionFailed, err)
	}
	// Some engine versions omit the success flag; tolerate that only when the
	// response carries extracted content. A zero-character result must say
	// success explicitly, otherwise it is indistinguishable from a broken
	// reply.
	if r.Success == nil && r.Text == "" && len(r.Pages) == 0 {
		metrics.ObserveExtraction("failure", time.Since(start))
		return Result{}, fmt.Errorf("%w: response carries neither success flag nor content", ErrExtractionFailed)
	}
	if r.Success != nil && !*r.Success {
		metrics.ObserveExtraction("failure", time.Since(start))
		msg := r.Error
		if msg == "" {
			msg = "service reported failure"
		}
		return Result{Error: msg}, fmt.Errorf("%w: %s", ErrExtractionFailed, msg)
	}
	metrics.ObserveExtraction("success", time.Since(start))

	out := Result{Success: true, Stats: r.Stats}
	if len(r.Pages) > 0 {
		parts := make([]string, 0, len(r.Pages))
		for _, p := range r.Pages {
			parts = append(parts, p.Text)
		}
		out.Text = strings.Join(parts, "\n\n")
		out.Pages = len(r.Pages)
	} else {
		out.Text = r.Text
	}
	log.Debug().Str("file", fileName).Int("pages", out.Pages).Int("chars", len(out.Text)).
		Dur("duration", time.Since(start)).Msg("extraction done")
	return out, nil
}

// createFilePart builds the file part with a sniffed content type instead of
// the generic application/octet-stream a plain CreateFormFile would send.
func createFilePart(mw *multipart.Writer, fileName string, data []byte) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(fileName)))
	h.Set("Content-Type", mimetype.Detect(data).String())
	return mw.CreatePart(h)
}

func escapeQuotes(s string) string {
	return strings.NewReplacer("\\", "\\\\", `"`, "\\\"").Replace(s)
}

// bodyMessage pulls the most specific error message out of a response body.
func bodyMessage(raw []byte) string {
	var m struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &m); err == nil {
		if m.Error != "" {
			return m.Error
		}
		if m.Message != "" {
			return m.Message
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "no response body"
	}
	return s
}
