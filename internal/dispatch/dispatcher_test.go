package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/local/docpipeline/internal/extract"
)

func testResult() extract.Result {
	return extract.Result{Success: true, Text: "abc", Pages: 2}
}

func TestDispatchSuccessLink(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		w.Write([]byte(`{"link":"http://x/1"}`))
	}))
	defer srv.Close()

	d := New(map[string]string{"fatura-agibank": srv.URL}, time.Second)
	res, err := d.Dispatch(context.Background(), "fatura-agibank", testResult(), "fatura.pdf", "user-1")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !res.Success || res.Link != "http://x/1" {
		t.Errorf("result = %+v, want success with link", res)
	}
	if got.Template != "fatura-agibank" || got.FileName != "fatura.pdf" || got.UserID != "user-1" {
		t.Errorf("payload = %+v, want identifying fields", got)
	}
	if got.Text != "abc" || got.Timestamp == "" {
		t.Errorf("payload = %+v, want extraction fields and timestamp", got)
	}
}

func TestDispatchResultFieldFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"http://x/2"}`))
	}))
	defer srv.Close()

	d := New(map[string]string{"boleto": srv.URL}, time.Second)
	res, err := d.Dispatch(context.Background(), "boleto", testResult(), "b.pdf", "u")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Link != "http://x/2" {
		t.Errorf("link = %q, want result field used", res.Link)
	}
}

func TestDispatchMissingLinkIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := New(map[string]string{"boleto": srv.URL}, time.Second)
	if _, err := d.Dispatch(context.Background(), "boleto", testResult(), "b.pdf", "u"); !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("err = %v, want ErrDispatchFailed", err)
	}
}

func TestDispatchRemoteErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"missing cnpj field"}`))
	}))
	defer srv.Close()

	d := New(map[string]string{"nota-fiscal": srv.URL}, time.Second)
	res, err := d.Dispatch(context.Background(), "nota-fiscal", testResult(), "n.pdf", "u")
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("err = %v, want ErrDispatchFailed", err)
	}
	if !strings.Contains(err.Error(), "missing cnpj field") {
		t.Errorf("err = %v, want remote message extracted", err)
	}
	if res.Error != "missing cnpj field" {
		t.Errorf("result error = %q", res.Error)
	}
}

func TestDispatchGenericMessageOnOpaqueBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(map[string]string{"extrato": srv.URL}, time.Second)
	_, err := d.Dispatch(context.Background(), "extrato", testResult(), "e.pdf", "u")
	if !strings.Contains(err.Error(), "webhook request failed") {
		t.Errorf("err = %v, want generic fallback message", err)
	}
}

func TestDispatchUnconfiguredTemplate(t *testing.T) {
	d := New(map[string]string{"boleto": "http://example.invalid", "extrato": "  "}, time.Second)

	if _, err := d.Dispatch(context.Background(), "extrato", testResult(), "e.pdf", "u"); !errors.Is(err, ErrTemplateUnconfigured) {
		t.Fatalf("err = %v, want ErrTemplateUnconfigured", err)
	}
	if d.IsConfigured("extrato") {
		t.Error("blank destination should not count as configured")
	}
	if !d.IsConfigured("boleto") {
		t.Error("boleto should be configured")
	}
	if got := d.Configured(); len(got) != 1 || got[0] != "boleto" {
		t.Errorf("Configured() = %v, want [boleto]", got)
	}
}

func TestDispatchUnreachableWebhook(t *testing.T) {
	d := New(map[string]string{"boleto": "http://127.0.0.1:1/hook"}, time.Second)
	if _, err := d.Dispatch(context.Background(), "boleto", testResult(), "b.pdf", "u"); !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("err = %v, want ErrDispatchFailed", err)
	}
}
