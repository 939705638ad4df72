package queue

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRetryDelaySchedule(t *testing.T) {
	base := 10 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second}, // clamped to first attempt
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
	}
	for _, c := range cases {
		if got := RetryDelay(base, 2.0, c.attempt); got != c.want {
			t.Errorf("RetryDelay(attempt=%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}

func TestRetryDelayCapped(t *testing.T) {
	if got := RetryDelay(10*time.Second, 2.0, 20); got != 30*time.Minute {
		t.Errorf("RetryDelay = %s, want 30m cap", got)
	}
}

func TestNewEntryRoundTrip(t *testing.T) {
	data := []byte("%PDF-1.4 contents")
	e := NewEntry("up-1", "fatura.pdf", "user-1", data, "fatura-agibank")

	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Entry
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.UploadID != "up-1" || back.Template != "fatura-agibank" {
		t.Errorf("entry = %+v", back)
	}
	var decoded []byte
	if err := json.Unmarshal(back.FileData, &decoded); err != nil {
		t.Fatalf("file data not a byte payload: %v", err)
	}
	if string(decoded) != string(data) {
		t.Errorf("file data = %q, want %q", decoded, data)
	}
}

func TestIdemKeyStable(t *testing.T) {
	a := NewEntry("up-1", "a.pdf", "u", []byte("x"), "boleto")
	b := NewEntry("up-1", "a.pdf", "u", []byte("x"), "boleto")
	c := NewEntry("up-1", "a.pdf", "u", []byte("y"), "boleto")
	d := NewEntry("up-2", "a.pdf", "u", []byte("x"), "boleto")

	if IdemKey(a) != IdemKey(b) {
		t.Error("identical entries should share an idempotency key")
	}
	if IdemKey(a) == IdemKey(c) {
		t.Error("different payloads should not share a key")
	}
	if IdemKey(a) == IdemKey(d) {
		t.Error("different uploads should not share a key")
	}
}
