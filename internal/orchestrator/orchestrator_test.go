package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/local/docpipeline/internal/dispatch"
	"github.com/local/docpipeline/internal/extract"
	"github.com/local/docpipeline/internal/pipeline"
	"github.com/local/docpipeline/internal/queue"
	"github.com/local/docpipeline/internal/store"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]store.UploadRecord
}

func newMemStore(recs ...store.UploadRecord) *memStore {
	m := &memStore{recs: make(map[string]store.UploadRecord)}
	for _, r := range recs {
		m.recs[r.ID] = r
	}
	return m
}

func (m *memStore) Get(_ context.Context, id string) (store.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return store.UploadRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) Transition(_ context.Context, id string, from, to store.Status, resultLink string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	if to == store.StatusCompleted {
		rec.ResultLink = resultLink
	}
	m.recs[id] = rec
	return true, nil
}

type fakeBroker struct {
	mu         sync.Mutex
	enqueueErr error
	depthsErr  error
	jobs       []queue.Job
	removed    []string
	removeOK   bool
	enqueued   int
	drained    bool
	closed     bool
}

func (b *fakeBroker) Enqueue(_ context.Context, entry queue.Entry, _ queue.EnqueueOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return "", b.enqueueErr
	}
	b.enqueued++
	return "job-1", nil
}

func (b *fakeBroker) ListJobs(_ context.Context, _ ...queue.State) ([]queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jobs, nil
}

func (b *fakeBroker) RemoveJob(_ context.Context, jobID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, jobID)
	return b.removeOK, nil
}

func (b *fakeBroker) Depths(_ context.Context) (int64, int64, int64, int64, error) {
	if b.depthsErr != nil {
		return 0, 0, 0, 0, b.depthsErr
	}
	return 3, 1, 1, 2, nil
}

func (b *fakeBroker) Drain(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drained = true
	return nil
}

func (b *fakeBroker) Close() error {
	b.closed = true
	return nil
}

type fakeRunner struct {
	mu   sync.Mutex
	runs int
	err  error
}

func (r *fakeRunner) Run(_ context.Context, _ pipeline.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	return r.err
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func TestSubmitUsesBroker(t *testing.T) {
	b := &fakeBroker{}
	r := &fakeRunner{}
	o := New(Dependencies{Broker: b, Status: newMemStore(), Runner: r})

	o.Submit(context.Background(), "1", []byte("data"), "a.pdf", "u", "boleto", SubmitOptions{})

	if b.enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", b.enqueued)
	}
	if r.count() != 0 {
		t.Error("runner should not execute when broker accepts the job")
	}
}

func TestSubmitFallsBackOnEnqueueFailure(t *testing.T) {
	b := &fakeBroker{enqueueErr: queue.ErrBrokerUnavailable}
	r := &fakeRunner{}
	o := New(Dependencies{Broker: b, Status: newMemStore(), Runner: r})

	o.Submit(context.Background(), "1", []byte("data"), "a.pdf", "u", "boleto", SubmitOptions{})

	if r.count() != 1 {
		t.Errorf("runner executions = %d, want 1 (fallback)", r.count())
	}
}

func TestSubmitFallsBackWithoutBroker(t *testing.T) {
	r := &fakeRunner{}
	o := New(Dependencies{Status: newMemStore(), Runner: r})

	o.Submit(context.Background(), "1", []byte("data"), "a.pdf", "u", "boleto", SubmitOptions{})

	if r.count() != 1 {
		t.Errorf("runner executions = %d, want 1", r.count())
	}
}

type stubExtractor struct{ res extract.Result }

func (s stubExtractor) Extract(context.Context, []byte, string, extract.Options) (extract.Result, error) {
	return s.res, nil
}

type stubDispatcher struct{ res dispatch.Result }

func (s stubDispatcher) Dispatch(context.Context, string, extract.Result, string, string) (dispatch.Result, error) {
	return s.res, nil
}

// The fallback path must leave the record in the same end state the
// broker-backed worker would, given identical gateway and webhook replies.
func TestFallbackEndStateMatchesWorkerPath(t *testing.T) {
	run := func(brokerDown bool) store.UploadRecord {
		st := newMemStore(store.UploadRecord{ID: "1", Status: store.StatusPending})
		pipe := pipeline.New(st,
			stubExtractor{res: extract.Result{Success: true, Text: "abc"}},
			stubDispatcher{res: dispatch.Result{Success: true, Link: "http://x/1"}})

		job := pipeline.Job{ID: "1", FileName: "a.pdf", UserID: "u",
			FileData: queue.NewEntry("1", "a.pdf", "u", []byte("data"), "fatura-agibank").FileData,
			Template: "fatura-agibank"}
		if brokerDown {
			o := New(Dependencies{Status: st, Runner: pipe})
			o.Submit(context.Background(), "1", []byte("data"), "a.pdf", "u", "fatura-agibank", SubmitOptions{})
		} else {
			// what the worker does with a broker delivery
			if err := pipe.Run(context.Background(), job); err != nil {
				t.Fatalf("worker-path run failed: %v", err)
			}
		}
		rec, _ := st.Get(context.Background(), "1")
		return rec
	}

	viaWorker := run(false)
	viaFallback := run(true)
	if viaWorker != viaFallback {
		t.Errorf("end states differ: worker=%+v fallback=%+v", viaWorker, viaFallback)
	}
	if viaWorker.Status != store.StatusCompleted || viaWorker.ResultLink != "http://x/1" {
		t.Errorf("end state = %+v, want completed with link", viaWorker)
	}
}

func TestCancelPending(t *testing.T) {
	st := newMemStore(store.UploadRecord{ID: "2", Status: store.StatusPending})
	o := New(Dependencies{Status: st, Runner: &fakeRunner{}})

	if !o.Cancel(context.Background(), "2") {
		t.Fatal("cancel of pending record should succeed")
	}
	rec, _ := st.Get(context.Background(), "2")
	if rec.Status != store.StatusCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
}

func TestCancelNonPendingFails(t *testing.T) {
	for _, status := range []store.Status{store.StatusProcessing, store.StatusCompleted, store.StatusError, store.StatusCancelled} {
		st := newMemStore(store.UploadRecord{ID: "2", Status: status})
		o := New(Dependencies{Status: st, Runner: &fakeRunner{}})

		if o.Cancel(context.Background(), "2") {
			t.Errorf("cancel of %s record should fail", status)
		}
		rec, _ := st.Get(context.Background(), "2")
		if rec.Status != status {
			t.Errorf("status changed from %s to %s", status, rec.Status)
		}
	}
}

func TestCancelUnknownRecord(t *testing.T) {
	o := New(Dependencies{Status: newMemStore(), Runner: &fakeRunner{}})
	if o.Cancel(context.Background(), "nope") {
		t.Error("cancel of unknown record should fail")
	}
}

func TestCancelRemovesWaitingJob(t *testing.T) {
	st := newMemStore(store.UploadRecord{ID: "2", Status: store.StatusPending})
	b := &fakeBroker{removeOK: true, jobs: []queue.Job{
		{ID: "job-9", State: queue.StateWaiting, Entry: queue.NewEntry("2", "a.pdf", "u", []byte("d"), "boleto")},
		{ID: "job-other", State: queue.StateWaiting, Entry: queue.NewEntry("3", "b.pdf", "u", []byte("d"), "boleto")},
	}}
	o := New(Dependencies{Broker: b, Status: st, Runner: &fakeRunner{}})

	if !o.Cancel(context.Background(), "2") {
		t.Fatal("cancel should succeed")
	}
	if len(b.removed) != 1 || b.removed[0] != "job-9" {
		t.Errorf("removed = %v, want [job-9]", b.removed)
	}
}

func TestCancelFallsBackToTransitionWhenJobDrained(t *testing.T) {
	// The job already left the broker's view but the pipeline has not
	// committed processing yet: the conditional transition still wins.
	st := newMemStore(store.UploadRecord{ID: "2", Status: store.StatusPending})
	b := &fakeBroker{removeOK: false}
	o := New(Dependencies{Broker: b, Status: st, Runner: &fakeRunner{}})

	if !o.Cancel(context.Background(), "2") {
		t.Fatal("cancel should succeed via direct transition")
	}
	rec, _ := st.Get(context.Background(), "2")
	if rec.Status != store.StatusCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
}

func TestStatsDegradesWithoutBroker(t *testing.T) {
	o := New(Dependencies{Status: newMemStore(), Runner: &fakeRunner{}})
	if got := o.Stats(context.Background()); got != (Stats{}) {
		t.Errorf("stats = %+v, want zeroed", got)
	}
}

func TestStatsDegradesOnBrokerError(t *testing.T) {
	b := &fakeBroker{depthsErr: errors.New("connection refused")}
	o := New(Dependencies{Broker: b, Status: newMemStore(), Runner: &fakeRunner{}})
	if got := o.Stats(context.Background()); got.BrokerAvailable {
		t.Errorf("stats = %+v, want degraded", got)
	}
}

func TestStatsReportsDepths(t *testing.T) {
	b := &fakeBroker{}
	o := New(Dependencies{Broker: b, Status: newMemStore(), Runner: &fakeRunner{}})
	got := o.Stats(context.Background())
	want := Stats{BrokerAvailable: true, Waiting: 3, Delayed: 1, Active: 1, Failed: 2}
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}
}

func TestDrainAndShutdown(t *testing.T) {
	b := &fakeBroker{}
	o := New(Dependencies{Broker: b, Status: newMemStore(), Runner: &fakeRunner{}})
	if err := o.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if !b.drained {
		t.Error("broker not drained")
	}
	o.Shutdown()
	if !b.closed {
		t.Error("broker not closed")
	}

	// both are no-ops without a broker
	o2 := New(Dependencies{Status: newMemStore(), Runner: &fakeRunner{}})
	if err := o2.Drain(context.Background()); err != nil {
		t.Fatalf("Drain without broker failed: %v", err)
	}
	o2.Shutdown()
}
