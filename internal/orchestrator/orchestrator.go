package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docpipeline/internal/metrics"
	"github.com/local/docpipeline/internal/pipeline"
	"github.com/local/docpipeline/internal/queue"
	"github.com/local/docpipeline/internal/store"
)

// Broker is the slice of the durable queue the facade uses.
type Broker interface {
	Enqueue(ctx context.Context, entry queue.Entry, opts queue.EnqueueOptions) (string, error)
	ListJobs(ctx context.Context, states ...queue.State) ([]queue.Job, error)
	RemoveJob(ctx context.Context, jobID string) (bool, error)
	Depths(ctx context.Context) (waiting, delayed, active, failed int64, err error)
	Drain(ctx context.Context) error
	Close() error
}

// Runner executes the shared processing pipeline.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) error
}

// StatusStore is the slice of the record store the facade reads and mutates.
type StatusStore interface {
	Get(ctx context.Context, id string) (store.UploadRecord, error)
	Transition(ctx context.Context, id string, from, to store.Status, resultLink string) (bool, error)
}

// Dependencies wires the facade. Broker is nil when broker construction
// failed at startup; that decision is made once and holds for the process
// lifetime (no reconnection attempts).
type Dependencies struct {
	Broker Broker
	Status StatusStore
	Runner Runner
}

// Orchestrator is the single entry point for the HTTP layer: it hides
// broker-vs-fallback selection and exposes the cancel/status/stats surface.
type Orchestrator struct {
	deps Dependencies
}

func New(deps Dependencies) *Orchestrator {
	if deps.Broker == nil {
		log.Warn().Msg("broker unavailable; submissions run synchronously in-process")
	}
	return &Orchestrator{deps: deps}
}

// SubmitOptions carry the optional enqueue knobs through the facade.
type SubmitOptions struct {
	Priority queue.Priority
	Delay    time.Duration
}

// Submit enqueues the upload for asynchronous processing, or runs the
// pipeline synchronously when the broker cannot accept the job. A submission
// is never left un-attempted and broker trouble is never surfaced as a
// submission failure; the record's status field is the durable outcome.
func (o *Orchestrator) Submit(ctx context.Context, id string, fileData []byte, fileName, userID, template string, opts SubmitOptions) {
	entry := queue.NewEntry(id, fileName, userID, fileData, template)
	if o.deps.Broker != nil {
		jobID, err := o.deps.Broker.Enqueue(ctx, entry, queue.EnqueueOptions{Priority: opts.Priority, Delay: opts.Delay})
		if err == nil {
			metrics.JobSubmitted("broker")
			log.Info().Str("upload_id", id).Str("job_id", jobID).Str("template", template).Msg("upload enqueued")
			return
		}
		log.Error().Err(err).Str("upload_id", id).Msg("enqueue failed; falling back to synchronous execution")
	}
	o.runFallback(ctx, pipeline.Job{
		ID:       id,
		FileName: fileName,
		UserID:   userID,
		FileData: entry.FileData,
		Template: template,
	})
}

// Cancel cancels an upload that has not started processing. It returns false
// whenever the record is, or becomes, anything other than cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id string) bool {
	rec, err := o.deps.Status.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("upload_id", id).Msg("cancel: status read failed")
		}
		return false
	}
	if rec.Status != store.StatusPending {
		log.Info().Str("upload_id", id).Str("status", string(rec.Status)).Msg("cancel refused: record not pending")
		return false
	}

	// Remove the queued job first so the worker cannot claim it while the
	// status flips. When the broker is unavailable, or the job already
	// drained from its view, the conditional transition alone decides the
	// race: a pipeline past the pending guard wins and cancel loses.
	if o.deps.Broker != nil {
		o.removeBrokerJob(ctx, id)
	}

	ok, err := o.deps.Status.Transition(ctx, id, store.StatusPending, store.StatusCancelled, "")
	if err != nil {
		log.Error().Err(err).Str("upload_id", id).Msg("cancel transition failed")
		return false
	}
	if ok {
		log.Info().Str("upload_id", id).Msg("upload cancelled")
	}
	return ok
}

func (o *Orchestrator) removeBrokerJob(ctx context.Context, uploadID string) {
	jobs, err := o.deps.Broker.ListJobs(ctx, queue.StateWaiting, queue.StateDelayed)
	if err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("cancel: broker listing failed")
		return
	}
	for _, j := range jobs {
		if j.Entry.UploadID != uploadID {
			continue
		}
		removed, err := o.deps.Broker.RemoveJob(ctx, j.ID)
		if err != nil {
			log.Warn().Err(err).Str("job_id", j.ID).Msg("cancel: job removal failed")
		} else if !removed {
			log.Info().Str("job_id", j.ID).Msg("cancel: job already claimed")
		}
	}
}

// Status returns the durable record for an upload.
func (o *Orchestrator) Status(ctx context.Context, id string) (store.UploadRecord, error) {
	return o.deps.Status.Get(ctx, id)
}

// Stats is a read-only aggregation over broker-visible job counts.
type Stats struct {
	BrokerAvailable bool  `json:"broker_available"`
	Waiting         int64 `json:"waiting"`
	Delayed         int64 `json:"delayed"`
	Active          int64 `json:"active"`
	Failed          int64 `json:"failed"`
}

// Stats degrades to a zeroed result with BrokerAvailable=false instead of
// failing when the broker is unreachable.
func (o *Orchestrator) Stats(ctx context.Context) Stats {
	if o.deps.Broker == nil {
		return Stats{}
	}
	w, d, a, f, err := o.deps.Broker.Depths(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("stats: broker unreachable")
		return Stats{}
	}
	metrics.SetQueueDepth(w, d, a, f)
	return Stats{BrokerAvailable: true, Waiting: w, Delayed: d, Active: a, Failed: f}
}

// Drain clears all waiting and delayed jobs. Administrative use only.
func (o *Orchestrator) Drain(ctx context.Context) error {
	if o.deps.Broker == nil {
		return nil
	}
	return o.deps.Broker.Drain(ctx)
}

// Shutdown releases broker connections.
func (o *Orchestrator) Shutdown() {
	if o.deps.Broker == nil {
		return
	}
	if err := o.deps.Broker.Close(); err != nil {
		log.Warn().Err(err).Msg("broker close failed")
	}
}
