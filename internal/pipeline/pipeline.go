package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/local/docpipeline/internal/dispatch"
	"github.com/local/docpipeline/internal/extract"
	"github.com/local/docpipeline/internal/metrics"
	"github.com/local/docpipeline/internal/store"
)

// Job is the tuple one pipeline execution operates on, regardless of whether
// it arrived through the broker or the synchronous fallback.
type Job struct {
	ID       string
	FileName string
	UserID   string
	FileData json.RawMessage
	Template string
}

// StatusStore is the slice of the record store the pipeline needs.
type StatusStore interface {
	Get(ctx context.Context, id string) (store.UploadRecord, error)
	Transition(ctx context.Context, id string, from, to store.Status, resultLink string) (bool, error)
}

// Extractor produces the canonical extraction result for a file.
type Extractor interface {
	Extract(ctx context.Context, data []byte, fileName string, opts extract.Options) (extract.Result, error)
}

// Dispatcher routes an extraction result to a template webhook.
type Dispatcher interface {
	Dispatch(ctx context.Context, template string, res extract.Result, fileName, userID string) (dispatch.Result, error)
}

// Pipeline runs the shared processing sequence: claim the record, decode the
// payload, extract, dispatch, resolve. Duplicate delivery protection is the
// conditional pending -> processing transition, not locking.
type Pipeline struct {
	status     StatusStore
	extractor  Extractor
	dispatcher Dispatcher
}

func New(status StatusStore, extractor Extractor, dispatcher Dispatcher) *Pipeline {
	return &Pipeline{status: status, extractor: extractor, dispatcher: dispatcher}
}

// Run executes the pipeline for one job. ErrRaceLost means another execution
// owns the record and nothing was done. Any other error left the record in
// the error status; already-committed transitions are never rolled back.
func (p *Pipeline) Run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("upload_id", job.ID).Interface("panic", r).Msg("pipeline panic")
			_, _ = p.status.Transition(ctx, job.ID, store.StatusProcessing, store.StatusError, "")
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	rec, err := p.status.Get(ctx, job.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("upload %s: %w", job.ID, err)
		}
		return err
	}
	switch rec.Status {
	case store.StatusCancelled, store.StatusCompleted, store.StatusProcessing:
		// duplicate delivery or a concurrent execution; silent no-op
		return ErrRaceLost
	}

	ok, err := p.status.Transition(ctx, job.ID, store.StatusPending, store.StatusProcessing, "")
	if err != nil {
		return err
	}
	if !ok {
		return ErrRaceLost
	}

	data, err := DecodePayload(job.FileData)
	if err != nil {
		return p.fail(ctx, job, err)
	}

	res, err := p.extractor.Extract(ctx, data, job.FileName, extract.Options{})
	if err != nil {
		return p.fail(ctx, job, err)
	}

	out, err := p.dispatcher.Dispatch(ctx, job.Template, res, job.FileName, job.UserID)
	if err != nil {
		return p.fail(ctx, job, err)
	}

	ok, err = p.status.Transition(ctx, job.ID, store.StatusProcessing, store.StatusCompleted, out.Link)
	if err != nil {
		return err
	}
	if !ok {
		// this execution owned the record; losing the guard here means
		// something mutated it out of band
		log.Warn().Str("upload_id", job.ID).Str("template", job.Template).
			Msg("completion transition lost: record left processing externally")
		return ErrRaceLost
	}
	metrics.JobProcessed("completed")
	log.Info().Str("upload_id", job.ID).Str("template", job.Template).
		Str("result_link", out.Link).Msg("upload completed")
	return nil
}

func (p *Pipeline) fail(ctx context.Context, job Job, cause error) error {
	if _, terr := p.status.Transition(ctx, job.ID, store.StatusProcessing, store.StatusError, ""); terr != nil {
		log.Error().Err(terr).Str("upload_id", job.ID).Msg("error transition failed")
	}
	metrics.JobProcessed("error")
	log.Warn().Err(cause).Str("upload_id", job.ID).Str("template", job.Template).Msg("upload failed")
	return cause
}
