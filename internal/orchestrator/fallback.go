package orchestrator

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/local/docpipeline/internal/metrics"
	"github.com/local/docpipeline/internal/pipeline"
)

// runFallback executes the pipeline inline on the caller's goroutine. The
// end state of the record is identical to the broker path; the difference is
// that terminal failures are logged here and never retried.
func (o *Orchestrator) runFallback(ctx context.Context, job pipeline.Job) {
	metrics.JobSubmitted("fallback")
	log.Info().Str("upload_id", job.ID).Str("template", job.Template).Msg("running upload synchronously")
	err := o.deps.Runner.Run(ctx, job)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrRaceLost):
		metrics.JobProcessed("race_lost")
		log.Info().Str("upload_id", job.ID).Msg("synchronous run skipped: record no longer pending")
	default:
		log.Error().Err(err).Str("upload_id", job.ID).Msg("synchronous run failed; no retry")
	}
}
