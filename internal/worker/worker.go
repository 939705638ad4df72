package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docpipeline/internal/metrics"
	"github.com/local/docpipeline/internal/pipeline"
	"github.com/local/docpipeline/internal/queue"
)

// Broker is the slice of the queue the drain loop needs.
type Broker interface {
	Dequeue(ctx context.Context, block time.Duration) (*queue.Delivery, error)
	IsIdemDone(ctx context.Context, key string) (bool, error)
	Complete(ctx context.Context, d *queue.Delivery) error
	Fail(ctx context.Context, d *queue.Delivery, cause error, permanent bool) (bool, error)
	Heartbeat(ctx context.Context, d *queue.Delivery) error
}

// Runner executes the shared processing pipeline.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) error
}

// Config defines drain loop behavior.
type Config struct {
	DequeueBlock      time.Duration
	HeartbeatInterval time.Duration
}

// Worker drains the broker with exactly one in-flight job at a time. The
// external services the pipeline calls are rate-sensitive and status
// transitions must not interleave across jobs, so concurrency stays fixed
// at one.
type Worker struct {
	cfg    Config
	broker Broker
	pipe   Runner
	stop   chan struct{}
	done   chan struct{}
}

func New(cfg Config, broker Broker, pipe Runner) *Worker {
	if cfg.DequeueBlock <= 0 {
		cfg.DequeueBlock = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	return &Worker{
		cfg:    cfg,
		broker: broker,
		pipe:   pipe,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go w.loop()
}

// Stop signals the loop and waits for the in-flight job to finish or the
// context to expire.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stop)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.done)
	log.Info().Msg("upload worker started")
	for {
		select {
		case <-w.stop:
			log.Info().Msg("upload worker stopped")
			return
		default:
		}

		d, err := w.broker.Dequeue(context.Background(), w.cfg.DequeueBlock)
		if err != nil {
			log.Error().Err(err).Msg("queue dequeue error")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if d == nil {
			continue
		}
		w.process(d)
	}
}

func (w *Worker) process(d *queue.Delivery) {
	ctx := context.Background()
	job := d.Job

	if done, _ := w.broker.IsIdemDone(ctx, job.IdemKey); done {
		log.Warn().Str("job_id", job.ID).Str("upload_id", job.Entry.UploadID).
			Msg("duplicate delivery of completed job; skipping")
		_ = w.broker.Complete(ctx, d)
		return
	}

	log.Info().Str("job_id", job.ID).Str("upload_id", job.Entry.UploadID).
		Str("template", job.Entry.Template).Int("attempt", job.Attempts+1).
		Msg("job started")

	// Heartbeat keeps the stall reclaimer off this delivery while external
	// calls run; slow is not dead.
	hbStop := make(chan struct{})
	go w.heartbeat(d, hbStop)
	err := w.pipe.Run(ctx, pipeline.Job{
		ID:       job.Entry.UploadID,
		FileName: job.Entry.FileName,
		UserID:   job.Entry.UserID,
		FileData: job.Entry.FileData,
		Template: job.Entry.Template,
	})
	close(hbStop)

	switch {
	case err == nil:
		if cerr := w.broker.Complete(ctx, d); cerr != nil {
			log.Error().Err(cerr).Str("job_id", job.ID).Msg("job complete ack failed")
		}
		log.Info().Str("job_id", job.ID).Msg("job completed")
	case errors.Is(err, pipeline.ErrRaceLost):
		// no-op signal, never a job failure
		metrics.JobProcessed("race_lost")
		_ = w.broker.Complete(ctx, d)
		log.Info().Str("job_id", job.ID).Msg("job skipped: record no longer pending")
	default:
		permanent := pipeline.IsPermanent(err)
		retried, ferr := w.broker.Fail(ctx, d, err, permanent)
		if ferr != nil {
			log.Error().Err(ferr).Str("job_id", job.ID).Msg("job failure accounting failed")
		}
		if retried {
			metrics.Retry()
		}
		log.Warn().Err(err).Str("job_id", job.ID).Bool("permanent", permanent).
			Bool("retried", retried).Msg("job failed")
	}
}

func (w *Worker) heartbeat(d *queue.Delivery, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := w.broker.Heartbeat(ctx, d); err != nil {
				log.Debug().Err(err).Str("job_id", d.Job.ID).Msg("heartbeat failed")
			}
			cancel()
		}
	}
}
