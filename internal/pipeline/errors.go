package pipeline

import (
	"errors"

	"github.com/local/docpipeline/internal/dispatch"
	"github.com/local/docpipeline/internal/store"
)

var (
	// ErrRaceLost means the record was not in the status this execution
	// expected, so a guarded transition did not apply. Not a failure: callers
	// abort silently and never retry.
	ErrRaceLost = errors.New("status transition race lost")

	// ErrPayloadDecode means the job payload is not a recognized byte-buffer
	// shape. Retrying cannot fix it.
	ErrPayloadDecode = errors.New("payload decode failed")
)

// IsPermanent reports whether retrying the job could possibly succeed.
// Malformed payloads, unknown records and unconfigured templates fail the
// same way on every redelivery, so they go straight to the failed stream.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPayloadDecode) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, dispatch.ErrTemplateUnconfigured)
}
