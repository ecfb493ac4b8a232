package retrieval

import (
	"errors"
	"fmt"
)

// Common errors for the retrieval pipeline. Encoder and index failures are
// retried locally before escalating; chunk store failures during neighbor
// enrichment are absorbed and only escalate when anchors themselves cannot
// be resolved.
var (
	ErrEncodingFailed        = errors.New("query encoding failed")
	ErrIndexUnavailable      = errors.New("vector index unavailable")
	ErrChunkStoreUnavailable = errors.New("chunk store unavailable")
	ErrChunkNotFound         = errors.New("chunk not found")
	ErrRetrievalTimeout      = errors.New("retrieval timed out")
	ErrEmptyQuery            = errors.New("query cannot be empty")
)

// PipelineError reports a retrieval failure together with the stage that
// produced it, so callers can tell a failed retrieval apart from an empty
// result set.
type PipelineError struct {
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("retrieval failed during %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func failStage(stage Stage, err error) *PipelineError {
	return &PipelineError{Stage: stage, Err: err}
}
