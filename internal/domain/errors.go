package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoWorkflow       = errors.New("no workflow for model")
	ErrMissingModelFile = errors.New("model file not installed")
	ErrEngineTimeout    = errors.New("engine timed out")
	ErrEngineFailure    = errors.New("engine reported failure")
	ErrNoArtifact       = errors.New("no artifact produced")
)

// ReasonCode is the stable machine-readable failure classification reported
// back to the queue when a job fails.
type ReasonCode string

const (
	ReasonCompileError   ReasonCode = "compile_error"
	ReasonResolution     ReasonCode = "resolution_error"
	ReasonEngineTimeout  ReasonCode = "engine_timeout"
	ReasonEngineFailure  ReasonCode = "engine_failure"
	ReasonExtractionMiss ReasonCode = "extraction_miss"
	ReasonQueueError     ReasonCode = "queue_error"
)

// Failure is the single error type crossing the orchestrator boundary. It
// wraps the underlying cause so callers can still errors.Is against the
// sentinels above.
type Failure struct {
	Code    ReasonCode
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the failure may be retried with the same
// compiled graph. Only engine timeouts qualify.
func (f *Failure) Retryable() bool { return f.Code == ReasonEngineTimeout }

// NewFailure wraps err under the given reason code with a human-readable
// message for the outbound submission.
func NewFailure(code ReasonCode, message string, err error) *Failure {
	return &Failure{Code: code, Message: message, Err: err}
}

// AsFailure extracts a Failure from an error chain, classifying unrecognized
// errors as queue_error so no raw transport error escapes upstream.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Code: ReasonQueueError, Message: "unclassified worker error", Err: err}
}
