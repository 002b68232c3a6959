package scheduler

import (
	"errors"
	"fmt"
)

// ErrOverflow reports a consumer that fell behind the stream buffer. The
// request is interrupted and marked failed.
var ErrOverflow = errors.New("stream overflow: consumer fell behind")

// ErrShuttingDown reports a submit or queued request hit by scheduler
// shutdown.
var ErrShuttingDown = errors.New("scheduler shutting down")

// busyError signals a full queue. Retryable by the caller; maps to 429.
type busyError struct {
	modelID string
	depth   int
}

func (e busyError) Error() string {
	return fmt.Sprintf("model %s is busy: queue depth %d reached", e.modelID, e.depth)
}

func ErrBusy(modelID string, depth int) error { return busyError{modelID: modelID, depth: depth} }

// IsBusy reports whether err is a queue-full rejection.
func IsBusy(err error) bool {
	var e busyError
	return errors.As(err, &e)
}

// invalidRequestError rejects a malformed request before enqueue.
type invalidRequestError struct{ reason string }

func (e invalidRequestError) Error() string { return "invalid request: " + e.reason }

func ErrInvalidRequest(reason string) error { return invalidRequestError{reason: reason} }

// IsInvalidRequest reports whether err is a pre-admission rejection.
func IsInvalidRequest(err error) bool {
	var e invalidRequestError
	return errors.As(err, &e)
}

// engineFailureError wraps a native failure mid-generation. The model's
// context is evicted; the next acquire reloads it.
type engineFailureError struct {
	modelID string
	cause   error
}

func (e engineFailureError) Error() string {
	return "engine failure on " + e.modelID + ": " + e.cause.Error()
}
func (e engineFailureError) Unwrap() error { return e.cause }

func errEngineFailure(modelID string, cause error) error {
	return engineFailureError{modelID: modelID, cause: cause}
}

// IsEngineFailure reports whether err came from the native engine mid-stream.
func IsEngineFailure(err error) bool {
	var e engineFailureError
	return errors.As(err, &e)
}
