package registry

import "fmt"

// modelNotFoundError indicates a model id that resolves to nothing: not in
// the catalog, not a hub ref, or its artifact is gone.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	_, ok := err.(modelNotFoundError)
	return ok
}

// outOfMemoryError signals that a load cannot fit the budget even after
// evicting every idle model. Maps to 507 at the HTTP layer.
type outOfMemoryError struct {
	requiredBytes int64
	budgetBytes   int64
	usedBytes     int64
}

func (e outOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory: need %d bytes, budget %d, in use %d",
		e.requiredBytes, e.budgetBytes, e.usedBytes)
}

func ErrOutOfMemory(required, budget, used int64) error {
	return outOfMemoryError{requiredBytes: required, budgetBytes: budget, usedBytes: used}
}

// IsOutOfMemory reports whether err indicates insufficient evictable capacity.
func IsOutOfMemory(err error) bool {
	_, ok := err.(outOfMemoryError)
	return ok
}

// loadFailedError wraps a native context construction failure.
type loadFailedError struct {
	id    string
	cause error
}

func (e loadFailedError) Error() string { return "load " + e.id + ": " + e.cause.Error() }
func (e loadFailedError) Unwrap() error { return e.cause }

func ErrLoadFailed(id string, cause error) error { return loadFailedError{id: id, cause: cause} }

// IsLoadFailed reports whether err came from a failed native load.
func IsLoadFailed(err error) bool {
	_, ok := err.(loadFailedError)
	return ok
}

// downloadFailedError wraps an exhausted hub fetch.
type downloadFailedError struct {
	id    string
	cause error
}

func (e downloadFailedError) Error() string { return "download " + e.id + ": " + e.cause.Error() }
func (e downloadFailedError) Unwrap() error { return e.cause }

func ErrDownloadFailed(id string, cause error) error {
	return downloadFailedError{id: id, cause: cause}
}

// IsDownloadFailed reports whether err came from an exhausted hub fetch.
func IsDownloadFailed(err error) bool {
	_, ok := err.(downloadFailedError)
	return ok
}
