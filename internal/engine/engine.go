// Package engine abstracts the native inference runtime. The real backend
// wraps go-llama.cpp and is compiled with `-tags=llama`; default builds get a
// CGO-free stub that fails fast instead of mocking inference.
package engine

import (
	"context"
	"errors"
)

// ErrUnavailable reports that the binary was built without native llama
// support. Surfaced as 503 by the HTTP layer.
var ErrUnavailable = errors.New("engine unavailable: built without llama support (build with -tags=llama)")

// Options configure native context construction.
type Options struct {
	// ContextSize is the token window of the native context (0 = backend default).
	ContextSize int
	// Threads used for inference (0 = backend default).
	Threads int
}

// SamplingConfig captures per-request generation parameters.
type SamplingConfig struct {
	Temperature   float32
	TopP          float32
	TopK          int
	MaxTokens     int
	Stop          []string
	Seed          int
	RepeatPenalty float32
}

// Result summarizes a finished generation.
type Result struct {
	// Content is the full completion text.
	Content string
	// TokenCount is the number of tokens streamed through the callback.
	TokenCount int
	// FinishReason is "stop" for natural EOS, empty otherwise.
	FinishReason string
}

// TokenFunc receives each produced token in production order. Returning a
// non-nil error stops generation at the next token boundary and propagates
// the error out of Generate.
type TokenFunc func(token string) error

// Backend constructs native inference contexts. Implementations are safe for
// concurrent Load calls.
type Backend interface {
	// Load builds a native context for the model artifact at path. The
	// returned Context is owned by the caller and must be closed.
	Load(path string, opts Options) (Context, error)
}

// Context is one loaded native inference context.
//
// Generate is not reentrant: the native context holds mutable state, so at
// most one Generate may run on a Context at a time. Callers serialize access.
// Cancellation is cooperative via ctx: production stops at the next token
// boundary, never mid-token.
type Context interface {
	Generate(ctx context.Context, prompt string, cfg SamplingConfig, onToken TokenFunc) (Result, error)
	// Close releases the native resources. Safe to call more than once; the
	// release happens exactly once.
	Close() error
}
