package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"inferd/internal/engine"
)

// Request is one generation submission.
type Request struct {
	// Model to generate with; falls back to the configured default.
	Model string
	// Prompt text. Required.
	Prompt string
	// SessionID appends the exchange to an existing session. Empty creates
	// a new session bound to the model.
	SessionID string
	// Sampling parameters passed through to the engine.
	Sampling engine.SamplingConfig
	// Timeout for this request; zero uses the scheduler default.
	Timeout time.Duration
}

// State is the lifecycle position of a request. Transitions only move
// forward: a terminal state is never left and earlier states are never
// re-entered.
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the request lifecycle.
func (s State) Terminal() bool { return s >= StateCompleted }

// Result is the final outcome of a request, available once the token stream
// is closed.
type Result struct {
	State     State
	SessionID string
	// TurnIndex of the persisted assistant turn, -1 when nothing was written.
	TurnIndex int
	// Content is the full (possibly truncated) completion text.
	Content      string
	TokenCount   int
	FinishReason string
	// Truncated is set when the persisted output was cut short by
	// cancellation, overflow or failure.
	Truncated bool
	// Err is set for failed requests and for cancelled ones carrying the
	// cancellation cause. Nil on completion.
	Err error
}

type request struct {
	id        string
	modelID   string
	sessionID string
	prompt    string
	sampling  engine.SamplingConfig

	ctx    context.Context
	cancel context.CancelFunc
	stream *stream

	state  atomic.Int32
	result Result
	done   chan struct{}
}

// advance moves the request forward to next. It refuses to leave a terminal
// state or to step backwards, so observers never see a transition revert.
func (r *request) advance(next State) bool {
	for {
		cur := State(r.state.Load())
		if cur.Terminal() || next <= cur {
			return false
		}
		if r.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// Handle is the caller's view of a submitted request.
type Handle struct {
	r *request
}

// ID returns the request id.
func (h *Handle) ID() string { return h.r.id }

// State returns the current request state.
func (h *Handle) State() State { return State(h.r.state.Load()) }

// Tokens returns the stream of produced tokens in production order. The
// channel closes at the terminal state; read Result after it closes.
func (h *Handle) Tokens() <-chan string { return h.r.stream.ch }

// Cancel requests cooperative cancellation. Generation stops at the next
// token boundary. Idempotent.
func (h *Handle) Cancel() { h.r.cancel() }

// Done closes when the request reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.r.done }

// Result blocks until the request is terminal and returns the outcome.
func (h *Handle) Result() Result {
	<-h.r.done
	return h.r.result
}
