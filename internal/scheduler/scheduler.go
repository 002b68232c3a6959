// Package scheduler admits generation requests into per-model FIFO queues,
// binds each to a registry handle, drives token production and mirrors the
// stream into the session store. Each model has a bounded queue and a bounded
// number of concurrent generation slots; submitting past the queue bound
// fails immediately with Busy.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"inferd/internal/registry"
	"inferd/internal/session"
)

const (
	defaultQueueDepth   = 32
	defaultConcurrency  = 1
	defaultStreamBuffer = 256

	// persistTimeout bounds the store write that records a terminal turn.
	// It is independent of the request context, which is usually already
	// canceled by the time a truncated turn is written.
	persistTimeout = 5 * time.Second
)

// Config carries the scheduler tunables.
type Config struct {
	// DefaultModel is used when a request does not name a model.
	DefaultModel string
	// MaxConcurrency is the number of simultaneous generations per model.
	// The native context itself is single-caller; extra slots only overlap
	// session bookkeeping and queue handoff, generation stays serialized.
	MaxConcurrency int
	// MaxQueueDepth is the number of requests that may wait per model.
	MaxQueueDepth int
	// StreamBuffer is the token buffer per request. A consumer that falls
	// more than this many tokens behind overflows and fails the request.
	StreamBuffer int
	// DefaultTimeout bounds a request when it carries no timeout of its own.
	// Zero disables the scheduler-side deadline.
	DefaultTimeout time.Duration
	Logger         zerolog.Logger
}

// Scheduler owns the request lifecycle. Construct with New, stop with Close.
type Scheduler struct {
	cfg      Config
	registry *registry.Registry
	store    session.Store
	log      zerolog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	queues map[string]*modelQueue
	closed bool

	wg       sync.WaitGroup
	requests atomic.Uint64
}

// modelQueue is the per-model admission state. queue holds waiting requests
// in FIFO order; slots is the concurrency semaphore. genMu serializes the
// native generate call, which is not reentrant on one loaded context.
type modelQueue struct {
	modelID string
	queue   chan *request
	slots   chan struct{}
	genMu   sync.Mutex
	active  atomic.Int32
}

// New constructs a Scheduler on top of the registry and store.
func New(reg *registry.Registry, store session.Store, cfg Config) *Scheduler {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultQueueDepth
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultConcurrency
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		registry:   reg,
		store:      store,
		log:        cfg.Logger,
		baseCtx:    ctx,
		cancelBase: cancel,
		queues:     make(map[string]*modelQueue),
	}
}

// Submit validates and enqueues a request. It returns immediately: Busy when
// the model's queue is full, InvalidRequest on a malformed request and
// NotFound on a model id that cannot resolve (both with no side effects),
// otherwise a handle the caller consumes tokens and the final result from.
// Fetch and load failures surface through the handle.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*Handle, error) {
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = s.cfg.DefaultModel
	}
	if err := validate(modelID, req); err != nil {
		return nil, err
	}
	// A queue and its dispatcher live until Close, so ids that can never
	// resolve must not get one.
	if !s.registry.Resolvable(modelID) {
		return nil, registry.ErrModelNotFound(modelID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	q, ok := s.queues[modelID]
	if !ok {
		q = &modelQueue{
			modelID: modelID,
			queue:   make(chan *request, s.cfg.MaxQueueDepth),
			slots:   make(chan struct{}, s.cfg.MaxConcurrency),
		}
		s.queues[modelID] = q
		s.wg.Add(1)
		go s.dispatch(q)
	}
	s.mu.Unlock()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	rctx, cancel := newRequestContext(ctx, s.baseCtx, timeout)
	r := &request{
		id:        ulid.Make().String(),
		modelID:   modelID,
		sessionID: req.SessionID,
		prompt:    req.Prompt,
		sampling:  req.Sampling,
		ctx:       rctx,
		cancel:    cancel,
		stream:    newStream(s.cfg.StreamBuffer),
		done:      make(chan struct{}),
	}

	select {
	case q.queue <- r:
	default:
		cancel()
		busyTotal.Inc()
		return nil, ErrBusy(modelID, s.cfg.MaxQueueDepth)
	}
	s.requests.Add(1)
	requestsTotal.Inc()
	queueDepth.WithLabelValues(modelID).Set(float64(len(q.queue)))
	s.log.Debug().Str("request", r.id).Str("model", modelID).Msg("request queued")
	return &Handle{r: r}, nil
}

// dispatch is the per-model worker loop: wait for a free slot, then hand the
// queue head to a run goroutine. Acquiring the slot first keeps waiting
// requests in the queue, so the depth bound stays exact.
func (s *Scheduler) dispatch(q *modelQueue) {
	defer s.wg.Done()
	for {
		select {
		case q.slots <- struct{}{}:
		case <-s.baseCtx.Done():
			return
		}
		select {
		case r := <-q.queue:
			queueDepth.WithLabelValues(q.modelID).Set(float64(len(q.queue)))
			s.wg.Add(1)
			go s.run(q, r)
		case <-s.baseCtx.Done():
			<-q.slots
			return
		}
	}
}

// RequestsTotal reports requests admitted since construction.
func (s *Scheduler) RequestsTotal() uint64 { return s.requests.Load() }

// Close stops admission, cancels in-flight generations and fails queued
// requests as cancelled. It blocks until every worker has finished.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queues := make([]*modelQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	s.cancelBase()
	for _, q := range queues {
		for {
			select {
			case r := <-q.queue:
				s.finish(q, r, StateCancelled, Result{Err: ErrShuttingDown})
			default:
			}
			if len(q.queue) == 0 {
				break
			}
		}
	}
	s.wg.Wait()
	s.log.Debug().Msg("scheduler drained")
}

// newRequestContext derives the generation context: canceled by the caller,
// by scheduler shutdown, and by the timeout when one is set.
func newRequestContext(caller, base context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(caller)
	stop := context.AfterFunc(base, cancel)
	if timeout <= 0 {
		return ctx, func() { stop(); cancel() }
	}
	tctx, tcancel := context.WithTimeout(ctx, timeout)
	return tctx, func() { stop(); tcancel(); cancel() }
}

func validate(modelID string, req Request) error {
	if modelID == "" {
		return ErrInvalidRequest("model is required and no default is configured")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return ErrInvalidRequest("prompt is required")
	}
	if req.Sampling.Temperature < 0 {
		return ErrInvalidRequest("temperature must be >= 0")
	}
	if req.Sampling.TopP < 0 || req.Sampling.TopP > 1 {
		return ErrInvalidRequest("top_p must be within [0, 1]")
	}
	if req.Sampling.TopK < 0 {
		return ErrInvalidRequest("top_k must be >= 0")
	}
	if req.Sampling.MaxTokens < 0 {
		return ErrInvalidRequest("max_tokens must be >= 0")
	}
	if req.Sampling.RepeatPenalty < 0 {
		return ErrInvalidRequest("repeat_penalty must be >= 0")
	}
	return nil
}
