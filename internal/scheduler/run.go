package scheduler

import (
	"context"
	"errors"
	"strings"

	"inferd/pkg/types"
)

// run drives one admitted request to a terminal state: session bookkeeping,
// handle acquisition, token production, persistence. The concurrency slot is
// released on return, before the dispatcher pulls the next queued request.
func (s *Scheduler) run(q *modelQueue, r *request) {
	defer s.wg.Done()
	defer func() { <-q.slots }()

	// Cancelled while waiting in the queue: free the slot without touching
	// the engine or the store.
	if r.ctx.Err() != nil {
		s.finish(q, r, StateCancelled, Result{SessionID: r.sessionID, TurnIndex: -1, Err: r.ctx.Err()})
		return
	}
	r.advance(StateRunning)
	q.active.Add(1)
	activeGenerations.WithLabelValues(q.modelID).Inc()
	defer func() {
		q.active.Add(-1)
		activeGenerations.WithLabelValues(q.modelID).Dec()
	}()

	res := Result{TurnIndex: -1}

	sid := r.sessionID
	if sid == "" {
		created, err := s.store.CreateSession(r.ctx, q.modelID)
		if err != nil {
			s.failUnlessCancelled(q, r, res, err)
			return
		}
		sid = created
	}
	res.SessionID = sid

	userIdx, err := s.store.NextIndex(r.ctx, sid)
	if err != nil {
		s.failUnlessCancelled(q, r, res, err)
		return
	}
	err = s.store.AppendTurn(r.ctx, sid, types.Turn{
		Index:   userIdx,
		Role:    types.RoleUser,
		Content: r.prompt,
	})
	if err != nil {
		s.failUnlessCancelled(q, r, res, err)
		return
	}

	handle, err := s.registry.Acquire(r.ctx, q.modelID)
	if err != nil {
		s.failUnlessCancelled(q, r, res, err)
		return
	}
	defer handle.Release()

	var (
		b      strings.Builder
		tokens int
	)
	onToken := func(tok string) error {
		r.advance(StateStreaming)
		if err := r.stream.push(tok); err != nil {
			return err
		}
		b.WriteString(tok)
		tokens++
		tokensStreamedTotal.Inc()
		return nil
	}

	// The native context is single-caller: generation on one loaded model is
	// serialized even when extra concurrency slots are configured.
	q.genMu.Lock()
	genRes, genErr := handle.Context().Generate(r.ctx, r.prompt, r.sampling, onToken)
	q.genMu.Unlock()

	res.Content = b.String()
	res.TokenCount = tokens

	switch {
	case genErr == nil:
		if genRes.Content != "" {
			res.Content = genRes.Content
		}
		if genRes.TokenCount > 0 {
			res.TokenCount = genRes.TokenCount
		}
		res.FinishReason = genRes.FinishReason
		if err := s.persistAssistant(sid, userIdx+1, &res); err != nil {
			res.Err = err
			s.finish(q, r, StateFailed, res)
			return
		}
		s.finish(q, r, StateCompleted, res)

	case errors.Is(genErr, ErrOverflow):
		// The consumer fell behind; treat as an implicit cancel.
		r.cancel()
		res.Truncated = true
		res.Err = ErrOverflow
		s.persistPartial(sid, userIdx+1, &res)
		s.finish(q, r, StateFailed, res)

	case r.ctx.Err() != nil:
		res.Truncated = res.Content != ""
		res.Err = r.ctx.Err()
		s.persistPartial(sid, userIdx+1, &res)
		s.finish(q, r, StateCancelled, res)

	default:
		// Native failure mid-generation: the context may be unusable, so
		// evict it. The next acquire loads the model fresh.
		res.Truncated = res.Content != ""
		res.Err = errEngineFailure(q.modelID, genErr)
		s.registry.Evict(q.modelID)
		s.persistPartial(sid, userIdx+1, &res)
		s.finish(q, r, StateFailed, res)
	}
}

// failUnlessCancelled finishes a request whose setup step errored. A caller
// cancel surfaces through the store or registry as an ordinary error, but it
// must still record as Cancelled, not Failed.
func (s *Scheduler) failUnlessCancelled(q *modelQueue, r *request, res Result, err error) {
	if r.ctx.Err() != nil {
		res.Err = r.ctx.Err()
		s.finish(q, r, StateCancelled, res)
		return
	}
	res.Err = err
	s.finish(q, r, StateFailed, res)
}

// persistAssistant writes the completed assistant turn. The request is not
// Completed until this commit succeeds.
func (s *Scheduler) persistAssistant(sid string, idx int, res *Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := s.store.AppendTurn(ctx, sid, types.Turn{
		Index:      idx,
		Role:       types.RoleAssistant,
		Content:    res.Content,
		TokenCount: res.TokenCount,
	})
	if err != nil {
		return err
	}
	res.TurnIndex = idx
	return nil
}

// persistPartial records whatever output was streamed before a cancel or
// failure, marked truncated. Uses its own context: the request's one is
// typically already canceled. Best effort; the stream outcome stands even if
// the write fails.
func (s *Scheduler) persistPartial(sid string, idx int, res *Result) {
	if res.Content == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := s.store.AppendTurn(ctx, sid, types.Turn{
		Index:      idx,
		Role:       types.RoleAssistant,
		Content:    res.Content,
		TokenCount: res.TokenCount,
		Truncated:  true,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("session", sid).Msg("persist truncated turn")
		return
	}
	res.TurnIndex = idx
}

// finish commits the terminal state, publishes the result and closes the
// stream. The state advance is atomic; a request that already went terminal
// elsewhere is left untouched.
func (s *Scheduler) finish(q *modelQueue, r *request, st State, res Result) {
	if !r.advance(st) {
		r.stream.close()
		return
	}
	res.State = st
	r.result = res
	r.stream.close()
	close(r.done)
	r.cancel()
	outcomesTotal.WithLabelValues(st.String()).Inc()

	evt := s.log.Debug().Str("request", r.id).Str("model", q.modelID).
		Stringer("state", st).Int("tokens", res.TokenCount)
	if res.Err != nil {
		evt = evt.Err(res.Err)
	}
	evt.Msg("request finished")
}
