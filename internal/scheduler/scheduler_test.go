package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"inferd/internal/engine"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

func TestCompleteFlowPersistsPromptAndCompletion(t *testing.T) {
	eng := &fakeEngine{tokens: []string{"Blue ", "whale ", "song"}}
	h := newHarness(t, eng, Config{})

	handle, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "a haiku"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var streamed []string
	for tok := range handle.Tokens() {
		streamed = append(streamed, tok)
	}
	res := handle.Result()
	if res.State != StateCompleted {
		t.Fatalf("expected completed, got %v (err %v)", res.State, res.Err)
	}
	if len(streamed) != 3 {
		t.Fatalf("expected 3 streamed tokens, got %v", streamed)
	}
	if res.Content != "Blue whale song" {
		t.Errorf("unexpected content %q", res.Content)
	}
	if res.SessionID == "" {
		t.Fatal("expected a session to be created")
	}
	if eng.loads.Load() != 1 {
		t.Errorf("expected exactly 1 load, got %d", eng.loads.Load())
	}

	_, turns, err := h.store.GetSession(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected [prompt, completion], got %d turns", len(turns))
	}
	if turns[0].Role != types.RoleUser || turns[0].Content != "a haiku" {
		t.Errorf("unexpected prompt turn: %+v", turns[0])
	}
	if turns[1].Role != types.RoleAssistant || turns[1].Content != "Blue whale song" || turns[1].Truncated {
		t.Errorf("unexpected completion turn: %+v", turns[1])
	}
	if res.TurnIndex != 1 {
		t.Errorf("expected completion at turn 1, got %d", res.TurnIndex)
	}
}

func TestFollowUpRequestContinuesSession(t *testing.T) {
	eng := &fakeEngine{tokens: []string{"ok"}}
	h := newHarness(t, eng, Config{})

	first, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "one"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := drain(t, first)

	second, err := h.sched.Submit(context.Background(), Request{
		Model: "m.gguf", Prompt: "two", SessionID: res.SessionID,
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	res2 := drain(t, second)
	if res2.State != StateCompleted {
		t.Fatalf("expected completed, got %v (err %v)", res2.State, res2.Err)
	}
	if res2.SessionID != res.SessionID {
		t.Errorf("expected same session, got %s and %s", res.SessionID, res2.SessionID)
	}

	_, turns, _ := h.store.GetSession(context.Background(), res.SessionID)
	if len(turns) != 4 {
		t.Fatalf("expected 4 contiguous turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.Index != i {
			t.Errorf("turn %d has index %d", i, turn.Index)
		}
	}
}

func TestFIFOOrderWithinModel(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{tokens: []string{"x"}, gate: gate}
	h := newHarness(t, eng, Config{MaxQueueDepth: 8})

	var handles []*Handle
	for i := 0; i < 5; i++ {
		handle, err := h.sched.Submit(context.Background(), Request{
			Model: "m.gguf", Prompt: fmt.Sprintf("req-%d", i),
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		handles = append(handles, handle)
	}
	close(gate)

	for i, handle := range handles {
		if res := drain(t, handle); res.State != StateCompleted {
			t.Fatalf("request %d: %v (err %v)", i, res.State, res.Err)
		}
	}
	order := eng.promptOrder()
	for i, p := range order {
		if want := fmt.Sprintf("req-%d", i); p != want {
			t.Fatalf("served out of order: got %v", order)
		}
	}
}

func TestSubmitBeyondQueueDepthIsBusy(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{tokens: []string{"x"}, gate: gate}
	h := newHarness(t, eng, Config{MaxQueueDepth: 2, MaxConcurrency: 1})

	// First request occupies the generation slot.
	running, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "p0"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitUntil(t, "generation start", func() bool { return eng.started.Load() == 1 })

	// Two more fill the queue.
	var queued []*Handle
	for i := 1; i <= 2; i++ {
		handle, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: fmt.Sprintf("p%d", i)})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		queued = append(queued, handle)
	}

	// The third concurrent request is rejected, not silently queued.
	_, err = h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "p3"})
	if !IsBusy(err) {
		t.Fatalf("expected busy, got %v", err)
	}

	close(gate)
	if res := drain(t, running); res.State != StateCompleted {
		t.Fatalf("running request: %v", res.State)
	}
	for i, handle := range queued {
		if res := drain(t, handle); res.State != StateCompleted {
			t.Fatalf("queued request %d: %v (err %v)", i, res.State, res.Err)
		}
	}
}

func TestQueuesAreIndependentAcrossModels(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{tokens: []string{"x"}, gate: gate}
	h := newHarness(t, eng, Config{MaxQueueDepth: 1})

	if _, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "a"}); err != nil {
		t.Fatalf("submit m: %v", err)
	}
	waitUntil(t, "m generating", func() bool { return eng.started.Load() == 1 })
	if _, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "b"}); err != nil {
		t.Fatalf("fill m queue: %v", err)
	}
	if _, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "c"}); !IsBusy(err) {
		t.Fatalf("expected m busy, got %v", err)
	}

	// A full queue on m must not reject work for n.
	other, err := h.sched.Submit(context.Background(), Request{Model: "n.gguf", Prompt: "d"})
	if err != nil {
		t.Fatalf("submit n: %v", err)
	}
	close(gate)
	if res := drain(t, other); res.State != StateCompleted {
		t.Fatalf("n request: %v (err %v)", res.State, res.Err)
	}
}

func TestCancelMidStreamKeepsPartialAndFreesSlot(t *testing.T) {
	tokens := make([]string, 64)
	for i := range tokens {
		tokens[i] = "t "
	}
	eng := &fakeEngine{tokens: tokens, delay: 3 * time.Millisecond}
	h := newHarness(t, eng, Config{})

	handle, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "long"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	received := 0
	for range handle.Tokens() {
		received++
		if received == 3 {
			handle.Cancel()
		}
	}
	res := handle.Result()
	if res.State != StateCancelled {
		t.Fatalf("expected cancelled, got %v (err %v)", res.State, res.Err)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("expected context.Canceled cause, got %v", res.Err)
	}
	if res.Content == "" || !res.Truncated {
		t.Errorf("expected truncated partial content, got %+v", res)
	}
	if len(res.Content) >= len(tokens)*2 {
		t.Error("cancellation did not stop production")
	}

	// Partial output is preserved as a truncated turn.
	_, turns, err := h.store.GetSession(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(turns) != 2 || !turns[1].Truncated {
		t.Fatalf("expected truncated assistant turn, got %+v", turns)
	}

	// The handle is immediately reusable by the next request; no reload.
	next, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "next"})
	if err != nil {
		t.Fatalf("next submit: %v", err)
	}
	nres := drain(t, next)
	if nres.State != StateCompleted {
		t.Fatalf("next request: %v (err %v)", nres.State, nres.Err)
	}
	if eng.loads.Load() != 1 {
		t.Errorf("cancel forced a reload: %d loads", eng.loads.Load())
	}
}

func TestCancelWhileQueued(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{tokens: []string{"x"}, gate: gate}
	h := newHarness(t, eng, Config{MaxQueueDepth: 4})

	first, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "p0"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitUntil(t, "generation start", func() bool { return eng.started.Load() == 1 })

	queued, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "p1"})
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}
	queued.Cancel()
	close(gate)

	if res := drain(t, queued); res.State != StateCancelled {
		t.Fatalf("expected cancelled, got %v", res.State)
	}
	if res := drain(t, first); res.State != StateCompleted {
		t.Fatalf("first request: %v", res.State)
	}
	// The cancelled request never reached the engine.
	if got := eng.started.Load(); got != 1 {
		t.Errorf("expected 1 generation, got %d", got)
	}
}

func TestTimeoutIsScheduledCancel(t *testing.T) {
	tokens := make([]string, 256)
	for i := range tokens {
		tokens[i] = "t"
	}
	eng := &fakeEngine{tokens: tokens, delay: 5 * time.Millisecond}
	h := newHarness(t, eng, Config{})

	handle, err := h.sched.Submit(context.Background(), Request{
		Model: "m.gguf", Prompt: "slow", Timeout: 40 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := drain(t, handle)
	if res.State != StateCancelled {
		t.Fatalf("expected cancelled on timeout, got %v (err %v)", res.State, res.Err)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", res.Err)
	}
}

func TestOverflowInterruptsAndFails(t *testing.T) {
	tokens := make([]string, 32)
	for i := range tokens {
		tokens[i] = "t"
	}
	eng := &fakeEngine{tokens: tokens}
	h := newHarness(t, eng, Config{StreamBuffer: 2})

	// Submit and never consume: the producer overflows the two-token buffer.
	handle, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "p"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := handle.Result()
	if res.State != StateFailed {
		t.Fatalf("expected failed, got %v", res.State)
	}
	if !errors.Is(res.Err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", res.Err)
	}
	if !res.Truncated {
		t.Error("overflow output should be marked truncated")
	}
	// Production stopped at the boundary instead of running to completion.
	if res.TokenCount >= len(tokens) {
		t.Errorf("expected early stop, streamed %d tokens", res.TokenCount)
	}
}

func TestEngineFailureEvictsForLazyReload(t *testing.T) {
	eng := &fakeEngine{tokens: []string{"a", "b", "c", "d"}, failAfter: 2}
	h := newHarness(t, eng, Config{})

	handle, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "p"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := drain(t, handle)
	if res.State != StateFailed {
		t.Fatalf("expected failed, got %v", res.State)
	}
	if !IsEngineFailure(res.Err) {
		t.Fatalf("expected engine failure, got %v", res.Err)
	}
	// Streamed output before the fault survives as a truncated turn.
	_, turns, _ := h.store.GetSession(context.Background(), res.SessionID)
	if len(turns) != 2 || !turns[1].Truncated || turns[1].Content != "ab" {
		t.Fatalf("expected truncated partial 'ab', got %+v", turns)
	}

	// The unusable context was evicted; the next request reloads lazily.
	eng.failAfter = 0
	next, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "p2"})
	if err != nil {
		t.Fatalf("next submit: %v", err)
	}
	if nres := drain(t, next); nres.State != StateCompleted {
		t.Fatalf("reload request: %v (err %v)", nres.State, nres.Err)
	}
	if eng.loads.Load() != 2 {
		t.Errorf("expected a fresh load after failure, got %d", eng.loads.Load())
	}
}

func TestInvalidRequestHasNoSideEffects(t *testing.T) {
	eng := &fakeEngine{tokens: []string{"x"}}
	h := newHarness(t, eng, Config{})

	cases := []Request{
		{Model: "m.gguf", Prompt: "   "},
		{Model: "", Prompt: "p"}, // no default model configured
		{Model: "m.gguf", Prompt: "p", Sampling: engine.SamplingConfig{Temperature: -1}},
		{Model: "m.gguf", Prompt: "p", Sampling: engine.SamplingConfig{TopP: 1.5}},
	}
	for i, req := range cases {
		if _, err := h.sched.Submit(context.Background(), req); !IsInvalidRequest(err) {
			t.Errorf("case %d: expected invalid request, got %v", i, err)
		}
	}

	sessions, err := h.store.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("rejected requests created sessions: %+v", sessions)
	}
	if h.sched.RequestsTotal() != 0 {
		t.Errorf("rejected requests counted as admitted: %d", h.sched.RequestsTotal())
	}
}

func TestUnknownModelRejectedAtSubmit(t *testing.T) {
	eng := &fakeEngine{tokens: []string{"x"}}
	h := newHarness(t, eng, Config{})

	_, err := h.sched.Submit(context.Background(), Request{Model: "ghost.gguf", Prompt: "p"})
	if !registry.IsModelNotFound(err) {
		t.Fatalf("expected model-not-found, got %v", err)
	}
	if h.sched.RequestsTotal() != 0 {
		t.Errorf("rejected request counted as admitted: %d", h.sched.RequestsTotal())
	}
}

func TestRejectedModelIDsDoNotAccumulateQueues(t *testing.T) {
	eng := &fakeEngine{tokens: []string{"x"}}
	h := newHarness(t, eng, Config{})

	// Each queue carries a dispatcher goroutine for the scheduler's lifetime,
	// so a stream of bogus ids must not instantiate any.
	for i := 0; i < 64; i++ {
		_, err := h.sched.Submit(context.Background(), Request{
			Model: fmt.Sprintf("ghost-%d.gguf", i), Prompt: "p",
		})
		if !registry.IsModelNotFound(err) {
			t.Fatalf("submit %d: expected model-not-found, got %v", i, err)
		}
	}
	h.sched.mu.Lock()
	n := len(h.sched.queues)
	h.sched.mu.Unlock()
	if n != 0 {
		t.Errorf("rejected ids left %d queues behind", n)
	}

	// A real model still admits normally afterwards.
	handle, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "p"})
	if err != nil {
		t.Fatalf("submit real model: %v", err)
	}
	if res := drain(t, handle); res.State != StateCompleted {
		t.Fatalf("real model request: %v (err %v)", res.State, res.Err)
	}
}

func TestCancelDuringSessionSetupIsCancelled(t *testing.T) {
	eng := &fakeEngine{tokens: []string{"x"}}
	h := newHarness(t, eng, Config{})
	bs := &blockingStore{Store: h.store, entered: make(chan struct{})}
	sched := h.withStore(t, bs, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handle, err := sched.Submit(ctx, Request{Model: "m.gguf", Prompt: "p"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-bs.entered
	cancel()

	res := drain(t, handle)
	if res.State != StateCancelled {
		t.Fatalf("expected cancelled, got %v (err %v)", res.State, res.Err)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("expected context.Canceled cause, got %v", res.Err)
	}
	if eng.started.Load() != 0 {
		t.Error("cancelled request reached the engine")
	}
}

func TestStateTransitionsAreMonotonic(t *testing.T) {
	r := &request{}
	if !r.advance(StateRunning) || !r.advance(StateStreaming) {
		t.Fatal("forward transitions rejected")
	}
	if r.advance(StateRunning) {
		t.Error("request stepped backwards to running")
	}
	if !r.advance(StateCompleted) {
		t.Fatal("terminal transition rejected")
	}
	for _, st := range []State{StateQueued, StateRunning, StateStreaming, StateCancelled, StateFailed} {
		if r.advance(st) {
			t.Errorf("completed request re-entered %v", st)
		}
	}
}

func TestCloseStopsAdmissionAndDrains(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{tokens: []string{"x"}, gate: gate}
	h := newHarness(t, eng, Config{MaxQueueDepth: 4})

	running, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "p0"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitUntil(t, "generation start", func() bool { return eng.started.Load() == 1 })
	queued, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "p1"})
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.sched.Close()
	}()

	if res := drain(t, running); !res.State.Terminal() {
		t.Errorf("running request not terminal: %v", res.State)
	}
	if res := drain(t, queued); !res.State.Terminal() {
		t.Errorf("queued request not terminal: %v", res.State)
	}
	wg.Wait()

	if _, err := h.sched.Submit(context.Background(), Request{Model: "m.gguf", Prompt: "late"}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected shutting-down rejection, got %v", err)
	}
}
