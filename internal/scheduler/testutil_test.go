package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/engine"
	"inferd/internal/registry"
	"inferd/internal/session"
)

// fakeEngine is an engine.Backend whose contexts replay a scripted token
// sequence. gate, when set, holds every generation until the channel closes.
type fakeEngine struct {
	tokens    []string
	delay     time.Duration
	failAfter int // fail after this many tokens; 0 disables
	gate      chan struct{}

	loads   atomic.Int32
	started atomic.Int32
	prompts struct {
		sync.Mutex
		order []string
	}
}

func (e *fakeEngine) Load(path string, opts engine.Options) (engine.Context, error) {
	e.loads.Add(1)
	return &fakeContext{e: e}, nil
}

func (e *fakeEngine) promptOrder() []string {
	e.prompts.Lock()
	defer e.prompts.Unlock()
	return append([]string(nil), e.prompts.order...)
}

type fakeContext struct {
	e      *fakeEngine
	closed atomic.Int32
}

func (c *fakeContext) Generate(ctx context.Context, prompt string, cfg engine.SamplingConfig, onToken engine.TokenFunc) (engine.Result, error) {
	e := c.e
	e.started.Add(1)
	e.prompts.Lock()
	e.prompts.order = append(e.prompts.order, prompt)
	e.prompts.Unlock()

	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		}
	}

	var b strings.Builder
	for i, tok := range e.tokens {
		if err := ctx.Err(); err != nil {
			return engine.Result{}, err
		}
		if err := onToken(tok); err != nil {
			return engine.Result{}, err
		}
		b.WriteString(tok)
		if e.failAfter > 0 && i+1 >= e.failAfter {
			return engine.Result{}, errors.New("native decode fault")
		}
		if e.delay > 0 {
			time.Sleep(e.delay)
		}
	}
	return engine.Result{Content: b.String(), TokenCount: len(e.tokens), FinishReason: "stop"}, nil
}

func (c *fakeContext) Close() error {
	c.closed.Add(1)
	return nil
}

// harness wires a real registry and SQLite store around the fake engine.
type harness struct {
	sched *Scheduler
	reg   *registry.Registry
	store session.Store
}

func newHarness(t *testing.T, eng *fakeEngine, cfg Config) *harness {
	t.Helper()
	dir := t.TempDir()
	createModelFile(t, dir, "m.gguf")
	createModelFile(t, dir, "n.gguf")

	store, err := session.NewSQLiteStore(filepath.Join(t.TempDir(), "inferd.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(registry.Config{
		ModelsDir: dir,
		Backend:   eng,
		Logger:    zerolog.Nop(),
	})
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	t.Cleanup(reg.Close)

	cfg.Logger = zerolog.Nop()
	sched := New(reg, store, cfg)
	t.Cleanup(sched.Close)
	return &harness{sched: sched, reg: reg, store: store}
}

// withStore builds a second scheduler over the harness registry with the
// store substituted, for tests that script store behavior.
func (h *harness) withStore(t *testing.T, store session.Store, cfg Config) *Scheduler {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	sched := New(h.reg, store, cfg)
	t.Cleanup(sched.Close)
	return sched
}

// blockingStore stalls CreateSession until the request context is canceled,
// signalling entry so tests can time the cancel.
type blockingStore struct {
	session.Store
	entered chan struct{}
}

func (b *blockingStore) CreateSession(ctx context.Context, modelID string) (string, error) {
	close(b.entered)
	<-ctx.Done()
	return "", ctx.Err()
}

func createModelFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("gguf"), 0o644); err != nil {
		t.Fatalf("create model file: %v", err)
	}
	return p
}

// drain reads the full token stream and returns the final result.
func drain(t *testing.T, h *Handle) Result {
	t.Helper()
	for range h.Tokens() {
	}
	return h.Result()
}

// waitUntil polls cond for up to two seconds.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
