package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/engine"
	"inferd/pkg/types"
)

// createModelFile creates a file of sizeBytes and returns its path.
func createModelFile(t *testing.T, dir, name string, sizeBytes int) string {
	t.Helper()
	if sizeBytes <= 0 {
		sizeBytes = 1
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, make([]byte, sizeBytes), 0o644); err != nil {
		t.Fatalf("create file: %v", err)
	}
	return p
}

// fakeBackend counts loads and hands out one fakeContext per path.
type fakeBackend struct {
	mu        sync.Mutex
	loads     int
	loadDelay time.Duration
	loadErr   error
	ctxs      map[string]*fakeContext
}

func (b *fakeBackend) Load(path string, opts engine.Options) (engine.Context, error) {
	b.mu.Lock()
	b.loads++
	b.mu.Unlock()
	if b.loadDelay > 0 {
		time.Sleep(b.loadDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	c := &fakeContext{}
	if b.ctxs == nil {
		b.ctxs = make(map[string]*fakeContext)
	}
	b.ctxs[filepath.Base(path)] = c
	return c, nil
}

func (b *fakeBackend) loadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads
}

func (b *fakeBackend) contextFor(name string) *fakeContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctxs[name]
}

func (b *fakeBackend) setLoadErr(err error) {
	b.mu.Lock()
	b.loadErr = err
	b.mu.Unlock()
}

type fakeContext struct {
	mu     sync.Mutex
	closed int
}

func (c *fakeContext) Generate(ctx context.Context, prompt string, cfg engine.SamplingConfig, onToken engine.TokenFunc) (engine.Result, error) {
	return engine.Result{Content: "ok", TokenCount: 1, FinishReason: "stop"}, nil
}

func (c *fakeContext) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeContext) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeFetcher "downloads" by writing a small file into destDir.
type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	delay     time.Duration
	err       error
	sizeBytes int
}

func (f *fakeFetcher) Download(ctx context.Context, ref, destDir string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	size := f.sizeBytes
	if size <= 0 {
		size = 8
	}
	dest := filepath.Join(destDir, filepath.Base(ref))
	if err := os.WriteFile(dest, make([]byte, size), 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStore serves a fixed imported-model list.
type fakeStore struct {
	models []types.Model
	err    error
}

func (s *fakeStore) ListModels(ctx context.Context) ([]types.Model, error) {
	return s.models, s.err
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	r := New(cfg)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}
