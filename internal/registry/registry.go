// Package registry owns every loaded model. It resolves model ids to local
// artifacts (delegating absent files to the hub), loads native contexts on
// demand, hands out reference-counted handles, and evicts idle models least
// recently used first when the memory budget is exceeded.
package registry

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"inferd/internal/engine"
	"inferd/pkg/types"
)

// Fetcher downloads a hub ref into a directory and returns the local path.
type Fetcher interface {
	Download(ctx context.Context, ref, destDir string) (string, error)
}

// Store is the slice of the persistence layer the registry reads: models
// recorded by imports, merged into the catalog next to dir-scanned files.
type Store interface {
	ListModels(ctx context.Context) ([]types.Model, error)
}

// Config encapsulates all tunables for Registry construction.
type Config struct {
	ModelsDir   string
	BudgetBytes int64 // 0 disables budget enforcement
	MarginBytes int64
	EngineOpts  engine.Options
	Backend     engine.Backend
	Fetcher     Fetcher // nil disables hub fetch
	Store       Store   // nil skips the imported-model merge
	Logger      zerolog.Logger
}

// Registry is safe for concurrent use. The mutex only covers map and list
// bookkeeping; native loads and frees happen outside it.
type Registry struct {
	log       zerolog.Logger
	modelsDir string
	budget    int64
	margin    int64
	backend   engine.Backend
	engOpts   engine.Options
	fetcher   Fetcher
	store     Store

	mu        sync.Mutex
	catalog   map[string]types.Model
	loaded    map[string]*entry
	lru       *list.List
	loading   map[string]*loadFuture
	usedBytes int64

	fetchGroup singleflight.Group

	loads     atomic.Int64
	evictions atomic.Int64
}

// entry is one loaded model. The lru list holds entries most recently used
// first, so eviction scans from the back.
type entry struct {
	model     types.Model
	ectx      engine.Context
	sizeBytes int64
	refCount  int
	lastUsed  time.Time
	loadedAt  time.Time
	element   *list.Element
	evicted   bool
	closeOnce sync.Once
}

// loadFuture lets concurrent Acquire calls for the same model attach to the
// load already in flight instead of starting a duplicate native load.
// err is written before done is closed.
type loadFuture struct {
	done chan struct{}
	err  error
}

// New constructs a Registry. Call Refresh to populate the catalog.
func New(cfg Config) *Registry {
	return &Registry{
		log:       cfg.Logger,
		modelsDir: cfg.ModelsDir,
		budget:    cfg.BudgetBytes,
		margin:    cfg.MarginBytes,
		backend:   cfg.Backend,
		engOpts:   cfg.EngineOpts,
		fetcher:   cfg.Fetcher,
		store:     cfg.Store,
		catalog:   make(map[string]types.Model),
		loaded:    make(map[string]*entry),
		lru:       list.New(),
		loading:   make(map[string]*loadFuture),
	}
}

// Close unloads every cached model. Models still referenced are freed when
// their last handle is released.
func (r *Registry) Close() {
	r.mu.Lock()
	var victims []*entry
	for id, ent := range r.loaded {
		ent.evicted = true
		if ent.refCount == 0 {
			victims = append(victims, ent)
		}
		delete(r.loaded, id)
	}
	r.lru.Init()
	r.usedBytes = 0
	r.updateGauges()
	r.mu.Unlock()

	for _, ent := range victims {
		ent.close(r.log)
	}
}

// close frees the native context exactly once.
func (ent *entry) close(log zerolog.Logger) {
	ent.closeOnce.Do(func() {
		if err := ent.ectx.Close(); err != nil {
			log.Warn().Err(err).Str("model", ent.model.ID).Msg("close engine context")
		}
	})
}
