package registry

import (
	"context"
	"os"
	"sync"
	"time"

	"inferd/internal/engine"
	"inferd/pkg/types"
)

// Handle is a reference-counted view of one loaded model. Callers must
// Release exactly once when done (use defer); Release is idempotent so a
// stray double release cannot corrupt the count.
type Handle struct {
	r    *Registry
	ent  *entry
	once sync.Once
}

// Model returns the descriptor of the loaded model.
func (h *Handle) Model() types.Model { return h.ent.model }

// Context returns the native engine context. It is only valid until Release.
func (h *Handle) Context() engine.Context { return h.ent.ectx }

// Release decrements the reference count. Reaching zero makes the model
// eligible for eviction but does not unload it.
func (h *Handle) Release() {
	h.once.Do(func() { h.r.release(h.ent) })
}

// Acquire returns a handle to the loaded model, resolving and loading it if
// absent. Concurrent acquires for the same model while a load is in flight
// attach to that load; none triggers a duplicate native load.
func (r *Registry) Acquire(ctx context.Context, modelID string) (*Handle, error) {
	mdl, err := r.Resolve(ctx, modelID)
	if err != nil {
		return nil, err
	}

	for {
		r.mu.Lock()
		if ent, ok := r.loaded[mdl.ID]; ok {
			ent.refCount++
			ent.lastUsed = time.Now()
			r.lru.MoveToFront(ent.element)
			r.mu.Unlock()
			return &Handle{r: r, ent: ent}, nil
		}
		if fut, ok := r.loading[mdl.ID]; ok {
			r.mu.Unlock()
			select {
			case <-fut.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if fut.err != nil {
				return nil, fut.err
			}
			// The load committed; loop to take a reference on it.
			continue
		}

		// This caller performs the load. Reserve the budget first so
		// parallel loads of other models cannot oversubscribe it.
		size := artifactSize(mdl)
		var victims []*entry
		if r.budget > 0 {
			victims, err = r.evictUntilFitsLocked(size)
			if err != nil {
				r.mu.Unlock()
				// Partial evictions already left the cache; free their
				// contexts before surfacing the failure.
				for _, v := range victims {
					v.close(r.log)
				}
				return nil, err
			}
		}
		fut := &loadFuture{done: make(chan struct{})}
		r.loading[mdl.ID] = fut
		r.usedBytes += size
		r.updateGauges()
		r.mu.Unlock()

		// Native calls happen outside the lock.
		for _, v := range victims {
			v.close(r.log)
		}
		start := time.Now()
		ectx, lerr := r.backend.Load(mdl.Path, r.engOpts)

		r.mu.Lock()
		delete(r.loading, mdl.ID)
		if lerr != nil {
			// A failed load leaves the model absent, never a tombstone.
			r.usedBytes -= size
			if r.usedBytes < 0 {
				r.usedBytes = 0
			}
			r.updateGauges()
			loadFailuresTotal.Inc()
			fut.err = ErrLoadFailed(mdl.ID, lerr)
			close(fut.done)
			r.mu.Unlock()
			return nil, fut.err
		}
		now := time.Now()
		ent := &entry{
			model:     mdl,
			ectx:      ectx,
			sizeBytes: size,
			refCount:  1,
			lastUsed:  now,
			loadedAt:  now,
		}
		ent.element = r.lru.PushFront(ent)
		r.loaded[mdl.ID] = ent
		r.loads.Add(1)
		loadsTotal.Inc()
		r.updateGauges()
		close(fut.done)
		r.mu.Unlock()

		r.log.Info().Str("model", mdl.ID).Int64("bytes", size).
			Dur("took", now.Sub(start)).Msg("model loaded")
		return &Handle{r: r, ent: ent}, nil
	}
}

func (r *Registry) release(ent *entry) {
	r.mu.Lock()
	ent.refCount--
	if ent.refCount < 0 {
		ent.refCount = 0
	}
	ent.lastUsed = time.Now()
	if !ent.evicted {
		r.lru.MoveToFront(ent.element)
	}
	closeNow := ent.evicted && ent.refCount == 0
	r.mu.Unlock()

	if closeNow {
		ent.close(r.log)
	}
}

// artifactSize estimates memory use from the artifact file size. Returns a
// 1 MiB minimum when the file cannot be stat'ed so budget checks are never
// bypassed by an unknown size.
func artifactSize(m types.Model) int64 {
	if m.SizeBytes > 0 {
		return m.SizeBytes
	}
	fi, err := os.Stat(m.Path)
	if err != nil || fi.Size() <= 0 {
		return 1 << 20
	}
	return fi.Size()
}
