package registry

// evictUntilFitsLocked evicts idle models, least recently used first, until
// required bytes fit under budget + margin. Returns the victims so the
// caller can free their native contexts after dropping the lock. Fails with
// OutOfMemory when every remaining model is still referenced.
func (r *Registry) evictUntilFitsLocked(required int64) ([]*entry, error) {
	var victims []*entry
	for r.usedBytes+required+r.margin > r.budget {
		ent := r.evictOneLocked()
		if ent == nil {
			// Victims stay removed; the caller must close their contexts
			// whether or not the load proceeds.
			return victims, ErrOutOfMemory(required, r.budget, r.usedBytes)
		}
		victims = append(victims, ent)
	}
	return victims, nil
}

// evictOneLocked removes the least-recently-used entry with refCount == 0.
// Ties on lastUsed fall out of list order: entries touched earlier sit
// nearer the back.
func (r *Registry) evictOneLocked() *entry {
	for e := r.lru.Back(); e != nil; e = e.Prev() {
		ent := e.Value.(*entry)
		if ent.refCount > 0 {
			continue
		}
		r.lru.Remove(e)
		delete(r.loaded, ent.model.ID)
		r.usedBytes -= ent.sizeBytes
		if r.usedBytes < 0 {
			r.usedBytes = 0
		}
		ent.evicted = true
		r.evictions.Add(1)
		evictionsTotal.Inc()
		r.updateGauges()
		r.log.Info().Str("model", ent.model.ID).Int64("bytes", ent.sizeBytes).Msg("model evicted")
		return ent
	}
	return nil
}

// Evict removes a model from the cache regardless of reference count, for
// when a generation failure marks the native context unusable. Held handles
// stay valid; the context is freed once the last reference drops. The next
// Acquire loads the model fresh.
func (r *Registry) Evict(modelID string) bool {
	r.mu.Lock()
	ent, ok := r.loaded[modelID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.lru.Remove(ent.element)
	delete(r.loaded, modelID)
	r.usedBytes -= ent.sizeBytes
	if r.usedBytes < 0 {
		r.usedBytes = 0
	}
	ent.evicted = true
	closeNow := ent.refCount == 0
	r.evictions.Add(1)
	evictionsTotal.Inc()
	r.updateGauges()
	r.mu.Unlock()

	r.log.Warn().Str("model", modelID).Msg("model force-evicted")
	if closeNow {
		ent.close(r.log)
	}
	return true
}
