package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"inferd/internal/common/fsutil"
	"inferd/internal/hub"
	"inferd/pkg/types"
)

// scanDir scans a directory for *.gguf files and builds models from
// filenames. ID is the full filename (including extension); Path is the
// absolute file path.
func scanDir(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		var size int64
		if fi, err := e.Info(); err == nil {
			size = fi.Size()
		}
		models = append(models, types.Model{
			ID:        name,
			Name:      name,
			Path:      filepath.Join(abs, name),
			SizeBytes: size,
		})
	}
	return models, nil
}

// Refresh rescans the models directory and merges in models recorded by the
// store. Disk entries win on id collision. A stored model is kept when its
// artifact is on disk or it carries a hub ref (Resolve re-fetches those on
// demand); otherwise it is unresolvable and dropped.
func (r *Registry) Refresh(ctx context.Context) error {
	scanned, err := scanDir(r.modelsDir)
	if err != nil {
		return err
	}
	merged := make(map[string]types.Model, len(scanned))
	if r.store != nil {
		stored, err := r.store.ListModels(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("list stored models")
		}
		for _, m := range stored {
			if m.HubRef != "" || fsutil.PathExists(m.Path) {
				merged[m.ID] = m
			}
		}
	}
	for _, m := range scanned {
		merged[m.ID] = m
	}

	r.mu.Lock()
	r.catalog = merged
	n := len(merged)
	r.mu.Unlock()
	r.log.Debug().Int("models", n).Str("dir", r.modelsDir).Msg("catalog refreshed")
	return nil
}

// List returns the catalog sorted by id.
func (r *Registry) List() []types.Model {
	r.mu.Lock()
	out := make([]types.Model, 0, len(r.catalog))
	for _, m := range r.catalog {
		out = append(out, m)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the catalog entry for id.
func (r *Registry) Lookup(id string) (types.Model, bool) {
	r.mu.Lock()
	m, ok := r.catalog[id]
	r.mu.Unlock()
	return m, ok
}

// Resolvable reports whether Resolve has any chance of succeeding for id:
// either the catalog knows it, or it parses as a hub ref and a fetcher is
// configured. Admission uses this to reject bogus ids before committing any
// per-model state to them.
func (r *Registry) Resolvable(id string) bool {
	if _, ok := r.Lookup(id); ok {
		return true
	}
	if r.fetcher == nil {
		return false
	}
	_, _, err := hub.ParseRef(id)
	return err == nil
}

// Resolve ensures the model's artifact exists locally, fetching it from the
// hub when absent. Concurrent resolves for the same ref share one download.
func (r *Registry) Resolve(ctx context.Context, modelID string) (types.Model, error) {
	r.mu.Lock()
	m, ok := r.catalog[modelID]
	r.mu.Unlock()

	if ok {
		if fsutil.PathExists(m.Path) {
			return m, nil
		}
		if m.HubRef == "" {
			return types.Model{}, ErrModelNotFound(modelID)
		}
		return r.fetch(ctx, modelID, m.HubRef)
	}

	// Unknown id: treat it as a hub ref when it parses as one.
	if _, _, err := hub.ParseRef(modelID); err != nil || r.fetcher == nil {
		return types.Model{}, ErrModelNotFound(modelID)
	}
	return r.fetch(ctx, modelID, modelID)
}

// fetch downloads ref through the singleflight group and records the result
// in the catalog under id.
func (r *Registry) fetch(ctx context.Context, id, ref string) (types.Model, error) {
	if r.fetcher == nil {
		return types.Model{}, ErrModelNotFound(id)
	}
	v, err, _ := r.fetchGroup.Do(ref, func() (interface{}, error) {
		r.log.Info().Str("model", id).Str("ref", ref).Msg("fetching model artifact")
		path, err := r.fetcher.Download(ctx, ref, r.modelsDir)
		if err != nil {
			return nil, err
		}
		m := types.Model{ID: id, Name: filepath.Base(path), Path: path, HubRef: ref}
		if fi, err := os.Stat(path); err == nil {
			m.SizeBytes = fi.Size()
		}
		r.mu.Lock()
		if prev, ok := r.catalog[id]; ok {
			m.Name = prev.Name
			m.Quant = prev.Quant
			m.ContextLength = prev.ContextLength
			m.ContentHash = prev.ContentHash
		}
		r.catalog[id] = m
		r.mu.Unlock()
		return m, nil
	})
	if err != nil {
		if errors.Is(err, hub.ErrNotFound) {
			return types.Model{}, ErrModelNotFound(id)
		}
		return types.Model{}, ErrDownloadFailed(id, err)
	}
	return v.(types.Model), nil
}
