package registry

import (
	"sort"

	"inferd/pkg/types"
)

// Status is a point-in-time snapshot of the cache for the status endpoint.
type Status struct {
	Models         []types.ModelStatus
	UsedBytes      int64
	BudgetBytes    int64
	LoadsTotal     int64
	EvictionsTotal int64
}

// Status reports the loaded models sorted by id.
func (r *Registry) Status() Status {
	r.mu.Lock()
	st := Status{
		Models:      make([]types.ModelStatus, 0, len(r.loaded)),
		UsedBytes:   r.usedBytes,
		BudgetBytes: r.budget,
	}
	for _, ent := range r.loaded {
		st.Models = append(st.Models, types.ModelStatus{
			ModelID:   ent.model.ID,
			RefCount:  ent.refCount,
			SizeBytes: ent.sizeBytes,
			LastUsed:  ent.lastUsed.Unix(),
			LoadedAt:  ent.loadedAt.Unix(),
		})
	}
	r.mu.Unlock()

	st.LoadsTotal = r.loads.Load()
	st.EvictionsTotal = r.evictions.Load()
	sort.Slice(st.Models, func(i, j int) bool { return st.Models[i].ModelID < st.Models[j].ModelID })
	return st
}
