// Package importer runs background jobs that make models available locally:
// downloading an artifact from the hub or registering one already on disk,
// recording it in the store and refreshing the registry catalog.
package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
	"inferd/internal/hub"
	"inferd/pkg/types"
)

// Job states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// ErrInvalidImport rejects a request that does not name exactly one source.
var ErrInvalidImport = errors.New("import: exactly one of hub_ref or path must be set")

// ErrJobNotFound reports an unknown job id.
var ErrJobNotFound = errors.New("import: job not found")

// Downloader is the slice of the hub client the importer uses.
type Downloader interface {
	DownloadWithProgress(ctx context.Context, ref, destDir, wantSHA string, onProgress hub.Progress) (string, error)
}

// Recorder persists imported models.
type Recorder interface {
	RecordModel(ctx context.Context, m types.Model) error
}

// Catalog is refreshed after a completed import so the new model is
// immediately resolvable.
type Catalog interface {
	Refresh(ctx context.Context) error
}

// Importer tracks jobs in memory; job history does not survive a restart,
// the imported models themselves are durable in the store.
type Importer struct {
	hub       Downloader
	store     Recorder
	catalog   Catalog
	modelsDir string
	log       zerolog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	id       string
	state    string
	progress float64
	modelID  string
	err      error
}

// New constructs an Importer writing artifacts into modelsDir.
func New(dl Downloader, store Recorder, catalog Catalog, modelsDir string, logger zerolog.Logger) *Importer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Importer{
		hub:        dl,
		store:      store,
		catalog:    catalog,
		modelsDir:  modelsDir,
		log:        logger,
		baseCtx:    ctx,
		cancelBase: cancel,
		jobs:       make(map[string]*job),
	}
}

// Close cancels running jobs and waits for them to settle.
func (im *Importer) Close() {
	im.cancelBase()
	im.wg.Wait()
}

// Start validates the request and launches a background job, returning its
// initial snapshot immediately.
func (im *Importer) Start(req types.ImportRequest) (types.ImportJob, error) {
	hasRef := strings.TrimSpace(req.HubRef) != ""
	hasPath := strings.TrimSpace(req.Path) != ""
	if hasRef == hasPath {
		return types.ImportJob{}, ErrInvalidImport
	}
	if hasRef {
		if _, _, err := hub.ParseRef(req.HubRef); err != nil {
			return types.ImportJob{}, err
		}
	}

	j := &job{id: ulid.Make().String(), state: StateQueued}
	im.mu.Lock()
	im.jobs[j.id] = j
	im.mu.Unlock()

	im.wg.Add(1)
	go im.runJob(j, req)
	return im.snapshot(j), nil
}

// Get returns one job's state.
func (im *Importer) Get(id string) (types.ImportJob, error) {
	im.mu.Lock()
	j, ok := im.jobs[id]
	im.mu.Unlock()
	if !ok {
		return types.ImportJob{}, ErrJobNotFound
	}
	return im.snapshot(j), nil
}

// List returns all jobs, newest first.
func (im *Importer) List() []types.ImportJob {
	im.mu.Lock()
	out := make([]types.ImportJob, 0, len(im.jobs))
	for _, j := range im.jobs {
		out = append(out, im.snapshotLocked(j))
	}
	im.mu.Unlock()
	// ULIDs sort lexicographically by creation time.
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	return out
}

func (im *Importer) runJob(j *job, req types.ImportRequest) {
	defer im.wg.Done()
	im.setState(j, StateRunning)

	var (
		path string
		err  error
	)
	if strings.TrimSpace(req.HubRef) != "" {
		path, err = im.hub.DownloadWithProgress(im.baseCtx, req.HubRef, im.modelsDir, req.ContentHash,
			func(done, total int64) {
				if total > 0 {
					im.setProgress(j, float64(done)/float64(total))
				}
			})
	} else {
		path, err = fsutil.ExpandHome(req.Path)
		if err == nil && !fsutil.PathExists(path) {
			err = errors.New("import: no file at " + path)
		}
	}
	if err != nil {
		im.fail(j, err)
		return
	}

	m := types.Model{
		ID:          filepath.Base(path),
		Name:        req.Name,
		Path:        path,
		HubRef:      req.HubRef,
		ContentHash: req.ContentHash,
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	if fi, serr := os.Stat(path); serr == nil {
		m.SizeBytes = fi.Size()
	}

	if err := im.store.RecordModel(im.baseCtx, m); err != nil {
		im.fail(j, err)
		return
	}
	if err := im.catalog.Refresh(im.baseCtx); err != nil {
		im.log.Warn().Err(err).Str("model", m.ID).Msg("catalog refresh after import")
	}

	im.mu.Lock()
	j.state = StateCompleted
	j.progress = 1
	j.modelID = m.ID
	im.mu.Unlock()
	im.log.Info().Str("job", j.id).Str("model", m.ID).Msg("import completed")
}

func (im *Importer) fail(j *job, err error) {
	im.mu.Lock()
	j.state = StateFailed
	j.err = err
	im.mu.Unlock()
	im.log.Warn().Err(err).Str("job", j.id).Msg("import failed")
}

func (im *Importer) setState(j *job, state string) {
	im.mu.Lock()
	j.state = state
	im.mu.Unlock()
}

func (im *Importer) setProgress(j *job, p float64) {
	im.mu.Lock()
	j.progress = p
	im.mu.Unlock()
}

func (im *Importer) snapshot(j *job) types.ImportJob {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.snapshotLocked(j)
}

func (im *Importer) snapshotLocked(j *job) types.ImportJob {
	out := types.ImportJob{
		ID:       j.id,
		State:    j.state,
		Progress: j.progress,
		ModelID:  j.modelID,
	}
	if j.err != nil {
		out.Error = j.err.Error()
	}
	return out
}
