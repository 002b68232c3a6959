package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"inferd/internal/engine"
	"inferd/internal/scheduler"
	"inferd/pkg/types"
)

// handleComplete runs one generation request.
//
// @Summary      Generate a completion
// @Description  Streams tokens as NDJSON lines terminated by a done line, or
// @Description  returns one buffered object when stream is false.
// @Tags         generate
// @Accept       json
// @Produce      application/x-ndjson
// @Param        request body types.GenerateRequest true "generation request"
// @Success      200 {object} types.GenerateResponse
// @Failure      400 {object} types.ErrorResponse
// @Failure      404 {object} types.ErrorResponse
// @Failure      429 {object} types.ErrorResponse
// @Router       /v1/complete [post]
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req types.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	handle, err := s.sched.Submit(r.Context(), scheduler.Request{
		Model:     req.Model,
		Prompt:    req.Prompt,
		SessionID: req.SessionID,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
		Sampling: engine.SamplingConfig{
			Temperature:   float32(req.Temperature),
			TopP:          float32(req.TopP),
			TopK:          req.TopK,
			MaxTokens:     req.MaxTokens,
			Stop:          req.Stop,
			Seed:          int(req.Seed),
			RepeatPenalty: float32(req.RepeatPenalty),
		},
	})
	if err != nil {
		if scheduler.IsBusy(err) {
			IncrementBackpressure("queue_full")
		}
		s.writeError(w, r, err)
		return
	}

	if req.Stream {
		s.streamCompletion(w, r, handle)
		return
	}
	s.bufferedCompletion(w, r, handle)
}

// streamCompletion forwards tokens as NDJSON lines and ends with a done
// line. A mid-stream write failure cancels the request; the scheduler still
// records the partial output.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, handle *scheduler.Handle) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}

	wrote := false
	for tok := range handle.Tokens() {
		line, _ := json.Marshal(types.TokenChunk{Token: tok})
		if _, err := w.Write(append(line, '\n')); err != nil {
			handle.Cancel()
			for range handle.Tokens() {
				// Drain so production stops at the cancel, not at overflow.
			}
			break
		}
		wrote = true
		if flush != nil {
			flush()
		}
	}

	res := handle.Result()
	if res.State != scheduler.StateCompleted && !wrote {
		// Nothing sent yet: a clean error response is still possible.
		if r.Context().Err() == nil {
			s.writeError(w, r, res.Err)
		}
		return
	}
	final, _ := json.Marshal(terminalResponse(res))
	if _, err := w.Write(append(final, '\n')); err == nil && flush != nil {
		flush()
	}
}

// bufferedCompletion waits for the full result and returns one JSON object.
func (s *Server) bufferedCompletion(w http.ResponseWriter, r *http.Request, handle *scheduler.Handle) {
	for range handle.Tokens() {
	}
	res := handle.Result()
	if res.State != scheduler.StateCompleted {
		s.writeError(w, r, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, terminalResponse(res))
}

func terminalResponse(res scheduler.Result) types.GenerateResponse {
	out := types.GenerateResponse{
		Done:         true,
		State:        res.State.String(),
		Content:      res.Content,
		SessionID:    res.SessionID,
		TurnIndex:    res.TurnIndex,
		TokenCount:   res.TokenCount,
		FinishReason: res.FinishReason,
		Truncated:    res.Truncated,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// handleListModels returns the catalog.
//
// @Summary  List models
// @Tags     models
// @Produce  json
// @Success  200 {object} types.ModelsResponse
// @Router   /v1/models [get]
func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: s.reg.List()})
}

// handleListSessions returns recent sessions.
//
// @Summary  List sessions
// @Tags     sessions
// @Produce  json
// @Success  200 {object} types.SessionsResponse
// @Router   /v1/sessions [get]
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []types.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, types.SessionsResponse{Sessions: sessions})
}

// handleGetSession returns one session with its turns.
//
// @Summary  Get a session
// @Tags     sessions
// @Produce  json
// @Param    id path string true "session id"
// @Success  200 {object} types.SessionResponse
// @Failure  404 {object} types.ErrorResponse
// @Router   /v1/sessions/{id} [get]
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sum, turns, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if turns == nil {
		turns = []types.Turn{}
	}
	writeJSON(w, http.StatusOK, types.SessionResponse{SessionSummary: sum, Turns: turns})
}

// handleStartImport launches a background import job.
//
// @Summary  Import a model
// @Tags     imports
// @Accept   json
// @Produce  json
// @Param    request body types.ImportRequest true "import request"
// @Success  202 {object} types.ImportJob
// @Failure  400 {object} types.ErrorResponse
// @Router   /v1/imports [post]
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	if s.imports == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "imports are not enabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req types.ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.imports.Start(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleListImports returns all import jobs, newest first.
//
// @Summary  List import jobs
// @Tags     imports
// @Produce  json
// @Success  200 {object} types.ImportsResponse
// @Router   /v1/imports [get]
func (s *Server) handleListImports(w http.ResponseWriter, _ *http.Request) {
	if s.imports == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "imports are not enabled")
		return
	}
	jobs := s.imports.List()
	if jobs == nil {
		jobs = []types.ImportJob{}
	}
	writeJSON(w, http.StatusOK, types.ImportsResponse{Imports: jobs})
}

// handleGetImport returns one import job.
//
// @Summary  Get an import job
// @Tags     imports
// @Produce  json
// @Param    id path string true "job id"
// @Success  200 {object} types.ImportJob
// @Failure  404 {object} types.ErrorResponse
// @Router   /v1/imports/{id} [get]
func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	if s.imports == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "imports are not enabled")
		return
	}
	job, err := s.imports.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleHubListing returns the file listing of a hub repository.
//
// @Summary  List hub repository files
// @Tags     hub
// @Produce  json
// @Param    owner path string true "repository owner"
// @Param    repo  path string true "repository name"
// @Success  200 {object} types.HubFilesResponse
// @Failure  404 {object} types.ErrorResponse
// @Router   /v1/hub/{owner}/{repo} [get]
func (s *Server) handleHubListing(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "hub access is not enabled")
		return
	}
	owner := chi.URLParam(r, "owner")
	repo := chi.URLParam(r, "repo")
	files, err := s.hub.ListFiles(r.Context(), owner, repo)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if files == nil {
		files = []types.HubFile{}
	}
	writeJSON(w, http.StatusOK, types.HubFilesResponse{Repo: owner + "/" + repo, Files: files})
}

// handleStatus reports resident models and queue state.
//
// @Summary  Daemon status
// @Tags     status
// @Produce  json
// @Success  200 {object} types.StatusResponse
// @Router   /status [get]
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	reg := s.reg.Status()
	queues := s.sched.Status()

	models := make([]types.ModelStatus, 0, len(reg.Models))
	for _, m := range reg.Models {
		if q, ok := queues[m.ModelID]; ok {
			m.QueueLen = q.QueueLen
			m.Active = q.Active
		}
		models = append(models, m)
	}
	now := time.Now()
	writeJSON(w, http.StatusOK, types.StatusResponse{
		Models:         models,
		BudgetBytes:    reg.BudgetBytes,
		UsedBytes:      reg.UsedBytes,
		EvictionsTotal: uint64(reg.EvictionsTotal),
		LoadsTotal:     uint64(reg.LoadsTotal),
		RequestsTotal:  s.sched.RequestsTotal(),
		UptimeSeconds:  int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
