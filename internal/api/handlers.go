package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/randalmurphal/orcflow/internal/db"
	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
	"github.com/randalmurphal/orcflow/internal/orchestrator"
	"github.com/randalmurphal/orcflow/internal/project"
)

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.registry != nil {
		snap := s.registry.Snapshot()
		resp["definitions"] = snap.Len()
		resp["version"] = snap.Version
	}
	if s.orch != nil {
		resp["active_runs"] = len(s.orch.Active())
	}
	JSONResponse(w, resp)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, nonNil(projects))
}

type addProjectRequest struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

func (s *Server) handleAddProject(w http.ResponseWriter, r *http.Request) {
	var req addProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		JSONError(w, "path is required", http.StatusBadRequest)
		return
	}
	p, err := project.Register(r.Context(), s.store, req.Path, req.Name)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponseStatus(w, p, http.StatusCreated)
}

// handleReload rebuilds the registry and returns what changed.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	diff, err := s.registry.Reload(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, diff)
}

// handleListDefinitions lists stored definitions, archived ones included.
// project_id restricts the list to one project ("global" for global
// definitions).
func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	opts := db.DefinitionListOpts{Status: db.DefinitionStatus(r.URL.Query().Get("status"))}
	if r.URL.Query().Has("project_id") {
		pid := r.URL.Query().Get("project_id")
		if pid == "global" {
			pid = db.GlobalProjectID
		}
		opts.ProjectID = &pid
	}
	defs, err := s.store.ListDefinitions(r.Context(), opts)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, nonNil(defs))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := db.RunListOpts{
		ProjectID:    q.Get("project_id"),
		DefinitionID: q.Get("definition_id"),
		Status:       db.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			JSONError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		opts.Limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, nonNil(runs))
}

// handleTriggerRun creates a run. Without wait the response is 202 with the
// pending run; with wait it is 200 with the finished run, failed or not.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	run, err := s.orch.Trigger(r.Context(), req)
	if run == nil {
		HandleError(w, err)
		return
	}
	if err != nil {
		s.logger.Info("run finished with error", "run_id", run.ID, "error", err)
	}
	status := http.StatusAccepted
	if req.Wait {
		status = http.StatusOK
	}
	JSONResponseStatus(w, run, status)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	JSONResponse(w, run)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	steps, err := s.store.ListSteps(r.Context(), run.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, nonNil(steps))
}

// handleListEvents returns persisted events; after=<id> pages forward.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			JSONError(w, "after must be an event id", http.StatusBadRequest)
			return
		}
		after = n
	}
	evs, err := s.recorder.List(r.Context(), run.ID, after)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, evs)
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*db.WorkflowRun, bool) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return nil, false
	}
	if run == nil {
		HandleError(w, orcerrors.ErrRunNotFound(id))
		return nil, false
	}
	return run, true
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
