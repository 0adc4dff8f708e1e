package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/scriptforge/internal/envmgr"
	"github.com/michaelbrown/scriptforge/internal/runs"
	"github.com/michaelbrown/scriptforge/internal/scripts"
	"github.com/michaelbrown/scriptforge/internal/storage"
)

// maxScriptBytes bounds uploaded script bodies.
const maxScriptBytes = 1 << 20

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scripts.ErrInvalidName),
		errors.Is(err, envmgr.ErrInvalidTaskID),
		errors.Is(err, runs.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, scripts.ErrNotFound),
		errors.Is(err, envmgr.ErrEnvironmentNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runs.ErrNoQueue):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Script handlers ---

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Scripts.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []scripts.Script{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	content, err := s.deps.Scripts.Read(name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "content": content})
}

type saveScriptRequest struct {
	Content string `json:"content"`
}

// handleSaveScript accepts either {"content": "..."} or a raw body.
func (s *Server) handleSaveScript(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxScriptBytes+1))
	r.Body.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	if len(body) > maxScriptBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "script is too large")
		return
	}

	content := string(body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req saveScriptRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		content = req.Content
	}

	path, err := s.deps.Scripts.Save(name, content)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "path": path})
}

// --- Environment handlers ---

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.deps.Environments.Environments(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if envs == nil {
		envs = []envmgr.Environment{}
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.deps.Environments.Environment(r.Context(), chi.URLParam(r, "task"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

type provisionRequest struct {
	Requirements []string `json:"requirements"`
	Manifest     string   `json:"manifest"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	manifest := envmgr.Manifest(req.Requirements)
	if req.Manifest != "" {
		manifest = append(manifest, envmgr.ParseManifest(req.Manifest)...)
	}

	res := s.deps.Environments.Provision(r.Context(), chi.URLParam(r, "task"), manifest)
	status := http.StatusOK
	switch {
	case errors.Is(res.Err, envmgr.ErrInvalidTaskID):
		status = http.StatusBadRequest
	case !res.OK():
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

// --- Run handlers ---

type createRunRequest struct {
	runs.Request
	Async bool `json:"async,omitempty"`
}

type runResponse struct {
	Run    *storage.Run   `json:"run"`
	Result *envmgr.Result `json:"result,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if req.Async {
		run, err := s.deps.Runs.Submit(r.Context(), req.Request)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, runResponse{Run: run})
		return
	}

	run, res, err := s.deps.Runs.RunNow(r.Context(), req.Request)
	if err != nil && run == nil {
		writeErr(w, err)
		return
	}
	if err != nil {
		s.logger.Error("run finished but was not recorded", "run_id", run.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Result: res})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.RunListOptions{
		Status: storage.RunStatus(q.Get("status")),
		TaskID: q.Get("task"),
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	list, err := s.deps.Store.ListRuns(r.Context(), opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteRun(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Agent handlers ---

type agentRequest struct {
	AgentOptions
	Request string `json:"request"`
}

type agentResponse struct {
	Content string   `json:"content"`
	Tools   []string `json:"tools"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.NewAgent == nil {
		writeError(w, http.StatusServiceUnavailable, "agent is not configured")
		return
	}

	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Request) == "" {
		writeError(w, http.StatusBadRequest, "request is required")
		return
	}

	a, err := s.deps.NewAgent(r.Context(), req.AgentOptions)
	if err != nil {
		writeError(w, http.StatusBadRequest, "initializing agent: "+err.Error())
		return
	}

	called := []string{}
	a.OnToolCall = func(name string, _ map[string]any) { called = append(called, name) }

	content, err := a.Run(r.Context(), req.Request)
	if err != nil {
		writeError(w, http.StatusBadGateway, "agent error: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agentResponse{Content: content, Tools: called})
}

// --- Provider handlers ---

type providerInfo struct {
	Name     string            `json:"name"`
	Models   map[string]string `json:"models"`
	IsOllama bool              `json:"is_ollama"`
	Default  bool              `json:"default"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := []providerInfo{}
	for name, p := range s.cfg.Providers {
		providers = append(providers, providerInfo{
			Name:     name,
			Models:   p.Models,
			IsOllama: p.IsOllama(),
			Default:  name == s.cfg.DefaultProvider,
		})
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })
	writeJSON(w, http.StatusOK, providers)
}
