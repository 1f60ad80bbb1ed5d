package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/mpataki/studio/internal/approvals"
	"github.com/mpataki/studio/internal/lua"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/orchestrator"
	"github.com/mpataki/studio/internal/sandbox"
	"github.com/mpataki/studio/internal/workspace"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	OK    bool        `json:"ok"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, sandbox.ErrRootNotAllowed):
		status, code = http.StatusBadRequest, "root_not_allowed"
	case errors.Is(err, sandbox.ErrPathEscapes):
		status, code = http.StatusBadRequest, "path_escapes"
	case errors.Is(err, orchestrator.ErrPermissionDenied):
		status, code = http.StatusForbidden, orchestrator.ErrPermissionDenied.Code
	case errors.Is(err, workspace.ErrInvalidID),
		errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, lua.ErrNoRules):
		status, code = http.StatusBadRequest, "invalid_request"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Error()}})
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", orchestrator.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func readBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return invalid("failed to read body: %v", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return invalid("malformed JSON body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (*int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, invalid("%s must be an integer", key)
	}
	return &v, nil
}

func queryLimit(r *http.Request, def int) (int, error) {
	v, err := queryInt(r, "limit")
	if err != nil || v == nil {
		return def, err
	}
	return *v, nil
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func actorFrom(r *http.Request) orchestrator.Actor {
	return orchestrator.Actor{
		OnceToken: r.Header.Get(onceTokenHeader),
		SessionID: cookieValue(r, sessionCookie),
		BrowserID: cookieValue(r, browserCookie),
	}
}

// gated authorizes write and execute endpoints against the root named in the
// JSON body before handing the request on. The body is replayed for next.
func (s *Server) gated(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, invalid("failed to read body: %v", err))
			return
		}
		var body struct {
			Root string `json:"root"`
		}
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &body); err != nil {
				s.writeError(w, invalid("malformed JSON body: %v", err))
				return
			}
		}
		if body.Root == "" {
			s.writeError(w, invalid("root is required"))
			return
		}

		if _, err := s.orch.Authorize(body.Root, actorFrom(r)); err != nil {
			s.writeError(w, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(data))
		next(w, r, ps)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"allowed_roots": s.orch.AllowedRoots(),
	})
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ev, err := s.orch.Permissions(r.URL.Query().Get("root"), actorFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleIssueOnce(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.orch.Ledger().IssueOnce(0))
}

func (s *Server) handleAllowSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id := cookieValue(r, sessionCookie)
	if id == "" {
		id = uuid.NewString()
	}
	exp := s.orch.Ledger().AllowSession(id, 0)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "expires_at": exp})
}

func (s *Server) handleAllowPersistent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Root string `json:"root"`
	}
	if err := readBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	id := cookieValue(r, browserCookie)
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.orch.AllowPersistent(body.Root, id); err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     browserCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(browserCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type startRequest struct {
	Root      string   `json:"root"`
	Stage     string   `json:"stage"`
	RelPaths  []string `json:"rel_paths"`
	ExtraArgs []string `json:"extra_args"`
	RunID     string   `json:"run_id"`
}

func (req startRequest) options() orchestrator.StartOptions {
	stage := req.Stage
	if stage == "" {
		stage = "run"
	}
	return orchestrator.StartOptions{
		Stage:     stage,
		RelPaths:  req.RelPaths,
		ExtraArgs: req.ExtraArgs,
		RunID:     req.RunID,
	}
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req startRequest
	if err := readBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.orch.StartRun(r.Context(), req.Root, req.options())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Root string `json:"root"`
		PID  int    `json:"pid"`
	}
	if err := readBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.orch.StopRun(req.Root, ps.ByName("run_id"), req.PID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	runs, err := s.orch.ListRuns(r.URL.Query().Get("root"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := s.orch.RunStatus(r.URL.Query().Get("root"), ps.ByName("run_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	cursor, err := queryInt(r, "cursor")
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := queryLimit(r, 200)
	if err != nil {
		s.writeError(w, err)
		return
	}
	page, err := s.orch.TailEvents(r.URL.Query().Get("root"), ps.ByName("run_id"), cursor, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	list, err := s.orch.ListApprovals(r.URL.Query().Get("root"), ps.ByName("run_id"), all)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Approval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Root     string `json:"root"`
		Approved *bool  `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := readBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Approved == nil {
		s.writeError(w, invalid("approved is required"))
		return
	}
	res, err := s.orch.Decide(req.Root, ps.ByName("run_id"), ps.ByName("approval_id"), *req.Approved, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAutoApprove(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Root string `json:"root"`
	}
	if err := readBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	decided, err := s.orch.AutoApprove(req.Root, ps.ByName("run_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if decided == nil {
		decided = []approvals.AutoDecision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "decided": decided})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	run, list, err := s.orch.Audit(r.URL.Query().Get("root"), ps.ByName("run_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "approvals": list})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit, err := queryLimit(r, orchestrator.DefaultJobLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jobs, err := s.orch.ListJobs(r.URL.Query().Get("root"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req startRequest
	if err := readBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.orch.Enqueue(req.Root, req.options())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if resolved, err := s.orch.ResolveRoot(req.Root); err == nil {
		s.orch.EnsureQueue(resolved)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": id})
}
