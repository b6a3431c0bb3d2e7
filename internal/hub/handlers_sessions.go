package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/agentide/hub/internal/portscan"
	"github.com/agentide/hub/internal/sessionmgr"
	"github.com/agentide/hub/internal/store"
)

const execTimeout = 10 * time.Second

// sessionView adds a human-readable relative age next to the raw
// timestamp, the way the dashboard wants it without recomputing it client
// side on every render.
type sessionView struct {
	store.Session
	UpdatedAgo string `json:"updatedAgo"`
}

func toSessionView(s store.Session) sessionView {
	view := sessionView{Session: s}
	if t, err := time.Parse(time.RFC3339, s.UpdatedAt); err == nil {
		view.UpdatedAgo = humanize.Time(t)
	}
	return view
}

func (h *Hub) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	var sessions []store.Session
	var err error
	if status != "" {
		sessions, err = h.store.ListSessionsByStatus(store.SessionStatus(status))
	} else {
		sessions, err = h.store.ListSessions()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, toSessionView(s))
	}
	writeJSON(w, http.StatusOK, views)
}

type createSessionRequest struct {
	WorkingDirectory string `json:"workingDirectory"`
	Title            string `json:"title"`
	TargetWorker     string `json:"targetWorker"`
	StartFresh       bool   `json:"startFresh"`
	Worktree         bool   `json:"worktree"`
}

func (h *Hub) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.sessions.Create(sessionmgr.CreateRequest{
		WorkingDirectory: req.WorkingDirectory,
		Title:            req.Title,
		WorkerID:         req.TargetWorker,
		StartFresh:       req.StartFresh,
		Worktree:         req.Worktree,
	})
	if err != nil {
		switch {
		case errors.Is(err, sessionmgr.ErrOutsideHome):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, sessionmgr.ErrNotAbsolute):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, sessionmgr.ErrWorkerNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.scheduler.TriggerDispatch()
	writeJSON(w, http.StatusCreated, toSessionView(session))
}

type patchSessionRequest struct {
	Title *string `json:"title"`
	Lock  *bool   `json:"lock"`
}

func (h *Hub) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.UpdateSession(id, store.SessionPatch{Title: req.Title, Lock: req.Lock}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update session")
		return
	}
	session, err := h.store.GetSession(id)
	if err != nil || session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(*session))
}

func (h *Hub) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := h.store.GetSession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if session.Status == store.SessionActive {
		if err := h.sessions.Kill(id); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to kill active session")
			return
		}
	}
	if err := h.store.DeleteSession(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleContinueSession requeues a completed/failed session at the head of
// the queue, bumping continuationCount the same way HandleExit does for an
// auto-suspend requeue.
func (h *Hub) handleContinueSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := h.store.GetSession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if session.Status == store.SessionActive || session.Status == store.SessionQueued {
		writeError(w, http.StatusConflict, "session is already queued or active")
		return
	}

	count := session.ContinuationCount + 1
	if err := h.store.UpdateSession(id, store.SessionPatch{ContinuationCount: &count}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to bump continuation count")
		return
	}
	if err := h.store.RequeueAtHead(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to requeue session")
		return
	}
	h.scheduler.TriggerDispatch()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Hub) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.Kill(id); err != nil {
		writeError(w, http.StatusNotFound, "no live process for session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sessionInputRequest struct {
	Data string `json:"data"`
}

func (h *Hub) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sessionInputRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	proc, ok := h.ptys.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no live process for session")
		return
	}
	if _, err := proc.Write([]byte(req.Data)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write input")
		return
	}
	h.scheduler.RecordUserInput(id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Hub) handleSessionFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rel, ok := sanitizeRelativePath(r.URL.Query().Get("path"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}

	session, worker, err := h.loadSessionAndWorker(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	out, err := h.execInSession(r.Context(), session, worker, "ls", "-1p", filepath.Join(session.WorkingDirectory, rel))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list files: %v", err))
		return
	}

	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": rel, "entries": names})
}

func (h *Hub) handleSessionFileContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rel, ok := sanitizeRelativePath(r.URL.Query().Get("path"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}

	session, worker, err := h.loadSessionAndWorker(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	content, err := h.execInSession(r.Context(), session, worker, "cat", filepath.Join(session.WorkingDirectory, rel))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read file: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": rel, "content": content})
}

func (h *Hub) handleSessionDiff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, worker, err := h.loadSessionAndWorker(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	diff, err := h.execInSessionDir(r.Context(), session, worker, "git", "diff")
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("git diff failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"diff": diff})
}

// handleSessionProxyURL proxies an SSRF-guarded URL reachable from the
// session's worker, for previewing a dev server the agent started.
func (h *Hub) handleSessionProxyURL(w http.ResponseWriter, r *http.Request) {
	encoded := r.PathValue("encodedUrl")
	rawURL, err := url.QueryUnescape(encoded)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid encoded url")
		return
	}

	handler, err := portscan.URLProxyHandler(rawURL)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	handler.ServeHTTP(w, r)
}

func (h *Hub) loadSessionAndWorker(sessionID string) (*store.Session, *store.Worker, error) {
	session, err := h.store.GetSession(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session")
	}
	if session == nil {
		return nil, nil, fmt.Errorf("session not found")
	}
	workerID := session.WorkerID
	if workerID == "" {
		workerID = store.LocalWorkerID
	}
	worker, err := h.store.GetWorker(workerID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load worker")
	}
	if worker == nil {
		return nil, nil, fmt.Errorf("worker not found")
	}
	return session, worker, nil
}

// execInSession runs name(args...) either locally or, for a remote worker,
// over the tunnel exec channel, returning combined output.
func (h *Hub) execInSession(ctx context.Context, session *store.Session, worker *store.Worker, name string, args ...string) (string, error) {
	if worker.Type == store.WorkerLocal {
		ctx, cancel := context.WithTimeout(ctx, execTimeout)
		defer cancel()
		out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
		return string(out), err
	}
	cmd := name
	for _, a := range args {
		cmd += " " + shellQuoteDir(a)
	}
	return h.tunnels.Exec(worker.ID, cmd)
}

// execInSessionDir is execInSession with the command run from the session's
// working directory rather than against an absolute target path.
func (h *Hub) execInSessionDir(ctx context.Context, session *store.Session, worker *store.Worker, name string, args ...string) (string, error) {
	if worker.Type == store.WorkerLocal {
		ctx, cancel := context.WithTimeout(ctx, execTimeout)
		defer cancel()
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Dir = session.WorkingDirectory
		out, err := cmd.CombinedOutput()
		return string(out), err
	}
	full := name
	for _, a := range args {
		full += " " + shellQuoteDir(a)
	}
	return h.tunnels.Exec(worker.ID, fmt.Sprintf("cd %s && %s", shellQuoteDir(session.WorkingDirectory), full))
}
