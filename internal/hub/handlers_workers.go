package hub

import (
	"errors"
	"net/http"

	"github.com/agentide/hub/internal/store"
)

func (h *Hub) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.store.ListWorkers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

type createWorkerRequest struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	SSHKeyPath  string `json:"sshKeyPath"`
	MaxSessions int    `json:"maxSessions"`
}

func (h *Hub) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	var req createWorkerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Host == "" {
		writeError(w, http.StatusBadRequest, "name and host are required")
		return
	}

	worker, err := h.store.InsertWorker(store.Worker{
		Type:           store.WorkerRemote,
		Name:           req.Name,
		Host:           req.Host,
		Port:           req.Port,
		User:           req.User,
		PrivateKeyPath: req.SSHKeyPath,
		MaxSessions:    req.MaxSessions,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create worker")
		return
	}

	if err := h.tunnels.Connect(worker); err != nil {
		// Stored regardless; status stays disconnected/error until a
		// later reconnect or explicit test succeeds.
		writeJSON(w, http.StatusCreated, worker)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

func (h *Hub) handleUpdateWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.store.GetWorker(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load worker")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}

	var req createWorkerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated := *existing
	if req.Name != "" {
		updated.Name = req.Name
	}
	if req.Host != "" {
		updated.Host = req.Host
	}
	if req.Port != 0 {
		updated.Port = req.Port
	}
	if req.User != "" {
		updated.User = req.User
	}
	if req.SSHKeyPath != "" {
		updated.PrivateKeyPath = req.SSHKeyPath
	}
	if req.MaxSessions != 0 {
		updated.MaxSessions = req.MaxSessions
	}

	if err := h.store.UpdateWorker(updated); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update worker")
		return
	}
	if updated.Type == store.WorkerRemote {
		h.tunnels.Disconnect(updated.ID)
		_ = h.tunnels.Connect(updated)
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Hub) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	active, err := h.store.CountActiveSessionsOnWorker(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check active sessions")
		return
	}
	if active > 0 {
		writeError(w, http.StatusConflict, "worker has active sessions")
		return
	}

	h.tunnels.Disconnect(id)
	if err := h.store.DeleteWorker(id); err != nil {
		if errors.Is(err, store.ErrLocalWorkerUndeletable) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete worker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Hub) handleTestWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	worker, err := h.store.GetWorker(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load worker")
		return
	}
	if worker == nil {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}

	if _, err := h.tunnels.Exec(id, "true"); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
