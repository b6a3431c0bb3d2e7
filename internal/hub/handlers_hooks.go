package hub

import "net/http"

type hookEventRequest struct {
	SessionID       string `json:"sessionId"`
	ClaudeSessionID string `json:"claudeSessionId"`
}

// handleHookEvent is the callback target of the injected SessionEnd/Stop
// hook script; RequireLoopback in setupRoutes restricts it to local
// subprocess callers when auth is required.
func (h *Hub) handleHookEvent(w http.ResponseWriter, r *http.Request) {
	var req hookEventRequest
	if err := decodeJSON(w, r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if err := h.sessions.RecordHookEvent(req.SessionID, req.ClaudeSessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record hook event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
