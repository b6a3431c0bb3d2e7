package hub

import (
	"net/http"
)

// setupRoutes registers the full route table and applies the documented
// middleware order: auth gate wraps every protected route, the hooks
// callback additionally requires a loopback source, and the activation
// rate limiter is checked inside handleActivate rather than wrapping the
// route. CORS, security
// headers and the request logger are applied once around the whole mux
// in New.
func (h *Hub) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/activate", h.handleActivate)
	mux.HandleFunc("GET /api/auth/status", h.handleAuthStatus)
	mux.HandleFunc("POST /api/auth/logout", h.handleLogout)

	mux.Handle("POST /api/hooks/event", h.gate.RequireLoopback(http.HandlerFunc(h.handleHookEvent)))

	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/settings", h.handleGetSettings)
	protected.HandleFunc("PATCH /api/settings", h.handlePatchSettings)

	protected.HandleFunc("GET /api/workers", h.handleListWorkers)
	protected.HandleFunc("POST /api/workers", h.handleCreateWorker)
	protected.HandleFunc("PUT /api/workers/{id}", h.handleUpdateWorker)
	protected.HandleFunc("DELETE /api/workers/{id}", h.handleDeleteWorker)
	protected.HandleFunc("POST /api/workers/{id}/test", h.handleTestWorker)

	protected.HandleFunc("GET /api/sessions", h.handleListSessions)
	protected.HandleFunc("POST /api/sessions", h.handleCreateSession)
	protected.HandleFunc("PATCH /api/sessions/{id}", h.handlePatchSession)
	protected.HandleFunc("DELETE /api/sessions/{id}", h.handleDeleteSession)
	protected.HandleFunc("POST /api/sessions/{id}/continue", h.handleContinueSession)
	protected.HandleFunc("POST /api/sessions/{id}/kill", h.handleKillSession)
	protected.HandleFunc("POST /api/sessions/{id}/input", h.handleSessionInput)
	protected.HandleFunc("GET /api/sessions/{id}/files", h.handleSessionFiles)
	protected.HandleFunc("GET /api/sessions/{id}/files/content", h.handleSessionFileContent)
	protected.HandleFunc("GET /api/sessions/{id}/diff", h.handleSessionDiff)
	protected.HandleFunc("GET /api/sessions/{id}/proxy-url/{encodedUrl}", h.handleSessionProxyURL)
	protected.HandleFunc("GET /api/sessions/{id}/ports/{port}", h.handleSessionPortProxy)

	protected.HandleFunc("GET /api/directories", h.handleListDirectories)

	protected.HandleFunc("GET /api/projects", h.handleListProjects)
	protected.HandleFunc("PATCH /api/projects/{id}", h.handlePatchProject)
	protected.HandleFunc("DELETE /api/projects/{id}", h.handleDeleteProject)

	mux.Handle("/", h.gate.Middleware(protected))

	// The WebSocket upgrade authenticates itself from the raw upgrade
	// header (cookies haven't been parsed by any middleware yet at that
	// point), so it is registered outside the auth gate entirely.
	mux.HandleFunc("GET /ws/sessions/{id}", h.bridge.Handler(h.gate.Required))
}
