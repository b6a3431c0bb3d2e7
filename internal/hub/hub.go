// Package hub is the composition root: it wires the store, license
// validator, auth gate, tunnel manager, PTY multiplexer, scheduler,
// session manager, WebSocket bridge and port scanner together, builds the
// HTTP route table, and owns the top-level start/stop sequence.
package hub

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/agentide/hub/internal/auth"
	"github.com/agentide/hub/internal/config"
	"github.com/agentide/hub/internal/license"
	"github.com/agentide/hub/internal/portscan"
	"github.com/agentide/hub/internal/ptymux"
	"github.com/agentide/hub/internal/scheduler"
	"github.com/agentide/hub/internal/sessionmgr"
	"github.com/agentide/hub/internal/store"
	"github.com/agentide/hub/internal/tunnel"
	"github.com/agentide/hub/internal/wsbridge"
)

// Hub owns every live subsystem for one running hub process.
type Hub struct {
	cfg *config.Config

	store     *store.Store
	tunnels   *tunnel.Manager
	ptys      *ptymux.Manager
	scheduler *scheduler.Scheduler
	sessions  *sessionmgr.Manager
	bridge    *wsbridge.Bridge
	scanner   *portscan.Scanner
	forwarder *portscan.Forwarder
	validator *license.Validator
	gate      *auth.Gate
	limiter   *auth.ActivationLimiter

	portForwards *portForwardCache

	httpServer *http.Server
}

// New wires every subsystem for cfg but does not start any background
// loop or bind a listener; call Start for that.
func New(cfg *config.Config) (*Hub, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.DataDir, dbPath)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	authRequired := !config.IsLoopback(cfg.Host) && !cfg.NoAuth
	if err := st.SetAuthRequired(authRequired); err != nil {
		st.Close()
		return nil, fmt.Errorf("set auth required: %w", err)
	}

	validator, err := license.NewValidator()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build license validator: %w", err)
	}

	tunnels := tunnel.NewManager(func(workerID string, status store.WorkerStatus) {
		if err := st.UpdateWorkerStatus(workerID, status, time.Now().UTC().Format(time.RFC3339)); err != nil {
			slog.Error("hub: record worker status", "worker", workerID, "error", err)
		}
	})

	// Forward-declared so the idle callback and the exit callback can be
	// composed before the scheduler and bridge they call into actually
	// exist yet; both are only invoked once every subsystem below has
	// been assigned.
	var sched *scheduler.Scheduler
	var bridge *wsbridge.Bridge

	onIdle := func(sessionID string) {
		if sched != nil {
			sched.OnSessionIdle(sessionID)
		}
		needsInput := false
		if session, err := st.GetSession(sessionID); err == nil && session != nil {
			needsInput = session.NeedsInput
		}
		if bridge != nil {
			bridge.NotifyIdle(sessionID, needsInput)
		}
	}
	ptys := ptymux.NewManager(tunnels, cfg.ScrollbackDir, onIdle)

	sessionsCfg := sessionmgr.Config{
		ScrollbackDir:  cfg.ScrollbackDir,
		HookScriptPath: filepath.Join(cfg.DataDir, cfg.HooksDir, "report.sh"),
		HubPort:        cfg.Port,
	}

	var scanner *portscan.Scanner
	onExit := func(sessionID, claudeSessionID string, failed bool) {
		if scanner != nil {
			scanner.Forget(sessionID)
		}
		if sched != nil {
			sched.HandleExit(sessionID, claudeSessionID, failed)
		}
	}

	sessions, err := sessionmgr.New(st, ptys, tunnels, sessionsCfg, onExit)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build session manager: %w", err)
	}

	sched = scheduler.New(st, sessions, sessions)

	authConfig, err := st.GetAuthConfig()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load auth config: %w", err)
	}
	signer := auth.NewSigner(authConfig.JWTSecret)
	cookies := auth.NewCookieManager(cfg.JWTCookieName, cfg.TLSEnabled)
	gate := auth.NewGate(authRequired, signer, cookies)
	limiter := auth.NewActivationLimiter(cfg.ActivateMax, cfg.ActivateWindow)

	bridge = wsbridge.New(ptys, st, sched, gate, wsbridge.Config{
		ReadBufferSize:  cfg.WSReadBufferSize,
		WriteBufferSize: cfg.WSWriteBufferSize,
		AllowedOrigins:  cfg.AllowedOrigins,
	})

	forwarder := portscan.NewForwarder(tunnels)
	scanner = portscan.New(st, tunnels, bridge.NotifyPort)

	h := &Hub{
		cfg:          cfg,
		store:        st,
		tunnels:      tunnels,
		ptys:         ptys,
		scheduler:    sched,
		sessions:     sessions,
		bridge:       bridge,
		scanner:      scanner,
		forwarder:    forwarder,
		validator:    validator,
		gate:         gate,
		limiter:      limiter,
		portForwards: newPortForwardCache(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(h.securityHeaders(h.requestLogger(mux)), cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
		// WebSocket connections are long-lived; a non-zero WriteTimeout
		// would apply a deadline to the hijacked connection itself.
		WriteTimeout: 0,
	}

	return h, nil
}

// reconnectWorkers dials every remote worker recorded in the store, called
// once at startup so existing workers come back up without an explicit
// reconnect action from the operator.
func (h *Hub) reconnectWorkers() {
	workers, err := h.store.ListWorkers()
	if err != nil {
		slog.Error("hub: list workers at startup", "error", err)
		return
	}
	for _, w := range workers {
		if w.Type != store.WorkerRemote {
			continue
		}
		if err := h.tunnels.Connect(w); err != nil {
			slog.Warn("hub: initial worker connect failed", "worker", w.ID, "error", err)
		}
	}
}

// Start reconciles crash-orphaned sessions, dials remote workers, starts
// every background loop, and finally binds the HTTP(S) listener. It blocks
// until the listener stops.
func (h *Hub) Start() error {
	if err := h.sessions.ReconcileCrashedSessions(); err != nil {
		slog.Error("hub: reconcile crashed sessions", "error", err)
	}
	h.reconnectWorkers()

	go h.scheduler.Start()
	h.scanner.Start()
	h.scheduler.TriggerDispatch()

	if h.cfg.TLSEnabled {
		if h.cfg.TLSSelfSigned {
			if err := ensureSelfSignedCert(h.cfg.TLSCertPath, h.cfg.TLSKeyPath); err != nil {
				return fmt.Errorf("generate self-signed certificate: %w", err)
			}
		}
		h.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		slog.Info("hub: listening (tls)", "addr", h.httpServer.Addr)
		err := h.httpServer.ListenAndServeTLS(h.cfg.TLSCertPath, h.cfg.TLSKeyPath)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}

	slog.Info("hub: listening", "addr", h.httpServer.Addr)
	err := h.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop runs the documented shutdown sequence: flush scrollback, tear down
// every live process, destroy SSH connections, close the store, and only
// then shut down the HTTP listener.
func (h *Hub) Stop(ctx context.Context) error {
	h.scanner.Stop()
	h.scheduler.Stop()

	active, err := h.store.ListSessionsByStatus(store.SessionActive)
	if err != nil {
		slog.Error("hub: list active sessions during shutdown", "error", err)
	}
	for _, session := range active {
		if err := h.sessions.Kill(session.ID); err != nil {
			slog.Warn("hub: shutdown kill failed", "session", session.ID, "error", err)
		}
	}

	h.ptys.Shutdown()
	h.limiter.Stop()
	h.portForwards.closeAll()
	h.tunnels.DestroyAll()

	if err := h.store.Close(); err != nil {
		slog.Error("hub: close store", "error", err)
	}

	return h.httpServer.Shutdown(ctx)
}
