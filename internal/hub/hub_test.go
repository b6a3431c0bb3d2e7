package hub

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentide/hub/internal/config"
)

// newTestHub builds a fully wired Hub against a temp-dir store, without
// binding a listener, so handlers can be exercised directly through the
// composed middleware chain.
func newTestHub(t *testing.T, mutate func(*config.Config)) *Hub {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Port:           0,
		Host:           "127.0.0.1",
		JWTCookieName:  "agentide_session",
		ActivateWindow: time.Minute,
		ActivateMax:    5,

		DataDir:       dir,
		DBPath:        "test.db",
		ScrollbackDir: filepath.Join(dir, "scrollback"),
		HooksDir:      ".agentide-hooks",

		MaxConcurrentSessions: 4,
		DispatchInterval:      500 * time.Millisecond,
		IdlePollInterval:      2 * time.Second,
		IdleThreshold:         8 * time.Second,

		SSHKeepaliveInterval: 30 * time.Second,
		SSHBackoffInitial:    time.Second,
		SSHBackoffMax:        60 * time.Second,
		SSHDialTimeout:       10 * time.Second,

		PortScanInterval: 5 * time.Second,

		HTTPReadTimeout: 15 * time.Second,
		HTTPIdleTimeout: 60 * time.Second,

		WSReadBufferSize:  4096,
		WSWriteBufferSize: 4096,
		WSBackpressureCap: 4 * 1024 * 1024,

		DefaultShell: "/bin/sh",
		DefaultRows:  24,
		DefaultCols:  80,

		ScrollbackFlushInterval: 2 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		h.scanner.Stop()
		h.scheduler.Stop()
		h.ptys.Shutdown()
		h.limiter.Stop()
		h.portForwards.closeAll()
		h.tunnels.DestroyAll()
		h.store.Close()
	})
	return h
}
