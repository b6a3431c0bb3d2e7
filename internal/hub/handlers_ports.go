package hub

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/agentide/hub/internal/portscan"
	"github.com/agentide/hub/internal/store"
)

// portForwardCache keeps exactly one local forward alive per
// (workerID, remotePort) pair for the lifetime of the hub process, so
// repeated browser requests against the same detected port reuse the same
// SSH-tunneled listener instead of opening a fresh one each time.
type portForwardCache struct {
	mu     sync.Mutex
	local  map[string]int
	closer []func()
}

func newPortForwardCache() *portForwardCache {
	return &portForwardCache{local: make(map[string]int)}
}

func (c *portForwardCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fn := range c.closer {
		fn()
	}
}

// handleSessionPortProxy reverse-proxies to a port detected inside the
// session's process tree: directly for a local worker, through a cached
// SSH port forward for a remote one.
func (h *Hub) handleSessionPortProxy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil || port <= 0 {
		writeError(w, http.StatusBadRequest, "invalid port")
		return
	}

	_, worker, err := h.loadSessionAndWorker(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	targetPort := port
	if worker.Type != store.WorkerLocal {
		targetPort, err = h.resolveForwardedPort(worker.ID, port)
		if err != nil {
			writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to forward remote port: %v", err))
			return
		}
	}

	portscan.PortProxyHandler(targetPort).ServeHTTP(w, r)
}

func (h *Hub) resolveForwardedPort(workerID string, remotePort int) (int, error) {
	key := fmt.Sprintf("%s:%d", workerID, remotePort)

	h.portForwards.mu.Lock()
	if local, ok := h.portForwards.local[key]; ok {
		h.portForwards.mu.Unlock()
		return local, nil
	}
	h.portForwards.mu.Unlock()

	local, closeFn, err := h.forwarder.ForwardRemotePort(workerID, remotePort)
	if err != nil {
		return 0, err
	}

	h.portForwards.mu.Lock()
	h.portForwards.local[key] = local
	h.portForwards.closer = append(h.portForwards.closer, closeFn)
	h.portForwards.mu.Unlock()
	return local, nil
}
