package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentide/hub/internal/store"
)

func TestCreateAndDeleteWorker(t *testing.T) {
	h := newTestHub(t, nil)

	rr := postJSON(t, h, "/api/workers", `{"name":"box","host":"example.com","port":22,"user":"dev","sshKeyPath":"/tmp/key"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201, body = %s", rr.Code, rr.Body.String())
	}
	var worker store.Worker
	if err := json.NewDecoder(rr.Body).Decode(&worker); err != nil {
		t.Fatalf("decode worker: %v", err)
	}
	if worker.Host != "example.com" || worker.Type != store.WorkerRemote {
		t.Errorf("worker = %+v, want remote worker for example.com", worker)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/api/workers/"+worker.ID, nil)
	delRR := httptest.NewRecorder()
	h.httpServer.Handler.ServeHTTP(delRR, delReq)
	if delRR.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200, body = %s", delRR.Code, delRR.Body.String())
	}
}

func TestDeleteLocalWorkerForbidden(t *testing.T) {
	h := newTestHub(t, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/workers/"+store.LocalWorkerID, nil)
	rr := httptest.NewRecorder()
	h.httpServer.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", rr.Code, rr.Body.String())
	}
}
