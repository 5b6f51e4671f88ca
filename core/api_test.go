package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fleetcore/core/dispatch"
	"fleetcore/core/idempotency"
	"fleetcore/core/metrics"
	"fleetcore/core/session"
	"fleetcore/core/store"
)

func newTestAPI() *API {
	s := store.NewMemoryStore()
	reg := session.NewRegistry(make(chan session.ChangeEvent, 8))
	disp := dispatch.NewDispatcher(s, reg)
	cache := metrics.NewCache()
	idem := idempotency.NewStore(idempotency.DefaultTTL)
	return NewAPI(s, reg, disp, cache, idem)
}

func decodeSuccess(t *testing.T, rec *httptest.ResponseRecorder) successBody {
	t.Helper()
	var body successBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode success body: %v (raw: %s)", err, rec.Body.String())
	}
	return body
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (raw: %s)", err, rec.Body.String())
	}
	return body
}

func TestHandleHealthReportsWebsocketDown(t *testing.T) {
	a := newTestAPI()
	rec := httptest.NewRecorder()
	a.handleHealth(rec, httptest.NewRequest("GET", "/api/v1/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeSuccess(t, rec)
	if !body.Success {
		t.Fatal("expected a success envelope")
	}
	data, _ := body.Data.(map[string]any)
	if data["websocket"] != "down" {
		t.Fatalf("websocket = %v, want down (no agent sessions attached)", data["websocket"])
	}
}

func TestHandleGetNodeNotFound(t *testing.T) {
	a := newTestAPI()
	req := httptest.NewRequest("GET", "/api/v1/nodes/ghost", nil)
	req.SetPathValue("node_id", "ghost")
	rec := httptest.NewRecorder()
	a.handleGetNode(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := decodeError(t, rec)
	if body.ErrorCode != "NODE_NOT_FOUND" {
		t.Fatalf("error_code = %s, want NODE_NOT_FOUND", body.ErrorCode)
	}
}

func TestHandleGetNodeFound(t *testing.T) {
	a := newTestAPI()
	a.store.UpsertNode(context.Background(), "node-001", store.NodeInfo{Hostname: "box-a"})

	req := httptest.NewRequest("GET", "/api/v1/nodes/node-001", nil)
	req.SetPathValue("node_id", "node-001")
	rec := httptest.NewRecorder()
	a.handleGetNode(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleSubmitCommandUndeliverableWhenNodeOffline(t *testing.T) {
	a := newTestAPI()
	body := strings.NewReader(`{"command_text":"echo hi","timeout":10}`)
	req := httptest.NewRequest("POST", "/api/v1/nodes/node-ghost/commands", body)
	req.SetPathValue("node_id", "node-ghost")
	rec := httptest.NewRecorder()
	a.handleSubmitCommand(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (submission always accepted, delivery tracked separately)", rec.Code)
	}
	sb := decodeSuccess(t, rec)
	data := sb.Data.(map[string]any)
	if data["status"] != store.CommandUndeliverable {
		t.Fatalf("status = %v, want undeliverable", data["status"])
	}

	got, err := a.store.GetCommand(context.Background(), data["command_id"].(string))
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if got.Status != store.CommandUndeliverable {
		t.Fatalf("persisted status = %s, want undeliverable (GET /commands/{id} must not still report pending)", got.Status)
	}
}

func TestHandleSubmitCommandRejectsEmptyCommandText(t *testing.T) {
	a := newTestAPI()
	req := httptest.NewRequest("POST", "/api/v1/nodes/node-001/commands", strings.NewReader(`{"command_text":""}`))
	req.SetPathValue("node_id", "node-001")
	rec := httptest.NewRecorder()
	a.handleSubmitCommand(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWithIdempotencyReplaysCachedResponse(t *testing.T) {
	a := newTestAPI()
	calls := 0
	wrapped := a.withIdempotency(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"command_id":"cmd-1"}`))
	})

	req1 := httptest.NewRequest("POST", "/api/v1/nodes/node-001/commands", nil)
	req1.Header.Set("Idempotency-Key", "key-1")
	rec1 := httptest.NewRecorder()
	wrapped(rec1, req1)

	req2 := httptest.NewRequest("POST", "/api/v1/nodes/node-001/commands", nil)
	req2.Header.Set("Idempotency-Key", "key-1")
	rec2 := httptest.NewRecorder()
	wrapped(rec2, req2)

	if calls != 1 {
		t.Fatalf("handler called %d times, want 1 (second request should replay)", calls)
	}
	if rec2.Code != http.StatusAccepted || rec2.Body.String() != `{"command_id":"cmd-1"}` {
		t.Fatalf("replayed response = %d %s, want the first response verbatim", rec2.Code, rec2.Body.String())
	}
}

func TestWithIdempotencyRunsEveryRequestWithoutAKey(t *testing.T) {
	a := newTestAPI()
	calls := 0
	wrapped := a.withIdempotency(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	})

	wrapped(httptest.NewRecorder(), httptest.NewRequest("POST", "/x", nil))
	wrapped(httptest.NewRecorder(), httptest.NewRequest("POST", "/x", nil))

	if calls != 2 {
		t.Fatalf("handler called %d times, want 2 (no idempotency key means no replay)", calls)
	}
}

func TestHandleDeleteNodeDetachesActiveSession(t *testing.T) {
	a := newTestAPI()
	a.store.UpsertNode(context.Background(), "node-001", store.NodeInfo{})
	a.registry.AttachAgent("node-001", "addr", noopSender{})

	req := httptest.NewRequest("DELETE", "/api/v1/nodes/node-001", nil)
	req.SetPathValue("node_id", "node-001")
	rec := httptest.NewRecorder()
	a.handleDeleteNode(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, attached := a.registry.AgentSession("node-001"); attached {
		t.Fatal("expected the node's active session to be detached on delete")
	}
}

type noopSender struct{}

func (noopSender) Send(frame []byte) error { return nil }
func (noopSender) Close() error            { return nil }
