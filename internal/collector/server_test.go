package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func newTestServer(t *testing.T) (*Server, *DB) {
	t.Helper()
	db := newTestDB(t)
	server, err := NewServer(db, NewHub(nil), nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, db
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("health returned %d", recorder.Code)
	}
}

func TestIngestValidBatch(t *testing.T) {
	server, db := newTestServer(t)
	payload, _ := json.Marshal(testIngestBatch())

	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(payload)))
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("ingest returned %d: %s", recorder.Code, recorder.Body.String())
	}

	events, err := db.SessionEvents("session-1", 0)
	if err != nil || len(events) != 3 {
		t.Fatalf("batch not stored: %d events (%v)", len(events), err)
	}
}

func TestIngestRejectsSchemaViolations(t *testing.T) {
	server, db := newTestServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{broken`},
		{"missing session", `{"user_id":"u","events":[{"type":"click","timestamp":1}]}`},
		{"empty events", `{"user_id":"u","session_id":"s","events":[]}`},
		{"unknown type", `{"user_id":"u","session_id":"s","events":[{"type":"mystery","timestamp":1}]}`},
		{"missing timestamp", `{"user_id":"u","session_id":"s","events":[{"type":"click"}]}`},
	}
	for _, tc := range cases {
		recorder := httptest.NewRecorder()
		server.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(tc.body)))
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: returned %d, want 400", tc.name, recorder.Code)
		}
	}
	count, err := db.EventCount()
	if err != nil || count != 0 {
		t.Fatalf("rejected batches stored rows: %d (%v)", count, err)
	}
}

func TestIngestBodyLimit(t *testing.T) {
	db := newTestDB(t)
	server, err := NewServerWithConfig(db, NewHub(nil), nil, ServerConfig{MaxBodyBytes: 64})
	if err != nil {
		t.Fatalf("NewServerWithConfig failed: %v", err)
	}
	payload, _ := json.Marshal(testIngestBatch())

	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(payload)))
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body returned %d", recorder.Code)
	}
}

func TestSessionEventsEndpoint(t *testing.T) {
	server, db := newTestServer(t)
	if err := db.InsertBatch(testIngestBatch()); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/sessions/session-1/events", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("session events returned %d", recorder.Code)
	}
	var resp struct {
		SessionID string        `json:"session_id"`
		Count     int           `json:"count"`
		Events    []StoredEvent `json:"events"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.SessionID != "session-1" || resp.Count != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t)
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unknown route returned %d", recorder.Code)
	}
}

func TestBroadcastRelayFansOut(t *testing.T) {
	server, _ := newTestServer(t)
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/broadcast/proj"

	sender, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("sender dial failed: %v", err)
	}
	defer sender.Close(websocket.StatusNormalClosure, "")
	receiver, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("receiver dial failed: %v", err)
	}
	defer receiver.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for server.hub.ChannelSize("proj") < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := sender.Write(ctx, websocket.MessageText, []byte(`{"action":"heartbeat","tab_id":"a"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_, data, err := receiver.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Contains(data, []byte("heartbeat")) {
		t.Fatalf("unexpected relay payload: %s", data)
	}
}
