package status

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clalos/live-leaf-detector/internal/acquisition"
)

func newTestServer(t *testing.T) (*Broadcaster, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := NewBroadcaster(logger)

	mux := http.NewServeMux()
	NewServer(b, logger).SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func readMessage(t *testing.T, conn *websocket.Conn) (MessageType, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var msg struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg.Type, msg.Payload
}

func TestWebSocketReceivesSnapshotAndUpdates(t *testing.T) {
	b, srv := newTestServer(t)

	b.Publish(acquisition.Status{SessionID: "s1", Active: true, State: acquisition.StateNoLeaf, Threshold: 3})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	typ, payload := readMessage(t, conn)
	if typ != MsgStatus {
		t.Fatalf("snapshot type = %q, want %q", typ, MsgStatus)
	}
	var snapshot map[string]any
	json.Unmarshal(payload, &snapshot)
	if snapshot["state"] != "no-leaf" || snapshot["sessionId"] != "s1" {
		t.Errorf("snapshot payload = %v", snapshot)
	}

	b.Publish(acquisition.Status{SessionID: "s1", State: acquisition.StateSingleLeaf, HandedOff: true, EndReason: acquisition.EndHandoff})
	if typ, _ := readMessage(t, conn); typ != MsgHandoff {
		t.Errorf("update type = %q, want %q", typ, MsgHandoff)
	}

	b.PublishPrediction(acquisition.HandoffPayload{SessionID: "s1", Frame: acquisition.Frame{Index: 4}}, map[string]string{"disease": "Healthy"})
	typ, payload = readMessage(t, conn)
	if typ != MsgPrediction {
		t.Fatalf("prediction type = %q, want %q", typ, MsgPrediction)
	}
	var pred PredictionPayload
	json.Unmarshal(payload, &pred)
	if pred.SessionID != "s1" || pred.FrameIndex != 4 {
		t.Errorf("prediction payload = %+v", pred)
	}
}

func TestStatusEndpoint(t *testing.T) {
	b, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status before any session = %d, want 404", resp.StatusCode)
	}

	b.Publish(acquisition.Status{SessionID: "s2", Active: true, Streak: 2, Threshold: 3})

	resp, err = http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()

	var got acquisition.Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "s2" || got.Streak != 2 {
		t.Errorf("status = %+v", got)
	}
}

func TestRejectsCrossOriginUpgrade(t *testing.T) {
	_, srv := newTestServer(t)

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	if err == nil {
		t.Fatal("cross-origin dial succeeded")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestClientRemovedOnDisconnect(t *testing.T) {
	b, srv := newTestServer(t)
	b.Publish(acquisition.Status{SessionID: "s3"})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readMessage(t, conn)
	if got := b.ClientCount(); got != 1 {
		t.Errorf("clients = %d, want 1", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
