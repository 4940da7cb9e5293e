package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"inkwell/core/internal/hub"
	"inkwell/core/internal/presence"
	"inkwell/core/internal/wire"
)

type testServer struct {
	fs     *fakeStore
	svc    *Service
	server *httptest.Server
}

func newHTTPTestServer(t *testing.T) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	presenceStore := presence.NewStoreWithClient(client, 2*time.Second)
	t.Cleanup(func() { presenceStore.Close() })

	fs := newFakeStore()
	svc, _ := newTestService(fs)
	httpServer := NewHTTPServer(svc, hub.New(svc), presenceStore, "*")

	server := httptest.NewServer(httpServer.Handler())
	t.Cleanup(server.Close)
	return &testServer{fs: fs, svc: svc, server: server}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func (ts *testServer) login(t *testing.T, name string) string {
	t.Helper()
	resp, payload := ts.request(t, http.MethodPost, "/api/auth/login", "", map[string]any{"name": name})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d", name, resp.StatusCode)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("login %s: no token in %v", name, payload)
	}
	return token
}

func TestHealthAndReady(t *testing.T) {
	ts := newHTTPTestServer(t)

	resp, payload := ts.request(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health: %d %v", resp.StatusCode, payload)
	}

	resp, payload = ts.request(t, http.MethodGet, "/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: %d %v", resp.StatusCode, payload)
	}
}

func TestAuthRequiredOnProtectedRoutes(t *testing.T) {
	ts := newHTTPTestServer(t)

	resp, _ := ts.request(t, http.MethodGet, "/api/documents", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp, _ = ts.request(t, http.MethodGet, "/api/documents", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", resp.StatusCode)
	}
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	ts := newHTTPTestServer(t)
	token := ts.login(t, "ada")

	resp, payload := ts.request(t, http.MethodPost, "/api/documents", token,
		map[string]any{"title": "Notes", "private": true})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %v", resp.StatusCode, payload)
	}
	doc := payload["document"].(map[string]any)
	docID := doc["ID"].(string)
	version := doc["Version"].(string)

	resp, payload = ts.request(t, http.MethodGet, "/api/documents/"+docID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %v", resp.StatusCode, payload)
	}
	if payload["access"] != "owner" {
		t.Fatalf("expected owner access, got %v", payload["access"])
	}

	resp, payload = ts.request(t, http.MethodPost, "/api/documents/"+docID+"/save", token,
		map[string]any{"renderedContent": "hello", "version": version})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save: %d %v", resp.StatusCode, payload)
	}

	// A stale version token maps to 409 with current state attached.
	resp, payload = ts.request(t, http.MethodPost, "/api/documents/"+docID+"/save", token,
		map[string]any{"renderedContent": "stale", "version": version})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale save: %d %v", resp.StatusCode, payload)
	}
	details, _ := payload["details"].(map[string]any)
	if details["currentVersion"] == nil {
		t.Fatalf("expected currentVersion in conflict details, got %v", payload)
	}

	// Other actors cannot see a private document.
	stranger := ts.login(t, "eve")
	resp, _ = ts.request(t, http.MethodGet, "/api/documents/"+docID, stranger, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger, got %d", resp.StatusCode)
	}
}

func TestShareOverHTTP(t *testing.T) {
	ts := newHTTPTestServer(t)
	owner := ts.login(t, "owner")
	bobToken := ts.login(t, "bob")

	resp, payload := ts.request(t, http.MethodPost, "/api/documents", owner,
		map[string]any{"title": "Shared", "private": true})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %v", resp.StatusCode, payload)
	}
	docID := payload["document"].(map[string]any)["ID"].(string)

	// Only the owner may share.
	resp, _ = ts.request(t, http.MethodPost, "/api/documents/"+docID+"/grants", bobToken,
		map[string]any{"subjects": []map[string]any{{"actorId": "act_bob"}}, "level": "viewer"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-owner share: expected 403, got %d", resp.StatusCode)
	}

	resp, payload = ts.request(t, http.MethodPost, "/api/documents/"+docID+"/grants", owner,
		map[string]any{"subjects": []map[string]any{{"actorId": "act_bob"}}, "level": "editor"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("share: %d %v", resp.StatusCode, payload)
	}

	resp, payload = ts.request(t, http.MethodGet, "/api/documents/"+docID, bobToken, nil)
	if resp.StatusCode != http.StatusOK || payload["access"] != "editor" {
		t.Fatalf("bob after share: %d %v", resp.StatusCode, payload)
	}

	resp, payload = ts.request(t, http.MethodGet, "/api/documents/"+docID+"/grants", bobToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list grants: %d %v", resp.StatusCode, payload)
	}
	grants, _ := payload["grants"].([]any)
	if len(grants) != 2 {
		t.Fatalf("expected owner + bob grants, got %v", payload["grants"])
	}
}

func (ts *testServer) dialSync(t *testing.T, documentID, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws/" + documentID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial sync: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testServer) sendSyncFrame(t *testing.T, conn *websocket.Conn, frame wire.Frame) {
	t.Helper()
	message, err := wire.Encode(frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSyncChannelRejectsViewerDeltas(t *testing.T) {
	ts := newHTTPTestServer(t)
	owner := ts.login(t, "owner")
	mallory := ts.login(t, "mallory")

	resp, payload := ts.request(t, http.MethodPost, "/api/documents", owner,
		map[string]any{"title": "Guarded", "private": true})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %v", resp.StatusCode, payload)
	}
	docID := payload["document"].(map[string]any)["ID"].(string)

	resp, _ = ts.request(t, http.MethodPost, "/api/documents/"+docID+"/grants", owner,
		map[string]any{"subjects": []map[string]any{{"actorId": "act_mallory"}}, "level": "viewer"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("share viewer: %d", resp.StatusCode)
	}

	ownerConn := ts.dialSync(t, docID, owner)
	viewerConn := ts.dialSync(t, docID, mallory)
	time.Sleep(50 * time.Millisecond)

	// A viewer-level client that skips its local read-only gate must
	// not get content mutations relayed to other peers.
	ts.sendSyncFrame(t, viewerConn, wire.Frame{Kind: wire.KindDelta, Payload: []byte("forged")})
	ts.sendSyncFrame(t, viewerConn, wire.Frame{Kind: wire.KindPresence, Payload: []byte("cursor")})

	ownerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := ownerConn.ReadMessage()
	if err != nil {
		t.Fatalf("owner read: %v", err)
	}
	frame, err := wire.Decode(message)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Kind != wire.KindPresence {
		t.Fatalf("expected the forged delta to be dropped, got %q frame", frame.Kind)
	}

	// Deltas still flow the other way.
	ts.sendSyncFrame(t, ownerConn, wire.Frame{Kind: wire.KindDelta, Payload: []byte("legit")})
	viewerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err = viewerConn.ReadMessage()
	if err != nil {
		t.Fatalf("viewer read: %v", err)
	}
	if frame, _ := wire.Decode(message); frame.Kind != wire.KindDelta || string(frame.Payload) != "legit" {
		t.Fatalf("unexpected frame for viewer: %+v", frame)
	}
}

func TestPresenceOverHTTP(t *testing.T) {
	ts := newHTTPTestServer(t)
	token := ts.login(t, "ada")

	resp, payload := ts.request(t, http.MethodPost, "/api/documents", token,
		map[string]any{"title": "Live", "private": true})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %v", resp.StatusCode, payload)
	}
	docID := payload["document"].(map[string]any)["ID"].(string)

	resp, _ = ts.request(t, http.MethodPost, "/api/documents/"+docID+"/presence", token,
		map[string]any{"color": "#aabbcc"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish presence: %d", resp.StatusCode)
	}

	resp, payload = ts.request(t, http.MethodGet, "/api/documents/"+docID+"/presence", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list presence: %d %v", resp.StatusCode, payload)
	}
	participants, _ := payload["participants"].([]any)
	if len(participants) != 1 {
		t.Fatalf("expected one participant, got %v", payload["participants"])
	}

	resp, _ = ts.request(t, http.MethodDelete, "/api/documents/"+docID+"/presence", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove presence: %d", resp.StatusCode)
	}
	_, payload = ts.request(t, http.MethodGet, "/api/documents/"+docID+"/presence", token, nil)
	participants, _ = payload["participants"].([]any)
	if len(participants) != 0 {
		t.Fatalf("expected empty presence after remove, got %v", payload["participants"])
	}
}
