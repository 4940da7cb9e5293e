package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/core/internal/hub"
	"inkwell/core/internal/wire"
)

type fakeSnapshots struct {
	data []byte
}

func (f *fakeSnapshots) StructuredSnapshot(context.Context, string) ([]byte, error) {
	return f.data, nil
}

func startRelay(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.New(&fakeSnapshots{data: []byte("authoritative")})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		documentID := strings.TrimPrefix(r.URL.Path, "/ws/")
		h.ServeWS(w, r, documentID, "peer", true)
	}))
	t.Cleanup(srv.Close)
	return srv, h
}

func waitConnected(t *testing.T, c *Conn) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("transport never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDialAndResyncHandshake(t *testing.T) {
	srv, _ := startRelay(t)
	conn, err := Dial(context.Background(), srv.URL, "doc-1", "token", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitConnected(t, conn)

	// The transport sends a sync-request on connect; the relay answers
	// with the authoritative snapshot.
	select {
	case frame := <-conn.Frames():
		if frame.Kind != wire.KindSyncState || string(frame.Payload) != "authoritative" {
			t.Fatalf("unexpected first frame: %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sync-state after connect")
	}
}

func TestSendReachesPeer(t *testing.T) {
	srv, _ := startRelay(t)

	// A raw peer in the same room.
	peerURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/doc-1"
	peer, _, err := websocket.DefaultDialer.Dial(peerURL, nil)
	if err != nil {
		t.Fatalf("peer dial: %v", err)
	}
	defer peer.Close()

	conn, err := Dial(context.Background(), srv.URL, "doc-1", "token", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitConnected(t, conn)

	if err := conn.Send(wire.Frame{Kind: wire.KindDelta, Payload: []byte("d1")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := peer.ReadMessage()
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	frame, err := wire.Decode(message)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Kind != wire.KindDelta || string(frame.Payload) != "d1" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	// Nothing listens on this port; the transport keeps retrying in the
	// background while Send fails fast.
	conn, err := Dial(context.Background(), "http://127.0.0.1:1", "doc-1", "token", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(wire.Frame{Kind: wire.KindDelta}); err != ErrTransportUnavailable {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}

func TestSendAfterClose(t *testing.T) {
	srv, _ := startRelay(t)
	conn, err := Dial(context.Background(), srv.URL, "doc-1", "token", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitConnected(t, conn)
	conn.Close()

	if err := conn.Send(wire.Frame{Kind: wire.KindDelta}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestStateCallback(t *testing.T) {
	srv, _ := startRelay(t)
	states := make(chan bool, 8)
	conn, err := Dial(context.Background(), srv.URL, "doc-1", "token", func(connected bool) {
		states <- connected
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case connected := <-states:
		if !connected {
			t.Fatal("first state change should be connected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state callback")
	}

	// Server going away must surface as a disconnect.
	srv.CloseClientConnections()
	select {
	case connected := <-states:
		if connected {
			t.Fatal("expected disconnect")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no disconnect callback")
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := []struct {
		base string
		want string
		err  bool
	}{
		{base: "http://host:1234", want: "ws://host:1234/ws/doc-1"},
		{base: "https://host", want: "wss://host/ws/doc-1"},
		{base: "ws://host", want: "ws://host/ws/doc-1"},
		{base: "ftp://host", err: true},
	}
	for _, tc := range cases {
		got, err := websocketURL(tc.base, "doc-1")
		if tc.err {
			if err == nil {
				t.Errorf("websocketURL(%q): expected error", tc.base)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("websocketURL(%q) = %q, %v; want %q", tc.base, got, err, tc.want)
		}
	}
}
