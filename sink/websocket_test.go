package sink

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentloop/core"
)

// wsPair upgrades a loopback connection and returns both ends.
func wsPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-serverCh:
	case <-time.After(time.Second):
		t.Fatal("server connection not established")
	}
	t.Cleanup(func() { server.Close() })

	return server, client
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return f
}

func TestWebSocketSinkPushesDeltaFinalDone(t *testing.T) {
	serverConn, clientConn := wsPair(t)

	ws := NewWebSocketSink(serverConn)
	ws.OnDelta("par")
	ws.OnDelta("tial")
	ws.OnFinal(core.FinalResult{
		SessionID:  "s1",
		Text:       "partial",
		State:      core.StateSuccess,
		Iterations: 1,
	})

	if f := readFrame(t, clientConn); f.Type != "delta" || f.Text != "par" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if f := readFrame(t, clientConn); f.Type != "delta" || f.Text != "tial" {
		t.Fatalf("unexpected frame: %+v", f)
	}

	final := readFrame(t, clientConn)
	if final.Type != "final" || final.Text != "partial" || final.State != string(core.StateSuccess) {
		t.Fatalf("unexpected final frame: %+v", final)
	}
	if final.SessionID != "s1" || final.Iterations != 1 {
		t.Fatalf("final frame metadata missing: %+v", final)
	}

	if f := readFrame(t, clientConn); f.Type != "done" {
		t.Fatalf("expected done frame, got %+v", f)
	}
}

func TestWebSocketSinkPushesErrorThenDone(t *testing.T) {
	serverConn, clientConn := wsPair(t)

	ws := NewWebSocketSink(serverConn)
	ws.OnError(core.NewAgentError("s1", core.CodeCancelled, nil))

	errFrame := readFrame(t, clientConn)
	if errFrame.Type != "error" || !strings.Contains(errFrame.Error, core.CodeCancelled) {
		t.Fatalf("unexpected error frame: %+v", errFrame)
	}
	if errFrame.State != string(core.StateError) {
		t.Fatalf("error frame must carry the terminal error state, got %q", errFrame.State)
	}
	if f := readFrame(t, clientConn); f.Type != "done" {
		t.Fatalf("expected done frame, got %+v", f)
	}
}

func TestWebSocketSinkSkipsAfterWriteFailure(t *testing.T) {
	serverConn, clientConn := wsPair(t)
	clientConn.Close()
	serverConn.Close()

	ws := NewWebSocketSink(serverConn, func(o *WebSocketOptions) {
		o.WriteTimeout = 50 * time.Millisecond
	})

	// Both calls must return without blocking or panicking.
	ws.OnDelta("lost")
	ws.OnFinal(core.FinalResult{Text: "lost"})
}
