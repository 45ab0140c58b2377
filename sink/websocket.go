package sink

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
)

// SafeConn serializes writes to a websocket connection, which permits only
// one concurrent writer.
type SafeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

// NewSafeConn wraps an upgraded connection.
func NewSafeConn(conn *websocket.Conn) *SafeConn { return &SafeConn{Conn: conn} }

// WriteMessage writes one frame under the write lock.
func (sc *SafeConn) WriteMessage(messageType int, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.Conn.WriteMessage(messageType, data)
}

// frame is the wire format pushed to websocket clients.
type frame struct {
	Type       string `json:"type"` // "delta", "final", "error", "done"
	Text       string `json:"text,omitempty"`
	State      string `json:"state,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Iterations int    `json:"iterations,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WebSocketSink pushes engine output as JSON frames over a websocket
// connection. A write deadline bounds how long a slow client can stall a
// frame; write failures are logged and subsequent frames skipped so a dead
// client never blocks the engine.
type WebSocketSink struct {
	conn         *SafeConn
	writeTimeout time.Duration
	logger       logging.Logger

	mu     sync.Mutex
	broken bool
}

// WebSocketOptions configures the websocket sink.
type WebSocketOptions struct {
	// WriteTimeout bounds each frame write (default 5s).
	WriteTimeout time.Duration
	Logger       logging.Logger
}

// NewWebSocketSink wraps an already-upgraded connection. The caller owns
// the connection lifecycle (close, read loop, ping/pong).
func NewWebSocketSink(conn *websocket.Conn, optFns ...func(o *WebSocketOptions)) *WebSocketSink {
	opts := WebSocketOptions{
		WriteTimeout: 5 * time.Second,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &WebSocketSink{
		conn:         NewSafeConn(conn),
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger,
	}
}

// OnDelta implements core.Sink.
func (w *WebSocketSink) OnDelta(text string) {
	w.push(frame{Type: "delta", Text: text})
}

// OnFinal implements core.Sink. The terminal frame is followed by a done
// marker so clients can close cleanly.
func (w *WebSocketSink) OnFinal(result core.FinalResult) {
	w.push(frame{
		Type:       "final",
		Text:       result.Text,
		State:      string(result.State),
		SessionID:  result.SessionID,
		Iterations: result.Iterations,
	})
	w.push(frame{Type: "done"})
}

// OnError implements core.Sink.
func (w *WebSocketSink) OnError(err error) {
	w.push(frame{Type: "error", State: string(core.StateError), Error: err.Error()})
	w.push(frame{Type: "done"})
}

func (w *WebSocketSink) push(f frame) {
	w.mu.Lock()
	if w.broken {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		w.logger.Error("sink.ws.marshal_failed", "error", err.Error())
		return
	}

	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.logger.Warn("sink.ws.write_failed", "error", err.Error())
		w.mu.Lock()
		w.broken = true
		w.mu.Unlock()
	}
}
