package progress

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
)

const closeWriteWait = time.Second

// MessageWriter is the write half of a WebSocket connection.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// WebSocketSink sends each event payload as one text message. Writes are
// serialized because a WebSocket connection allows a single writer.
type WebSocketSink struct {
	mu     sync.Mutex
	conn   MessageWriter
	closed bool
}

// NewWebSocketSink wraps conn.
func NewWebSocketSink(conn MessageWriter) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

// Send implements Sink.
func (s *WebSocketSink) Send(ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// CloseWith sends a close frame with the given status code. Only the first
// call has an effect.
func (s *WebSocketSink) CloseWith(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	msg := websocket.FormatCloseMessage(code, truncateReason(reason))
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
}

// maxCloseReason is the 125 byte control payload minus the status code.
const maxCloseReason = 123

// truncateReason shortens reason to fit a close frame without splitting a
// UTF-8 sequence.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// Closed reports whether a close frame was sent.
func (s *WebSocketSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
