package progress

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-contrib/sse"
	json "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// ErrSinkClosed is returned when sending on a closed sink.
var ErrSinkClosed = errors.New("progress: sink is closed")

// SSERetryMillis is the reconnect delay advertised on every event.
const SSERetryMillis = 5000

// SSESink writes events as a text/event-stream response. Headers are sent
// with the first event, so a request that fails before any event can still
// get an ordinary error response.
type SSESink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	started bool
	closed  bool
}

// NewSSESink wraps w.
func NewSSESink(w http.ResponseWriter) *SSESink {
	return &SSESink{w: w}
}

// Started reports whether the event stream has begun.
func (s *SSESink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Send implements Sink.
func (s *SSESink) Send(ev Event) error {
	data, err := json.MarshalToString(ev.Data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", sse.ContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	err = sse.Encode(s.w, sse.Event{
		Id:    strconv.FormatInt(ev.ID, 10),
		Event: string(ev.Kind),
		Retry: SSERetryMillis,
		Data:  data,
	})
	if err != nil {
		return err
	}
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// Close marks the stream finished. Later sends fail.
func (s *SSESink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
