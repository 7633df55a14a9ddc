package progress

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	times  []time.Time
	err    error
}

func (s *recordingSink) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	s.times = append(s.times, time.Now())
	return nil
}

func (s *recordingSink) snapshot() ([]Event, []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...), append([]time.Time(nil), s.times...)
}

func TestReporter_EveryNotification(t *testing.T) {
	sink := &recordingSink{}
	state := NewState(time.Now())
	count := 0
	var countMu sync.Mutex
	r := NewReporter(0, state, sink, func() interface{} {
		countMu.Lock()
		defer countMu.Unlock()
		return count
	}, nil)
	r.Start()

	for i := 0; i < 5; i++ {
		countMu.Lock()
		count++
		countMu.Unlock()
		r.Notify()
		time.Sleep(5 * time.Millisecond)
	}
	r.Complete()

	events, _ := sink.snapshot()
	if len(events) == 0 {
		t.Fatal("Expected progress events")
	}
	for i, ev := range events {
		if ev.ID != int64(i) {
			t.Errorf("Expected event id %d, got %d", i, ev.ID)
		}
		if ev.Kind != EventProgress {
			t.Errorf("Expected progress kind, got %s", ev.Kind)
		}
	}
	if state.PeekEventID() != int64(len(events)) {
		t.Errorf("Expected next id %d, got %d", len(events), state.PeekEventID())
	}
}

func TestReporter_Period(t *testing.T) {
	period := 40 * time.Millisecond
	sink := &recordingSink{}
	r := NewReporter(period, NewState(time.Now()), sink, func() interface{} { return "x" }, nil)
	r.Start()

	// bursts of notifications must not raise the cadence
	deadline := time.Now().Add(5 * period)
	for time.Now().Before(deadline) {
		r.Notify()
		time.Sleep(time.Millisecond)
	}
	r.Complete()

	events, times := sink.snapshot()
	if len(events) < 2 || len(events) > 6 {
		t.Fatalf("Expected about 5 events, got %d", len(events))
	}
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < period-10*time.Millisecond {
			t.Errorf("Events %d and %d only %v apart", i-1, i, gap)
		}
		if events[i].ID != events[i-1].ID+1 {
			t.Errorf("Expected consecutive ids, got %d then %d", events[i-1].ID, events[i].ID)
		}
	}
}

func TestReporter_Complete(t *testing.T) {
	t.Run("wakes a long wait", func(t *testing.T) {
		r := NewReporter(time.Hour, NewState(time.Now()), &recordingSink{}, func() interface{} { return nil }, nil)
		r.Start()

		start := time.Now()
		r.Complete()
		if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
			t.Errorf("Expected prompt exit, took %v", elapsed)
		}
		r.Complete()
	})

	t.Run("nil sink never starts", func(t *testing.T) {
		r := NewReporter(0, NewState(time.Now()), nil, func() interface{} { return nil }, nil)
		r.Start()
		if r.Started() {
			t.Error("Expected reporter without sink to stay idle")
		}
		r.Complete()
	})

	t.Run("no start after complete", func(t *testing.T) {
		r := NewReporter(0, NewState(time.Now()), &recordingSink{}, func() interface{} { return nil }, nil)
		r.Complete()
		r.Start()
		if r.Started() {
			t.Error("Expected completed reporter not to start")
		}
	})
}

func TestReporter_SendError(t *testing.T) {
	boom := errors.New("broken pipe")
	sink := &recordingSink{err: boom}
	r := NewReporter(0, NewState(time.Now()), sink, func() interface{} { return 1 }, nil)
	r.Start()
	r.Notify()

	deadline := time.Now().Add(time.Second)
	for r.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	r.Complete()

	if r.Err() != boom {
		t.Errorf("Expected send error to be kept, got %v", r.Err())
	}
}

func TestSSESink_Send(t *testing.T) {
	w := httptest.NewRecorder()
	sink := NewSSESink(w)
	if sink.Started() {
		t.Fatal("Expected headers to be deferred")
	}

	if err := sink.Send(Event{ID: 7, Kind: EventCompleted, Data: map[string]int{"loaded": 2}}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}
	body := w.Body.String()
	for _, part := range []string{"id:7\n", "event:completed\n", "retry:5000\n", `data:{"loaded":2}`} {
		if !strings.Contains(body, part) {
			t.Errorf("Expected %q in body %q", part, body)
		}
	}

	sink.Close()
	if err := sink.Send(Event{}); err != ErrSinkClosed {
		t.Errorf("Expected ErrSinkClosed, got %v", err)
	}
}

type fakeConn struct {
	messages []string
	closes   [][]byte
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.messages = append(f.messages, string(data))
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.closes = append(f.closes, data)
	return nil
}

func TestWebSocketSink(t *testing.T) {
	conn := &fakeConn{}
	sink := NewWebSocketSink(conn)

	sink.Send(Event{ID: 1, Kind: EventProgress, Data: map[string]string{"status": "IN_PROGRESS"}})
	if len(conn.messages) != 1 || conn.messages[0] != `{"status":"IN_PROGRESS"}` {
		t.Errorf("Unexpected messages %v", conn.messages)
	}

	sink.CloseWith(websocket.CloseInternalServerErr, strings.Repeat("x", 300))
	sink.CloseWith(websocket.CloseNormalClosure, "")
	if len(conn.closes) != 1 {
		t.Fatalf("Expected exactly one close frame, got %d", len(conn.closes))
	}
	if len(conn.closes[0]) > 125 {
		t.Errorf("Close frame too long: %d", len(conn.closes[0]))
	}
	if err := sink.Send(Event{}); err != ErrSinkClosed {
		t.Errorf("Expected ErrSinkClosed, got %v", err)
	}
}

func TestTruncateReason(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   int
	}{
		{"short", "load aborted", 12},
		{"ascii", strings.Repeat("x", 300), 123},
		// 61 two-byte runes end at byte 122; the 62nd would straddle the limit
		{"multi-byte", strings.Repeat("é", 100), 122},
		{"three-byte", "x" + strings.Repeat("€", 60), 121},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateReason(tt.reason)
			if len(got) != tt.want {
				t.Errorf("Expected %d bytes, got %d", tt.want, len(got))
			}
			if !utf8.ValidString(got) {
				t.Errorf("Expected valid UTF-8, got %q", got)
			}
		})
	}
}
