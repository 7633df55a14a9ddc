package stream

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu      sync.Mutex
	data    string
	endedAt time.Time
	err     error
}

func (c *collector) consume(r io.Reader) error {
	data, err := io.ReadAll(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = string(data)
	c.endedAt = time.Now()
	c.err = err
	return err
}

func (c *collector) snapshot() (string, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, c.endedAt, c.err
}

func TestUpload_Lifecycle(t *testing.T) {
	t.Run("consumer starts on first chunk", func(t *testing.T) {
		c := &collector{}
		u := NewUpload(UploadConfig{PipeSize: 64, IdleTimeout: time.Second}, c.consume)

		if u.State() != StateOpen {
			t.Errorf("Expected OPEN, got %s", u.State())
		}
		if u.Started() {
			t.Error("Expected consumer not to be started before any chunk")
		}

		if err := u.Write([]byte("a,b\n")); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if u.State() != StateReceiving {
			t.Errorf("Expected RECEIVING, got %s", u.State())
		}

		u.ClientClosed()
		if err := u.Close(); err != nil {
			t.Fatalf("Unexpected close error: %v", err)
		}

		data, _, _ := c.snapshot()
		if data != "a,b\n" {
			t.Errorf("Expected consumer to read the chunk, got %q", data)
		}
		if u.Reason() != StateClientClosed {
			t.Errorf("Expected CLIENT_CLOSED reason, got %s", u.Reason())
		}
		if u.State() != StateClosed {
			t.Errorf("Expected CLOSED, got %s", u.State())
		}
	})

	t.Run("idle timeout synthesizes end of stream", func(t *testing.T) {
		idle := 150 * time.Millisecond
		c := &collector{}
		u := NewUpload(UploadConfig{PipeSize: 64, IdleTimeout: idle}, c.consume)

		u.Write([]byte("x"))
		time.Sleep(idle / 3)
		lastChunk := time.Now()
		u.Write([]byte("y"))

		select {
		case <-u.Done():
		case <-time.After(5 * idle):
			t.Fatal("Expected consumer to finish after idle timeout")
		}

		data, endedAt, _ := c.snapshot()
		if data != "xy" {
			t.Errorf("Expected xy, got %q", data)
		}
		elapsed := endedAt.Sub(lastChunk)
		epsilon := 50 * time.Millisecond
		if elapsed < idle-epsilon {
			t.Errorf("End of stream came too early: %v", elapsed)
		}
		if elapsed > idle+2*epsilon {
			t.Errorf("End of stream came too late: %v", elapsed)
		}
		if u.Reason() != StateIdleTimeout {
			t.Errorf("Expected IDLE_TIMEOUT, got %s", u.Reason())
		}
		u.Close()
	})

	t.Run("chunk after timeout", func(t *testing.T) {
		block := make(chan struct{})
		u := NewUpload(UploadConfig{PipeSize: 64, IdleTimeout: 30 * time.Millisecond}, func(r io.Reader) error {
			io.ReadAll(r)
			<-block
			return nil
		})

		u.Write([]byte("x"))
		time.Sleep(100 * time.Millisecond)

		if err := u.Write([]byte("late")); err != ErrUploadClosed {
			t.Errorf("Expected ErrUploadClosed while not closing, got %v", err)
		}

		u.SetClosing()
		if err := u.Write([]byte("later")); err != nil {
			t.Errorf("Expected late chunk to be ignored while closing, got %v", err)
		}

		close(block)
		u.Close()
	})

	t.Run("transport failure reaches consumer", func(t *testing.T) {
		c := &collector{}
		u := NewUpload(UploadConfig{PipeSize: 64, IdleTimeout: time.Second}, c.consume)

		u.Write([]byte("partial"))
		boom := errors.New("connection reset")
		u.Fail(boom)

		if err := u.Close(); err != boom {
			t.Errorf("Expected consumer error boom, got %v", err)
		}
		if u.Reason() != StateError {
			t.Errorf("Expected ERROR, got %s", u.Reason())
		}
	})

	t.Run("close is idempotent without data", func(t *testing.T) {
		u := NewUpload(UploadConfig{}, func(r io.Reader) error {
			t.Error("Consumer must not start without data")
			return nil
		})

		if err := u.Close(); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
		if err := u.Close(); err != nil {
			t.Errorf("Unexpected error on second close: %v", err)
		}
		if u.State() != StateClosed {
			t.Errorf("Expected CLOSED, got %s", u.State())
		}
	})

	t.Run("read from frame reader", func(t *testing.T) {
		c := &collector{}
		u := NewUpload(UploadConfig{PipeSize: 1024, IdleTimeout: time.Second}, c.consume)

		n, err := u.ReadFrom(strings.NewReader("{\"A\":1}\n"))
		if err != nil || n != 8 {
			t.Fatalf("Expected 8 bytes relayed, got %d, %v", n, err)
		}
		u.Close()

		data, _, _ := c.snapshot()
		if data != "{\"A\":1}\n" {
			t.Errorf("Unexpected data %q", data)
		}
	})
}

func TestUploadState_String(t *testing.T) {
	states := map[UploadState]string{
		StateOpen:         "OPEN",
		StateReceiving:    "RECEIVING",
		StateIdleTimeout:  "IDLE_TIMEOUT",
		StateClientClosed: "CLIENT_CLOSED",
		StateError:        "ERROR",
		StateClosed:       "CLOSED",
	}
	for state, expected := range states {
		if state.String() != expected {
			t.Errorf("Expected %s, got %s", expected, state.String())
		}
	}
}
