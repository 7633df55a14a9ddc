package stream

import (
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// UploadState is the lifecycle state of a pushed upload.
type UploadState int

const (
	// StateOpen means the session is open and no chunk has arrived yet.
	StateOpen UploadState = iota
	// StateReceiving means at least one chunk arrived and the consumer runs.
	StateReceiving
	// StateIdleTimeout means no chunk arrived within the idle window.
	StateIdleTimeout
	// StateClientClosed means the client closed the session.
	StateClientClosed
	// StateError means the transport failed.
	StateError
	// StateClosed means the pipe is closed and the consumer has been joined.
	StateClosed
)

func (s UploadState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateReceiving:
		return "RECEIVING"
	case StateIdleTimeout:
		return "IDLE_TIMEOUT"
	case StateClientClosed:
		return "CLIENT_CLOSED"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DefaultIdleTimeout is the default window after which a silent upload is
// treated as finished.
const DefaultIdleTimeout = 3 * time.Second

// UploadConfig configures an Upload.
type UploadConfig struct {
	// PipeSize is the capacity of the pipe between producer and consumer.
	//
	// Default: DefaultPipeSize (10MB)
	PipeSize int

	// IdleTimeout is how long the upload waits for the next chunk before
	// closing the write end of the pipe.
	//
	// Default: DefaultIdleTimeout (3s)
	IdleTimeout time.Duration
}

// Consumer reads the upload until io.EOF. It runs on its own goroutine.
type Consumer func(r io.Reader) error

// Upload relays chunks pushed by a client into a consumer.
//
// State machine:
//
//	OPEN -> RECEIVING -> IDLE_TIMEOUT | CLIENT_CLOSED | ERROR -> CLOSED
//
// The consumer is started by the first chunk. An idle monitor closes the
// write end of the pipe when no chunk arrives within IdleTimeout, which the
// consumer observes as a normal end of stream.
type Upload struct {
	cfg     UploadConfig
	consume Consumer
	pipe    *Pipe
	group   errgroup.Group

	mu        sync.Mutex
	state     UploadState
	reason    UploadState
	lastChunk time.Time
	inFlight  int
	closing   bool
	started   bool

	consumerDone chan struct{}
	stopMonitor  chan struct{}
	closeOnce    sync.Once
	closeErr     error
}

// NewUpload creates an upload in the OPEN state. Nothing runs until the first
// chunk arrives.
func NewUpload(cfg UploadConfig, consume Consumer) *Upload {
	if cfg.PipeSize <= 0 {
		cfg.PipeSize = DefaultPipeSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	return &Upload{
		cfg:          cfg,
		consume:      consume,
		pipe:         NewPipe(cfg.PipeSize),
		state:        StateOpen,
		reason:       StateOpen,
		consumerDone: make(chan struct{}),
		stopMonitor:  make(chan struct{}),
	}
}

// Write relays one chunk. A chunk arriving after the write end closed is
// dropped silently while the upload is closing and reported as
// ErrUploadClosed otherwise.
func (u *Upload) Write(chunk []byte) error {
	accepted, err := u.beginChunk()
	if !accepted {
		return err
	}
	defer u.endChunk()

	if _, err := u.pipe.Write(chunk); err != nil {
		return u.rejectChunk()
	}
	return nil
}

// ReadFrom relays one chunk supplied as a reader, copying it through a
// pooled buffer.
func (u *Upload) ReadFrom(r io.Reader) (int64, error) {
	accepted, err := u.beginChunk()
	if !accepted {
		return 0, err
	}
	defer u.endChunk()

	buf := GetBuffer()
	defer PutBuffer(buf)

	n, err := io.CopyBuffer(u.pipe, r, (*buf)[:cap(*buf)])
	if err == ErrPipeClosed || err == io.ErrClosedPipe {
		return n, u.rejectChunk()
	}
	return n, err
}

// beginChunk stamps the chunk and, on the first one, starts the consumer and
// the idle monitor. A declined chunk comes back with accepted=false and the
// error to report, if any.
func (u *Upload) beginChunk() (accepted bool, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case StateOpen:
		u.state = StateReceiving
		u.reason = StateReceiving
		u.started = true
		u.group.Go(u.runConsumer)
		u.group.Go(u.runMonitor)
	case StateReceiving:
	default:
		if u.closing {
			return false, nil
		}
		return false, ErrUploadClosed
	}

	u.lastChunk = time.Now()
	u.inFlight++
	return true, nil
}

func (u *Upload) endChunk() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.inFlight--
	u.lastChunk = time.Now()
}

func (u *Upload) rejectChunk() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closing {
		return nil
	}
	return ErrUploadClosed
}

func (u *Upload) runConsumer() error {
	defer close(u.consumerDone)

	err := u.consume(u.pipe)

	u.mu.Lock()
	u.closing = true
	u.mu.Unlock()

	// Release a producer blocked on a full pipe.
	u.pipe.CloseRead()
	return err
}

func (u *Upload) runMonitor() error {
	timer := time.NewTimer(u.cfg.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-u.stopMonitor:
			return nil
		case <-u.consumerDone:
			return nil
		case <-timer.C:
		}

		u.mu.Lock()
		if u.state != StateReceiving {
			u.mu.Unlock()
			return nil
		}
		idle := time.Since(u.lastChunk)
		if u.inFlight == 0 && idle >= u.cfg.IdleTimeout {
			u.endLocked(StateIdleTimeout)
			u.mu.Unlock()
			u.pipe.CloseWrite()
			return nil
		}
		u.mu.Unlock()

		wait := u.cfg.IdleTimeout - idle
		if wait <= 0 {
			wait = u.cfg.IdleTimeout
		}
		timer.Reset(wait)
	}
}

// endLocked moves a live upload into a terminal state. It reports false when a
// terminal state was already reached.
func (u *Upload) endLocked(reason UploadState) bool {
	if u.state != StateOpen && u.state != StateReceiving {
		return false
	}
	u.state = reason
	u.reason = reason
	return true
}

// ClientClosed records that the client closed the session. Data already in
// the pipe is still consumed.
func (u *Upload) ClientClosed() {
	u.mu.Lock()
	ended := u.endLocked(StateClientClosed)
	u.closing = true
	u.mu.Unlock()

	if ended {
		u.pipe.CloseWrite()
	}
}

// Fail records a transport failure; the consumer reads err instead of io.EOF.
func (u *Upload) Fail(err error) {
	u.mu.Lock()
	ended := u.endLocked(StateError)
	u.closing = true
	u.mu.Unlock()

	if ended {
		u.pipe.CloseWithError(err)
	}
}

// SetClosing marks the session as closing so late chunks are dropped quietly.
func (u *Upload) SetClosing() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closing = true
}

// Started reports whether a chunk has ever been received.
func (u *Upload) Started() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.started
}

// State returns the current state.
func (u *Upload) State() UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Reason returns the terminal state that ended the upload, or the live state
// while it is still running.
func (u *Upload) Reason() UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.reason
}

// Done is closed when the consumer returns. It never closes if no chunk
// ever arrived.
func (u *Upload) Done() <-chan struct{} {
	return u.consumerDone
}

// Close ends the upload if it is still live, joins the consumer and the idle
// monitor, and returns the consumer's error. Close is idempotent.
func (u *Upload) Close() error {
	u.closeOnce.Do(func() {
		u.mu.Lock()
		ended := u.endLocked(StateClientClosed)
		u.closing = true
		u.mu.Unlock()

		if ended {
			u.pipe.CloseWrite()
		}
		close(u.stopMonitor)

		u.closeErr = u.group.Wait()

		u.mu.Lock()
		u.state = StateClosed
		u.mu.Unlock()
	})
	return u.closeErr
}
