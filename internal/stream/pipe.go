package stream

import (
	"io"
	"sync"
)

// DefaultPipeSize is the capacity of the in-process upload pipe.
const DefaultPipeSize = 10 * 1024 * 1024

// Pipe is a bounded in-process byte pipe.
// Unlike io.Pipe it buffers up to its capacity, so the writer only blocks when
// the reader falls more than one capacity behind.
type Pipe struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf   []byte
	start int
	count int

	writeClosed bool
	readClosed  bool
	writeErr    error
}

// NewPipe creates a pipe holding at most size bytes.
func NewPipe(size int) *Pipe {
	if size <= 0 {
		size = DefaultPipeSize
	}
	p := &Pipe{buf: make([]byte, size)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Write copies b into the pipe, blocking while the pipe is full.
// It fails with ErrPipeClosed once the write end is closed and with
// io.ErrClosedPipe once the reader went away.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	written := 0
	for len(b) > 0 {
		for p.count == len(p.buf) && !p.writeClosed && !p.readClosed {
			p.cond.Wait()
		}
		if p.writeClosed {
			return written, ErrPipeClosed
		}
		if p.readClosed {
			return written, io.ErrClosedPipe
		}

		end := (p.start + p.count) % len(p.buf)
		free := len(p.buf) - p.count
		chunk := min(free, len(b))
		if end+chunk > len(p.buf) {
			first := copy(p.buf[end:], b[:chunk])
			copy(p.buf, b[first:chunk])
		} else {
			copy(p.buf[end:], b[:chunk])
		}

		p.count += chunk
		written += chunk
		b = b[chunk:]
		p.cond.Broadcast()
	}
	return written, nil
}

// Read reads buffered bytes, blocking while the pipe is empty and still open.
// After the write end closes, buffered bytes are still returned before io.EOF.
func (p *Pipe) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.count == 0 && !p.writeClosed && !p.readClosed {
		p.cond.Wait()
	}
	if p.readClosed {
		return 0, io.ErrClosedPipe
	}
	if p.count == 0 {
		if p.writeErr != nil {
			return 0, p.writeErr
		}
		return 0, io.EOF
	}

	n := min(p.count, len(b))
	first := min(n, len(p.buf)-p.start)
	copy(b, p.buf[p.start:p.start+first])
	copy(b[first:n], p.buf[:n-first])

	p.start = (p.start + n) % len(p.buf)
	p.count -= n
	p.cond.Broadcast()
	return n, nil
}

// CloseWrite closes the write end; the reader sees io.EOF after draining.
func (p *Pipe) CloseWrite() error {
	return p.CloseWithError(nil)
}

// CloseWithError closes the write end; the reader sees err after draining.
// Only the first close decides the error.
func (p *Pipe) CloseWithError(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.writeClosed {
		p.writeClosed = true
		p.writeErr = err
	}
	p.cond.Broadcast()
	return nil
}

// CloseRead closes the read end and releases any blocked writer.
func (p *Pipe) CloseRead() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readClosed = true
	p.cond.Broadcast()
	return nil
}

// WriteClosed reports whether the write end has been closed.
func (p *Pipe) WriteClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeClosed
}

// Buffered returns the number of bytes waiting to be read.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
