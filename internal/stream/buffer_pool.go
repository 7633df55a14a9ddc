package stream

import "sync"

// bufferPool implements BufferPool using sync.Pool.
// Every buffer handed out starts with the same capacity, which for the cache is
// the segment size so that a full segment never has to grow.
//
// Memory Behavior:
//   - Buffers are allocated on heap (required for sync.Pool)
//   - Sealed cache segments hold on to their buffer until spilled or deleted
//   - Unused buffers are garbage collected during GC
type bufferPool struct {
	pool        *sync.Pool
	initialSize int
}

// NewBufferPool creates a new buffer pool with the specified initial capacity.
//
// Parameters:
//   - initialSize: Initial capacity in bytes for each buffer
//
// Returns:
//   - BufferPool: Thread-safe buffer pool
//
// Recommended Sizes:
//   - 4KB: WebSocket text frames
//   - 64KB: Cache segments (default)
func NewBufferPool(initialSize int) BufferPool {
	if initialSize <= 0 {
		initialSize = 64 * 1024
	}

	return &bufferPool{
		initialSize: initialSize,
		pool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 0, initialSize)
				return &buf
			},
		},
	}
}

// Get retrieves a buffer from the pool with len=0.
//
// Usage Pattern:
//
//	buf := pool.Get()
//	defer pool.Put(buf)
//	*buf = append(*buf, data...)
func (p *bufferPool) Get() *[]byte {
	buf := p.pool.Get().(*[]byte)

	// Old data must not be visible to the next user
	*buf = (*buf)[:0]

	return buf
}

// Put returns a buffer to the pool for future reuse.
// Buffers that grew past four times the initial size are dropped so that one
// oversized chunk does not pin memory for the lifetime of the process.
func (p *bufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	if cap(*buf) > 4*p.initialSize {
		return
	}
	p.pool.Put(buf)
}

// GetInitialSize returns the initial capacity of buffers from this pool.
func (p *bufferPool) GetInitialSize() int {
	return p.initialSize
}

// segmentPools shares pools between caches that use the same segment size.
var (
	segmentPoolsMu sync.Mutex
	segmentPools   = map[int]BufferPool{}
)

// poolFor returns the shared pool for the given buffer size.
func poolFor(size int) BufferPool {
	segmentPoolsMu.Lock()
	defer segmentPoolsMu.Unlock()

	p, ok := segmentPools[size]
	if !ok {
		p = NewBufferPool(size)
		segmentPools[size] = p
	}
	return p
}

// GetBuffer retrieves a buffer from the default 64KB pool.
func GetBuffer() *[]byte {
	return poolFor(64 * 1024).Get()
}

// PutBuffer returns a buffer to the default 64KB pool.
func PutBuffer(buf *[]byte) {
	poolFor(64 * 1024).Put(buf)
}
