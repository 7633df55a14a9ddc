// Package stream provides the byte-level plumbing for bulk uploads.
// It abstracts the complexity of holding an arbitrarily large upload so that it
// can be read more than once, and of feeding pushed chunks into that upload
// without buffering the whole payload in memory.
//
// Key Features:
// - Spillable cache that keeps recent segments in memory and spills to disk
// - LZ4 block compression for spilled segments
// - Bounded in-process pipe for push-based transports
// - Upload state machine with an idle-timeout end-of-stream detector
// - Chunked JSON array encoding for exporting stored rows
// - Efficient buffer pooling to minimize GC pressure
//
// Usage Example:
//
//	cache := stream.NewCache(req.Body, stream.DefaultCacheConfig())
//	defer cache.Delete()
//
//	// first pass: sniff the encoding and format
//	prefix, _ := cache.Peek(ctx, 8*1024)
//
//	// second pass: parse records from the beginning
//	r := cache.NewReader()
package stream

import (
	"os"

	"github.com/pkg/errors"
)

var (
	// ErrCacheDeleted is returned by readers of a cache that has been deleted.
	ErrCacheDeleted = errors.New("stream: cache deleted")

	// ErrPipeClosed is returned when writing to a pipe whose write end is closed.
	ErrPipeClosed = errors.New("stream: write on closed pipe")

	// ErrUploadClosed is returned when a chunk arrives after the upload stopped
	// accepting data and the session is not closing.
	ErrUploadClosed = errors.New("stream: chunk received after upload closed")
)

// CacheConfig defines configuration for the spillable cache.
// All fields are optional and have sensible defaults.
type CacheConfig struct {
	// SegmentSize is the size in bytes of one cache segment.
	// Segments are the unit of spilling and compression.
	//
	// Default: 64 * 1024 (64KB)
	SegmentSize int

	// MemoryLimit is the number of bytes kept in memory before sealed
	// segments are spilled to disk.
	//
	// Default: 32 * 1024 * 1024 (32MB)
	// Zero or negative after Validate() never happens; use 1 to spill everything.
	MemoryLimit int64

	// Dir is the directory for the spill file.
	//
	// Default: os.TempDir()
	Dir string

	// Compress enables LZ4 block compression for spilled segments.
	//
	// Default: true
	Compress bool

	// ReadBufferSize is the size of the buffer used to copy from the source.
	//
	// Default: 32 * 1024
	ReadBufferSize int
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		SegmentSize:    64 * 1024,
		MemoryLimit:    32 * 1024 * 1024,
		Dir:            os.TempDir(),
		Compress:       true,
		ReadBufferSize: 32 * 1024,
	}
}

// Validate checks if the configuration is valid and applies defaults.
func (c *CacheConfig) Validate() error {
	if c.SegmentSize < 0 || c.MemoryLimit < 0 || c.ReadBufferSize < 0 {
		return errors.New("stream: cache sizes must not be negative")
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = 64 * 1024
	}
	if c.MemoryLimit == 0 {
		c.MemoryLimit = 32 * 1024 * 1024
	}
	if c.Dir == "" {
		c.Dir = os.TempDir()
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = 32 * 1024
	}
	return nil
}

// BufferPool manages a pool of byte buffers to reduce allocations.
// It uses sync.Pool internally for efficient reuse.
type BufferPool interface {
	// Get retrieves a buffer from the pool.
	// The buffer is reset to zero length but retains its capacity.
	//
	// Usage:
	//   buf := pool.Get()
	//   defer pool.Put(buf)
	//   *buf = append(*buf, data...)
	Get() *[]byte

	// Put returns a buffer to the pool for reuse.
	// The buffer should not be used after calling Put().
	// Passing nil is safe (no-op).
	Put(buf *[]byte)

	// GetInitialSize returns the initial capacity of buffers from this pool.
	GetInitialSize() int
}
