package stream

import (
	"io"
	"os"
	"sync"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// segment is one fixed-size slice of the cached upload.
// While buf is non-nil the bytes are in memory; afterwards they live in the
// spill file at offset and are immutable.
type segment struct {
	buf    *[]byte
	offset int64
	stored int
	raw    int
	packed bool
}

// Cache holds an upload so that it can be read more than once.
//
// The cache fills itself from the source on a background goroutine. Readers
// created with NewReader start at offset zero and block until more bytes are
// available, so parsing can start before the upload is complete.
//
// Memory Behavior:
//   - The newest bytes are always in memory (the tail segment)
//   - Sealed segments spill to a temp file once MemoryLimit is exceeded
//   - Spilled segments are LZ4 compressed when that saves space
//   - Delete() releases everything
type Cache struct {
	cfg  CacheConfig
	pool BufferPool

	mu       sync.Mutex
	cond     *sync.Cond
	sealed   []*segment
	tail     *[]byte
	size     int64
	inMemory int64
	spilled  int
	done     bool
	err      error
	deleted  bool
	file     *os.File
	fileEnd  int64

	finished chan struct{}
}

// NewCache creates a cache and starts copying src into it.
//
// Parameters:
//   - src: Upload source; read until io.EOF or an error
//   - cfg: Cache configuration (defaults applied by Validate)
//
// Returns:
//   - *Cache: The filling cache; callers must call Delete() when done
//   - error: Invalid configuration
func NewCache(src io.Reader, cfg CacheConfig) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:      cfg,
		pool:     poolFor(cfg.SegmentSize),
		finished: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.tail = c.pool.Get()

	go c.fill(src)
	return c, nil
}

func (c *Cache) fill(src io.Reader) {
	defer close(c.finished)

	buf := make([]byte, c.cfg.ReadBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if appendErr := c.append(buf[:n]); appendErr != nil {
				c.finish(appendErr)
				return
			}
		}
		if err == io.EOF {
			c.finish(nil)
			return
		}
		if err != nil {
			c.finish(errors.Wrap(err, "stream: read upload"))
			return
		}
	}
}

func (c *Cache) append(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deleted {
		return ErrCacheDeleted
	}

	for len(p) > 0 {
		room := c.cfg.SegmentSize - len(*c.tail)
		n := min(room, len(p))
		*c.tail = append(*c.tail, p[:n]...)
		p = p[n:]
		c.size += int64(n)
		c.inMemory += int64(n)

		if len(*c.tail) == c.cfg.SegmentSize {
			c.sealed = append(c.sealed, &segment{buf: c.tail, raw: c.cfg.SegmentSize})
			c.tail = c.pool.Get()
			if err := c.spillLocked(); err != nil {
				return err
			}
		}
	}

	c.cond.Broadcast()
	return nil
}

// spillLocked moves the oldest in-memory sealed segments to disk until the
// memory budget is met again.
func (c *Cache) spillLocked() error {
	for c.inMemory > c.cfg.MemoryLimit && c.spilled < len(c.sealed) {
		if c.file == nil {
			f, err := os.CreateTemp(c.cfg.Dir, "bulkload-*.cache")
			if err != nil {
				return errors.Wrap(err, "stream: create spill file")
			}
			c.file = f
		}

		seg := c.sealed[c.spilled]
		data := (*seg.buf)[:seg.raw]
		stored, packed := data, false
		if c.cfg.Compress {
			if out, ok := compressSegment(data); ok {
				stored, packed = out, true
			}
		}

		if _, err := c.file.WriteAt(stored, c.fileEnd); err != nil {
			return errors.Wrap(err, "stream: write spill file")
		}

		seg.offset = c.fileEnd
		seg.stored = len(stored)
		seg.packed = packed
		c.fileEnd += int64(len(stored))

		c.pool.Put(seg.buf)
		seg.buf = nil
		c.inMemory -= int64(seg.raw)
		c.spilled++
	}
	return nil
}

func (c *Cache) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.done = true
	if err != nil && c.err == nil {
		c.err = err
	}
	c.cond.Broadcast()
}

// compressSegment returns the LZ4 block for data, or false when compression
// does not make the segment smaller.
func compressSegment(data []byte) ([]byte, bool) {
	out := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, out, nil)
	if err != nil || n == 0 || n >= len(data) {
		return nil, false
	}
	return out[:n], true
}

func (c *Cache) loadSegment(file *os.File, seg *segment) ([]byte, error) {
	stored := make([]byte, seg.stored)
	if _, err := file.ReadAt(stored, seg.offset); err != nil {
		return nil, errors.Wrap(err, "stream: read spill file")
	}
	if !seg.packed {
		return stored, nil
	}

	out := make([]byte, seg.raw)
	n, err := lz4.UncompressBlock(stored, out)
	if err != nil {
		return nil, errors.Wrap(err, "stream: decompress segment")
	}
	if n != seg.raw {
		return nil, errors.Errorf("stream: segment decompressed to %d bytes, expected %d", n, seg.raw)
	}
	return out, nil
}

// NewReader returns an independent reader positioned at the start of the
// upload. Read blocks while the fill is behind the reader.
func (c *Cache) NewReader() io.Reader {
	return &cacheReader{c: c, seg: -1}
}

// Peek returns up to n bytes from the start of the upload, waiting until n
// bytes are cached or the upload ended. It does not consume anything.
func (c *Cache) Peek(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(c.NewReader(), buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return buf[:read], err
}

// Wait blocks until the source has been fully copied and returns the fill error.
func (c *Cache) Wait() error {
	<-c.finished
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Size returns the number of bytes cached so far.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Spilled reports whether any segment has been written to disk.
func (c *Cache) Spilled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spilled > 0
}

// Delete removes the spill file and releases buffers. Later reads fail with
// ErrCacheDeleted. Delete is idempotent.
func (c *Cache) Delete() error {
	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return nil
	}
	c.deleted = true
	for _, seg := range c.sealed {
		if seg.buf != nil {
			c.pool.Put(seg.buf)
			seg.buf = nil
		}
	}
	c.pool.Put(c.tail)
	c.tail = nil
	file := c.file
	c.file = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	if file == nil {
		return nil
	}
	name := file.Name()
	closeErr := file.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "stream: remove spill file")
	}
	return errors.Wrap(closeErr, "stream: close spill file")
}

type cacheReader struct {
	c   *Cache
	pos int64
	seg int
	cur []byte
}

func (r *cacheReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	c := r.c
	c.mu.Lock()
	for !c.deleted && !c.done && r.pos >= c.size {
		c.cond.Wait()
	}
	if c.deleted {
		c.mu.Unlock()
		return 0, ErrCacheDeleted
	}
	if r.pos >= c.size {
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}

	segSize := int64(c.cfg.SegmentSize)
	idx := int(r.pos / segSize)
	within := int(r.pos % segSize)

	if idx >= len(c.sealed) {
		n := copy(p, (*c.tail)[within:])
		r.pos += int64(n)
		c.mu.Unlock()
		return n, nil
	}

	seg := c.sealed[idx]
	if seg.buf != nil {
		n := copy(p, (*seg.buf)[within:seg.raw])
		r.pos += int64(n)
		c.mu.Unlock()
		return n, nil
	}

	file := c.file
	c.mu.Unlock()

	if r.seg != idx {
		data, err := c.loadSegment(file, seg)
		if err != nil {
			return 0, err
		}
		r.cur = data
		r.seg = idx
	}

	n := copy(p, r.cur[within:])
	r.pos += int64(n)
	return n, nil
}
