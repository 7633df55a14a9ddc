package stream

import (
	"context"
	"database/sql"

	json "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// ChunkConfig defines how exported items are grouped into response chunks.
type ChunkConfig struct {
	// ChunkThreshold is the encoded size after which a chunk is emitted.
	//
	// Default: 32 * 1024
	ChunkThreshold int

	// BufferSize is the initial capacity of pooled chunk buffers.
	//
	// Default: 50 * 1024
	BufferSize int

	// ChannelBuffer is the number of chunks queued ahead of the writer.
	//
	// Default: 4
	ChannelBuffer int
}

// DefaultChunkConfig returns the default export configuration.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		ChunkThreshold: 32 * 1024,
		BufferSize:     50 * 1024,
		ChannelBuffer:  4,
	}
}

// Validate applies defaults to zero fields.
func (c *ChunkConfig) Validate() error {
	if c.ChunkThreshold < 0 || c.BufferSize < 0 || c.ChannelBuffer < 0 {
		return errors.New("stream: chunk sizes must not be negative")
	}
	def := DefaultChunkConfig()
	if c.ChunkThreshold == 0 {
		c.ChunkThreshold = def.ChunkThreshold
	}
	if c.BufferSize == 0 {
		c.BufferSize = def.BufferSize
	}
	if c.ChannelBuffer == 0 {
		c.ChannelBuffer = def.ChannelBuffer
	}
	return nil
}

// Fetcher starts producing items. The item channel is closed when the source
// is exhausted or fails; a failure is sent on the error channel before that.
type Fetcher[T any] func(ctx context.Context) (<-chan T, <-chan error)

// RowScanner converts the current row into an item.
type RowScanner[T any] func(rows *sql.Rows) (T, error)

// RowsFetcher streams SQL rows through scan. The rows are closed when the
// fetcher finishes.
func RowsFetcher[T any](rows *sql.Rows, scan RowScanner[T]) Fetcher[T] {
	return func(ctx context.Context) (<-chan T, <-chan error) {
		items := make(chan T, 10)
		errs := make(chan error, 1)

		go func() {
			defer close(items)
			defer close(errs)
			defer rows.Close()

			for rows.Next() {
				item, err := scan(rows)
				if err != nil {
					errs <- errors.Wrap(err, "scan row")
					return
				}
				select {
				case items <- item:
				case <-ctx.Done():
					return
				}
			}
			if err := rows.Err(); err != nil {
				errs <- errors.Wrap(err, "iterate rows")
			}
		}()

		return items, errs
	}
}

// SliceFetcher streams the items of a slice.
func SliceFetcher[T any](items []T) Fetcher[T] {
	return func(ctx context.Context) (<-chan T, <-chan error) {
		out := make(chan T)
		errs := make(chan error)
		go func() {
			defer close(out)
			defer close(errs)
			for _, item := range items {
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, errs
	}
}

// Chunk is one part of an encoded JSON array. Call Release once the bytes
// have been written.
type Chunk struct {
	buf  *[]byte
	pool BufferPool
	Err  error
}

// Bytes returns the encoded bytes of the chunk.
func (c Chunk) Bytes() []byte {
	if c.buf == nil {
		return nil
	}
	return *c.buf
}

// Release returns the chunk's buffer to its pool.
func (c Chunk) Release() {
	if c.buf != nil && c.pool != nil {
		c.pool.Put(c.buf)
	}
}

// ArrayEncoder turns fetched items into chunks of one JSON array.
type ArrayEncoder struct {
	config ChunkConfig
	pool   BufferPool
}

// NewArrayEncoder creates an encoder with the given configuration.
func NewArrayEncoder(config ChunkConfig) (*ArrayEncoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &ArrayEncoder{config: config, pool: NewBufferPool(config.BufferSize)}, nil
}

// EncodeArray encodes every fetched item into a JSON array delivered in
// chunks. The returned channel is closed after the closing bracket, after an
// error chunk, or when ctx is cancelled.
func EncodeArray[T any](ctx context.Context, enc *ArrayEncoder, fetch Fetcher[T]) <-chan Chunk {
	out := make(chan Chunk, enc.config.ChannelBuffer)

	go func() {
		defer close(out)

		buf := enc.pool.Get()
		emit := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				c.Release()
				return false
			}
		}
		fail := func(err error) {
			enc.pool.Put(buf)
			emit(Chunk{Err: err})
		}

		*buf = append(*buf, '[')
		items, errs := fetch(ctx)
		first := true

		for item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				fail(errors.Wrap(err, "encode item"))
				return
			}
			if !first {
				*buf = append(*buf, ',')
			}
			first = false
			*buf = append(*buf, data...)

			if len(*buf) > enc.config.ChunkThreshold {
				if !emit(Chunk{buf: buf, pool: enc.pool}) {
					return
				}
				buf = enc.pool.Get()
			}
		}

		if err := ctx.Err(); err != nil {
			enc.pool.Put(buf)
			return
		}
		if err := <-errs; err != nil {
			fail(err)
			return
		}

		*buf = append(*buf, ']')
		emit(Chunk{buf: buf, pool: enc.pool})
	}()

	return out
}
