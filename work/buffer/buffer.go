package buffer

import (
	"errors"
	"io"

	"github.com/valyala/bytebufferpool"
)

// ErrTooLarge is returned by ReadAll when a body exceeds the pool's limit.
var ErrTooLarge = errors.New("buffer: body exceeds size limit")

// BufferPool hands out reusable byte buffers for the routes that must materialize a
// whole upstream body (images and playlists) before responding.
type BufferPool struct {
	pool     bytebufferpool.Pool
	initSize int
	maxSize  int64
}

// NewBufferPool creates a pool whose buffers start with initSize capacity. maxSize
// caps ReadAll; zero or negative means no cap.
func NewBufferPool(initSize int, maxSize int64) *BufferPool {
	return &BufferPool{
		initSize: initSize,
		maxSize:  maxSize,
	}
}

// Get returns an empty buffer with at least the configured capacity.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.initSize {
		buf.B = make([]byte, 0, bp.initSize)
	}
	return buf
}

// Put returns buf to the pool. Callers must not touch buf afterwards.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// ReadAll drains r into a pooled buffer. On error the buffer has already been
// returned and nil is given back.
func (bp *BufferPool) ReadAll(r io.Reader) (*bytebufferpool.ByteBuffer, error) {
	buf := bp.Get()

	src := r
	if bp.maxSize > 0 {
		src = io.LimitReader(r, bp.maxSize+1)
	}

	if _, err := buf.ReadFrom(src); err != nil {
		bp.Put(buf)
		return nil, err
	}
	if bp.maxSize > 0 && int64(buf.Len()) > bp.maxSize {
		bp.Put(buf)
		return nil, ErrTooLarge
	}
	return buf, nil
}
