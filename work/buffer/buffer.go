package buffer

import (
	"errors"
	"io"
	"net/http"

	"github.com/valyala/bytebufferpool"
)

// ErrTooLarge is returned by ReadAll when the body exceeds the limit.
var ErrTooLarge = errors.New("body exceeds size limit")

// BufferPool is a thread-safe pool of byte buffers backed by
// valyala/bytebufferpool. It serves two jobs: fixed-size chunks for relaying
// segment bytes and growable buffers for reading playlists and API bodies.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a new BufferPool whose chunks are bufferSize bytes.
func NewBufferPool(bufferSize int64) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = 32 * 1024
	}
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a buffer from the pool with at least bufferSize capacity
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// Copy relays src to dst chunk by chunk, flushing after every chunk when dst
// supports it so the client sees bytes as they arrive. It stops at the first
// write error, which is how a client disconnect surfaces.
func (bp *BufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := bp.Get()
	defer bp.Put(buf)

	chunk := buf.B[:bp.bufferSize]
	flusher, _ := dst.(http.Flusher)

	var written int64
	for {
		n, rerr := src.Read(chunk)
		if n > 0 {
			wn, werr := dst.Write(chunk[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if wn != n {
				return written, io.ErrShortWrite
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// ReadAll reads r into a pooled buffer and returns a private copy. Bodies
// larger than limit return ErrTooLarge. limit <= 0 means no limit.
func (bp *BufferPool) ReadAll(r io.Reader, limit int64) ([]byte, error) {
	buf := bp.pool.Get()
	defer bp.pool.Put(buf)
	buf.Reset()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := buf.ReadFrom(src)
	if err != nil {
		return nil, err
	}
	if limit > 0 && n > limit {
		return nil, ErrTooLarge
	}

	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out, nil
}
