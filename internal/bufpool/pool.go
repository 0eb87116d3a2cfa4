// Package bufpool recycles the fixed-size buffers used to stream chunk and
// file contents between readers and writers.
package bufpool

import (
	"io"
	"sync"
)

// DefaultSize is the buffer size of the package-level pool.
const DefaultSize = 256 * 1024

var defaultPool = New(DefaultSize)

// Pool hands out buffers of one size. Buffers are kept behind pointers so
// Put does not allocate.
type Pool struct {
	pool sync.Pool
	size int
}

// New returns a pool of size-byte buffers. It panics if size is not
// positive.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of exactly Size bytes.
func (p *Pool) Get() []byte {
	b := *p.pool.Get().(*[]byte)
	if cap(b) < p.size {
		return make([]byte, p.size)
	}
	return b[:p.size]
}

// Put recycles buf. Buffers smaller than Size are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// Size returns the buffer size.
func (p *Pool) Size() int {
	return p.size
}

// Copy copies src to dst through a pooled buffer.
func (p *Pool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := p.Get()
	defer p.Put(buf)
	return io.CopyBuffer(dst, src, buf)
}

// Copy copies src to dst through a buffer from the package-level pool.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	return defaultPool.Copy(dst, src)
}
