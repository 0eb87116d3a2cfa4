package bufpool

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsExactSize(t *testing.T) {
	p := New(1024)
	buf := p.Get()
	assert.Len(t, buf, 1024)
	p.Put(buf[:10])
	assert.Len(t, p.Get(), 1024, "a resliced buffer comes back full size")
}

func TestPutDropsSmallBuffers(t *testing.T) {
	p := New(64)
	p.Put(make([]byte, 8))
	for range 4 {
		assert.Len(t, p.Get(), 64)
	}
}

func TestNewPanicsOnBadSize(t *testing.T) {
	assert.Panics(t, func() { New(0) })
	assert.Panics(t, func() { New(-1) })
}

// chunkReader yields its content a few bytes at a time.
type chunkReader struct {
	data []byte
	step int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.step, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestCopyLargerThanBuffer(t *testing.T) {
	p := New(16)
	content := bytes.Repeat([]byte("0123456789"), 100)
	var out bytes.Buffer
	n, err := p.Copy(&out, &chunkReader{data: content, step: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, out.Bytes())
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestCopyReportsWriteError(t *testing.T) {
	_, err := Copy(failWriter{}, bytes.NewReader([]byte("x")))
	assert.EqualError(t, err, "disk full")
}
