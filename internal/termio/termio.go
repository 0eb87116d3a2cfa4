// Package termio funnels process output through one goroutine per stream
// so progress redraws and event lines never interleave mid-line.
package termio

import (
	"io"
	"os"
	"sync"
)

// op is either a chunk to write or, when flushed is set, a marker that is
// acknowledged once every earlier chunk has been written.
type op struct {
	data    []byte
	flushed chan struct{}
}

// Writer queues writes for a single file. Writes never block on the file.
type Writer struct {
	file *os.File
	ops  chan op
}

// NewWriter starts the goroutine draining writes to f.
func NewWriter(f *os.File) *Writer {
	w := &Writer{file: f, ops: make(chan op, 1024)}
	go w.drain()
	return w
}

func (w *Writer) drain() {
	for o := range w.ops {
		if o.flushed != nil {
			close(o.flushed)
			continue
		}
		_, _ = w.file.Write(o.data)
	}
}

// Write queues a copy of p.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.ops <- op{data: append([]byte(nil), p...)}
	return len(p), nil
}

// Flush waits until everything queued before it has been written.
func (w *Writer) Flush() {
	done := make(chan struct{})
	w.ops <- op{flushed: done}
	<-done
}

// File returns the underlying file, for terminal detection.
func (w *Writer) File() *os.File {
	return w.file
}

var (
	initOnce       sync.Once
	stdout, stderr *Writer
)

// Init starts the stdout and stderr writers. Later calls do nothing.
func Init() {
	initOnce.Do(func() {
		stdout = NewWriter(os.Stdout)
		stderr = NewWriter(os.Stderr)
	})
}

// Stdout returns the shared standard output writer.
func Stdout() io.Writer {
	Init()
	return stdout
}

// Stderr returns the shared standard error writer.
func Stderr() io.Writer {
	Init()
	return stderr
}

// Flush drains both streams. Call it before exiting.
func Flush() {
	Init()
	stdout.Flush()
	stderr.Flush()
}
