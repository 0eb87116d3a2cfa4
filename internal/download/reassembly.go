package download

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/afero"
)

// reassembly collects the parts of one directory file. Writers for the same
// file serialize on its lock; different files proceed independently.
type reassembly struct {
	job fileJob

	mu     sync.Mutex
	parts  *bitmap
	mem    []byte
	fs     afero.Fs
	file   afero.File
	done   bool
	failed bool
}

// newReassembly keeps small files in memory and larger ones in a temp file
// under dir.
func newReassembly(job fileJob, fsys afero.Fs, dir string, inMemory bool) (*reassembly, error) {
	ra := &reassembly{job: job, parts: newBitmap(len(job.upload.Parts)), fs: fsys}
	size := job.upload.EncodedSize()
	if inMemory {
		ra.mem = make([]byte, size)
		return ra, nil
	}
	f, err := afero.TempFile(fsys, dir, ".chunkget-parts-*")
	if err != nil {
		return nil, fmt.Errorf("create part file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		_ = fsys.Remove(f.Name())
		return nil, fmt.Errorf("size part file: %w", err)
	}
	ra.file = f
	return ra, nil
}

// write stores part index at offset. It reports true exactly once, when the
// last missing part lands. Duplicates and writes after failure are ignored.
func (ra *reassembly) write(index int, offset int64, data []byte) (bool, error) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.done || ra.failed || ra.parts.get(index) {
		return false, nil
	}
	want := ra.job.upload.Parts[index].Length()
	if uint64(len(data)) != want {
		return false, fmt.Errorf("part %d: got %d bytes, want %d", index, len(data), want)
	}
	if ra.mem != nil {
		copy(ra.mem[offset:], data)
	} else if _, err := ra.file.WriteAt(data, offset); err != nil {
		return false, fmt.Errorf("write part %d: %w", index, err)
	}
	ra.parts.set(index)
	if ra.parts.full() {
		ra.done = true
		return true, nil
	}
	return false, nil
}

// reader returns the assembled encoded bytes.
func (ra *reassembly) reader() (io.Reader, error) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.file == nil {
		return bytes.NewReader(ra.mem), nil
	}
	if _, err := ra.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return ra.file, nil
}

// fail marks the file failed and releases its resources. Only the first
// call reports true.
func (ra *reassembly) fail() bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.failed {
		return false
	}
	ra.failed = true
	ra.releaseLocked()
	return true
}

func (ra *reassembly) isFailed() bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.failed
}

func (ra *reassembly) complete() bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.done
}

func (ra *reassembly) release() {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.releaseLocked()
}

func (ra *reassembly) releaseLocked() {
	ra.mem = nil
	if ra.file != nil {
		name := ra.file.Name()
		_ = ra.file.Close()
		_ = ra.fs.Remove(name)
		ra.file = nil
	}
}
