// Package report accumulates the outcome of one download run.
package report

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Version is the current serialization version tag.
const Version = int32(1)

const maxMessageLength = 1 << 20

var (
	// ErrAlreadySet indicates a set-once field was written twice.
	ErrAlreadySet = errors.New("report field already set")
	// ErrVersion indicates serialized data with an unknown version tag.
	ErrVersion = errors.New("unsupported report version")
)

// Report records timestamps, transfer totals and failure causes.
// Start is set at creation; end and totals are set once; failures only
// grow.
type Report struct {
	ID uuid.UUID

	mu        sync.Mutex
	start     time.Time
	end       time.Time
	bytes     int64
	files     int64
	totalsSet bool
	skipped   int
	failures  []error
}

// New starts a report at now.
func New(now time.Time) *Report {
	return &Report{ID: uuid.New(), start: now}
}

// Start returns the creation time.
func (r *Report) Start() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.start
}

// End returns the finalization time, zero until Finish.
func (r *Report) End() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.end
}

// Duration returns end minus start, or zero while running.
func (r *Report) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.end.IsZero() {
		return 0
	}
	return r.end.Sub(r.start)
}

// Finish sets the end time. Later calls keep the first value.
func (r *Report) Finish(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.end.IsZero() {
		r.end = now
	}
}

// Finished reports whether Finish was called.
func (r *Report) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.end.IsZero()
}

// SetTransferred records the byte and file totals once.
func (r *Report) SetTransferred(n, files int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.totalsSet {
		return ErrAlreadySet
	}
	r.bytes, r.files, r.totalsSet = n, files, true
	return nil
}

// Bytes returns the transferred byte total.
func (r *Report) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Files returns the transferred file total.
func (r *Report) Files() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files
}

// AddSkip counts a file that was already present at its destination.
// Skips are not serialized.
func (r *Report) AddSkip() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
}

// Skipped returns the number of skipped files.
func (r *Report) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// AddFailure appends a cause. Nil errors are ignored.
func (r *Report) AddFailure(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

// Failures returns a copy of the causes in the order they were added.
func (r *Report) Failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.failures))
	copy(out, r.failures)
	return out
}

// Err joins all causes, or returns nil for a successful run.
func (r *Report) Err() error {
	return errors.Join(r.Failures()...)
}

// IsFailed reports whether any failure was recorded.
func (r *Report) IsFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures) > 0
}

// MarshalBinary encodes the report:
// [version int32][start ms][end ms][bytes][files][count u32]{[len u32][msg]}.
func (r *Report) MarshalBinary() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, binary.BigEndian, v) }
	w(Version)
	w(millis(r.start))
	w(millis(r.end))
	w(r.bytes)
	w(r.files)
	w(uint32(len(r.failures)))
	for _, f := range r.failures {
		msg := truncateMessage(f.Error())
		w(uint32(len(msg)))
		buf.WriteString(msg)
	}
	return buf.Bytes(), nil
}

// truncateMessage caps msg at maxMessageLength bytes without splitting a
// UTF-8 sequence.
func truncateMessage(msg string) string {
	if len(msg) <= maxMessageLength {
		return msg
	}
	cut := maxMessageLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// UnmarshalBinary decodes a report produced by MarshalBinary. Failure
// causes come back as plain errors carrying the original messages.
func (r *Report) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)
	var (
		version          int32
		start, end       int64
		byteCount, files int64
		count            uint32
	)
	if err := binary.Read(rd, binary.BigEndian, &version); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	if version != Version {
		return fmt.Errorf("%w: %d", ErrVersion, version)
	}
	for _, v := range []any{&start, &end, &byteCount, &files, &count} {
		if err := binary.Read(rd, binary.BigEndian, v); err != nil {
			return fmt.Errorf("decode report: %w", err)
		}
	}
	failures := make([]error, 0, min(int(count), 64))
	for i := uint32(0); i < count; i++ {
		var n uint32
		if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
			return fmt.Errorf("decode report failure %d: %w", i, err)
		}
		if n > maxMessageLength || int(n) > rd.Len() {
			return fmt.Errorf("decode report failure %d: %w", i, io.ErrUnexpectedEOF)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(rd, msg); err != nil {
			return fmt.Errorf("decode report failure %d: %w", i, err)
		}
		failures = append(failures, errors.New(string(msg)))
	}
	if rd.Len() != 0 {
		return fmt.Errorf("decode report: %d trailing bytes", rd.Len())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = fromMillis(start)
	r.end = fromMillis(end)
	r.bytes, r.files = byteCount, files
	r.totalsSet = true
	r.failures = failures
	return nil
}

// Parse decodes a serialized report.
func Parse(data []byte) (*Report, error) {
	r := &Report{}
	if err := r.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return r, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
