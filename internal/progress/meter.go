package progress

import (
	"sync"
	"time"
)

// smoothing is the weight of the newest rate sample.
const smoothing = 0.2

// Stats is a point-in-time view of a download.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time

	FilesDone  int
	FilesTotal int
	// Skipped counts files found already present.
	Skipped int
}

// Meter tracks the bytes and files of one download run. Skipped files
// advance the byte count without feeding the rate.
type Meter struct {
	mu  sync.Mutex
	now func() time.Time

	stats Stats
	// sampleAt and sampleBytes anchor the next rate sample.
	sampleAt    time.Time
	sampleBytes int64
}

// NewMeterWithNow returns a meter reading time from now, or the wall
// clock when now is nil.
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{now: now}
}

// Start resets the meter for a run of files files totalling totalBytes.
func (m *Meter) Start(totalBytes int64, files int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := m.now()
	m.stats = Stats{Total: totalBytes, FilesTotal: files, StartedAt: at}
	m.sampleAt = at
	m.sampleBytes = 0
}

// Add counts n transferred bytes.
func (m *Meter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.BytesDone += n
	m.sample(m.now())
}

// FileDone counts one finished file.
func (m *Meter) FileDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.FilesDone++
}

// FileSkipped counts a file already at its destination.
func (m *Meter) FileSkipped(size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.FilesDone++
	m.stats.Skipped++
	if size > 0 {
		m.stats.BytesDone += size
		m.sampleBytes += size
	}
}

// sample folds the bytes since the last sample into the smoothed rate.
func (m *Meter) sample(at time.Time) {
	elapsed := at.Sub(m.sampleAt).Seconds()
	if elapsed <= 0 {
		return
	}
	inst := float64(m.stats.BytesDone-m.sampleBytes) / elapsed
	if m.stats.RateBps == 0 {
		m.stats.RateBps = inst
	} else {
		m.stats.RateBps = smoothing*inst + (1-smoothing)*m.stats.RateBps
	}
	m.sampleAt = at
	m.sampleBytes = m.stats.BytesDone
}

// Snapshot returns the current stats with percent and ETA filled in.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	s := m.stats
	m.mu.Unlock()
	if s.Total > 0 {
		s.Percent = float64(s.BytesDone) / float64(s.Total) * 100
	}
	if remaining := s.Total - s.BytesDone; s.RateBps > 0 && remaining > 0 {
		s.ETA = time.Duration(float64(remaining) / s.RateBps * float64(time.Second))
	}
	return s
}
