package hosts

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/sheerbytes/chunkget/pkg/hash"
	"gopkg.in/yaml.v2"
)

// DefaultMaxFailures is the number of consecutive connectivity failures
// after which a static table marks a host offline.
const DefaultMaxFailures = 3

type fileFormat struct {
	MaxFailures int      `yaml:"max_failures"`
	Hosts       []Status `yaml:"hosts"`
}

// StaticTable is a status table held in memory, typically loaded from a
// YAML host file.
type StaticTable struct {
	mu          sync.RWMutex
	statuses    map[string]Status
	failures    map[string]int
	downed      map[string]bool
	maxFailures int
	logger      *slog.Logger
}

// NewStaticTable builds a table from rows. maxFailures <= 0 never marks
// hosts offline.
func NewStaticTable(rows []Status, maxFailures int, logger *slog.Logger) *StaticTable {
	if logger == nil {
		logger = slog.Default()
	}
	t := &StaticTable{
		statuses:    make(map[string]Status, len(rows)),
		failures:    make(map[string]int),
		downed:      make(map[string]bool),
		maxFailures: maxFailures,
		logger:      logger,
	}
	for _, r := range rows {
		t.statuses[r.Host] = r
	}
	return t
}

// LoadFile reads a YAML host file:
//
//	max_failures: 3
//	hosts:
//	  - host: alpha
//	    url: quic://10.0.0.5:7070
//	    readable: true
//	    writable: true
//	    online: true
//
// Hosts that list no spans are taken to cover the whole keyspace.
func LoadFile(path string, logger *slog.Logger) (*StaticTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host file: %w", err)
	}
	return ParseYAML(data, logger)
}

// ParseYAML parses the host file format accepted by LoadFile.
func ParseYAML(data []byte, logger *slog.Logger) (*StaticTable, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse host file: %w", err)
	}
	seen := make(map[string]bool, len(f.Hosts))
	for i := range f.Hosts {
		row := &f.Hosts[i]
		if row.Host == "" {
			return nil, fmt.Errorf("host file entry %d: host is required", i)
		}
		if seen[row.Host] {
			return nil, fmt.Errorf("host file: duplicate host %q", row.Host)
		}
		seen[row.Host] = true
		if row.URL == "" {
			return nil, fmt.Errorf("host %q: url is required", row.Host)
		}
		for _, sp := range row.Spans {
			if !sp.Valid() {
				return nil, fmt.Errorf("host %q: span %s is inverted", row.Host, sp)
			}
		}
		if len(row.Spans) == 0 {
			row.Spans = []hash.Span{hash.FullSpan()}
		}
	}
	limit := f.MaxFailures
	if limit == 0 {
		limit = DefaultMaxFailures
	}
	return NewStaticTable(f.Hosts, limit, logger), nil
}

// Snapshot returns a copy of the table sorted by host.
func (t *StaticTable) Snapshot() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.statuses))
	for _, s := range t.statuses {
		s.Spans = append([]hash.Span(nil), s.Spans...)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Set inserts or replaces a row.
func (t *StaticTable) Set(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[s.Host] = s
	delete(t.downed, s.Host)
	delete(t.failures, s.Host)
}

// RecordFailure counts a connectivity failure and marks the host offline
// once the limit is reached.
func (t *StaticTable) RecordFailure(host string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[host]
	if !ok {
		return
	}
	t.failures[host]++
	if t.maxFailures <= 0 || t.failures[host] < t.maxFailures || !s.Online {
		return
	}
	s.Online = false
	t.statuses[host] = s
	t.downed[host] = true
	t.logger.Warn("marking host offline", "host", host, "failures", t.failures[host], "error", err)
}

// RecordSuccess clears the failure count and restores a host this table
// took offline.
func (t *StaticTable) RecordSuccess(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, host)
	if !t.downed[host] {
		return
	}
	delete(t.downed, host)
	if s, ok := t.statuses[host]; ok {
		s.Online = true
		t.statuses[host] = s
	}
}

// Failures returns the current consecutive failure count for host.
func (t *StaticTable) Failures(host string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failures[host]
}
