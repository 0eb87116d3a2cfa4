// Package hosts resolves content hashes to ranked candidate hosts from a
// network status table.
package hosts

import (
	"errors"
	"strings"

	"github.com/sheerbytes/chunkget/pkg/hash"
)

var (
	// ErrUnknownHost indicates a host missing from the status table.
	ErrUnknownHost = errors.New("unknown host")
)

// Status is one row of the network status table.
type Status struct {
	Host     string      `yaml:"host" json:"host"`
	URL      string      `yaml:"url" json:"url"`
	Readable bool        `yaml:"readable" json:"readable"`
	Writable bool        `yaml:"writable" json:"writable"`
	Online   bool        `yaml:"online" json:"online"`
	External bool        `yaml:"external" json:"external"`
	Spans    []hash.Span `yaml:"spans" json:"spans"`
}

// Covers reports whether the host advertises a span holding h.
func (s Status) Covers(h hash.Hash) bool {
	return hash.AnyContains(s.Spans, h)
}

// ExternalURL reports whether the host is reached through a web URL.
func (s Status) ExternalURL() bool {
	return s.External && (strings.HasPrefix(s.URL, "ws://") || strings.HasPrefix(s.URL, "wss://"))
}

// Table supplies snapshots of the network status table.
type Table interface {
	Snapshot() []Status
}

// FailureRecorder is told about connectivity failures so the table can
// penalize the host.
type FailureRecorder interface {
	RecordFailure(host string, err error)
	RecordSuccess(host string)
}

// Lookup finds host in a snapshot.
func Lookup(t Table, host string) (Status, error) {
	for _, s := range t.Snapshot() {
		if s.Host == host {
			return s, nil
		}
	}
	return Status{}, ErrUnknownHost
}
