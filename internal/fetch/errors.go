package fetch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sheerbytes/chunkget/pkg/hash"
)

var (
	// ErrNotFound is wrapped when every candidate host was exhausted.
	ErrNotFound = errors.New("not found on any host")
	// ErrNoCandidates indicates the selector produced no hosts.
	ErrNoCandidates = errors.New("no candidate hosts")
	// ErrHashMismatch indicates a host returned bytes with the wrong hash.
	ErrHashMismatch = errors.New("content hash mismatch")
	// ErrShortResponse indicates a batch answer with the wrong item count.
	ErrShortResponse = errors.New("response item count mismatch")
	// ErrStopped indicates the caller halted the fetch between hosts.
	ErrStopped = errors.New("download stopped")
)

// Kind tells metadata chunks from data chunks.
type Kind int

const (
	KindMeta Kind = iota
	KindData
)

func (k Kind) String() string {
	if k == KindMeta {
		return "metadata"
	}
	return "data"
}

// HostError attributes a failure to the host that raised it.
type HostError struct {
	Host string
	Err  error
}

func (e *HostError) Error() string {
	return e.Host + ": " + e.Err.Error()
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// HostErrorSet is the union of host failures collected while fetching.
type HostErrorSet []*HostError

func (s HostErrorSet) Error() string {
	if len(s) == 0 {
		return "no host errors"
	}
	parts := make([]string, len(s))
	for i, e := range s {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

func (s HostErrorSet) Unwrap() []error {
	out := make([]error, len(s))
	for i, e := range s {
		out[i] = e
	}
	return out
}

// FetchError is the terminal failure for one chunk.
type FetchError struct {
	Kind Kind
	Hash hash.Hash
	// Tried is the number of host attempts made across all passes.
	Tried int
	Hosts HostErrorSet
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s chunk %s %s after %d attempts", e.Kind, e.Hash.Short(), ErrNotFound, e.Tried)
	if len(e.Hosts) > 0 {
		msg += ": " + e.Hosts.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() []error {
	out := []error{ErrNotFound}
	if len(e.Hosts) > 0 {
		out = append(out, e.Hosts)
	}
	return out
}
