// Package fetch retrieves metadata and data chunks from candidate hosts
// with bounded retries, validation and batching.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sheerbytes/chunkget/internal/hosts"
	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/meta"
	"github.com/sheerbytes/chunkget/pkg/protocol"
)

// DefaultAttempts is the number of passes over the candidate list. The
// second pass absorbs sporadic corrupt-on-first-read failures.
const DefaultAttempts = 2

// Candidates ranks hosts for a hash.
type Candidates interface {
	CandidatesFor(h hash.Hash) []string
}

// TryFunc observes each host attempt.
type TryFunc func(kind Kind, h hash.Hash, host string)

// Fetcher fetches single chunks by trying candidate hosts in order.
type Fetcher struct {
	Remote     Remote
	Candidates Candidates
	// Validate checks data chunk bytes against the requested hash.
	Validate bool
	// Attempts is the number of passes over the candidates.
	Attempts int
	Recorder hosts.FailureRecorder
	OnTry    TryFunc
	// Halted, when set, is checked before every host attempt.
	Halted func() bool
	Logger *slog.Logger
}

func (f *Fetcher) attempts() int {
	if f.Attempts <= 0 {
		return DefaultAttempts
	}
	return f.Attempts
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

// FetchMetadataBytes returns the raw manifest stored under h.
func (f *Fetcher) FetchMetadataBytes(ctx context.Context, h hash.Hash) ([]byte, error) {
	return f.fetchOne(ctx, KindMeta, h, func(b []byte) error {
		_, err := meta.ParseFile(b)
		return err
	})
}

// FetchMetadata returns the manifest stored under h. A host returning an
// unparsable manifest is skipped like a host returning corrupt data.
func (f *Fetcher) FetchMetadata(ctx context.Context, h hash.Hash) (*meta.FileManifest, error) {
	raw, err := f.FetchMetadataBytes(ctx, h)
	if err != nil {
		return nil, err
	}
	return meta.ParseFile(raw)
}

// FetchData returns the bytes of chunk, a part of the file named by
// fileHash. Hosts are ranked by the chunk hash.
func (f *Fetcher) FetchData(ctx context.Context, fileHash, chunk hash.Hash) ([]byte, error) {
	data, err := f.fetchOne(ctx, KindData, chunk, f.dataCheck(chunk))
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", fileHash.Short(), err)
	}
	return data, nil
}

func (f *Fetcher) dataCheck(chunk hash.Hash) func([]byte) error {
	if !f.Validate {
		return nil
	}
	return func(b []byte) error {
		if got := hash.Sum(b); got != chunk {
			return fmt.Errorf("%w: got %s", ErrHashMismatch, got.Short())
		}
		return nil
	}
}

func (f *Fetcher) get(ctx context.Context, kind Kind, host string, hashes []hash.Hash) ([][]byte, error) {
	if kind == KindMeta {
		return f.Remote.GetMeta(ctx, host, hashes)
	}
	return f.Remote.GetData(ctx, host, hashes)
}

func (f *Fetcher) fetchOne(ctx context.Context, kind Kind, h hash.Hash, check func([]byte) error) ([]byte, error) {
	candidates := f.Candidates.CandidatesFor(h)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%s chunk %s: %w", kind, h.Short(), ErrNoCandidates)
	}
	var errs HostErrorSet
	tried := 0
	for attempt := 0; attempt < f.attempts(); attempt++ {
		for _, host := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if f.Halted != nil && f.Halted() {
				return nil, ErrStopped
			}
			tried++
			if f.OnTry != nil {
				f.OnTry(kind, h, host)
			}
			items, err := f.get(ctx, kind, host, []hash.Hash{h})
			if err == nil && len(items) != 1 {
				err = fmt.Errorf("%w: got %d, want 1", ErrShortResponse, len(items))
			}
			if err != nil {
				errs = append(errs, &HostError{Host: host, Err: err})
				f.recordFailure(host, err)
				continue
			}
			f.recordSuccess(host)
			item := items[0]
			if item == nil {
				continue
			}
			if check != nil {
				if err := check(item); err != nil {
					f.logger().Debug("discarding chunk", "kind", kind.String(), "hash", h.Short(), "host", host, "error", err)
					errs = append(errs, &HostError{Host: host, Err: err})
					continue
				}
			}
			return item, nil
		}
	}
	return nil, &FetchError{Kind: kind, Hash: h, Tried: tried, Hosts: errs}
}

// FetchBatch asks one host for several chunks of the same kind. The result
// has one entry per hash; nil marks a chunk the host lacks or, with
// validation, returned corrupt. An error fails the whole batch.
func (f *Fetcher) FetchBatch(ctx context.Context, kind Kind, host string, hashes []hash.Hash) ([][]byte, error) {
	if f.OnTry != nil {
		for _, h := range hashes {
			f.OnTry(kind, h, host)
		}
	}
	items, err := f.get(ctx, kind, host, hashes)
	if err == nil && len(items) != len(hashes) {
		err = fmt.Errorf("%w: got %d, want %d", ErrShortResponse, len(items), len(hashes))
	}
	if err != nil {
		f.recordFailure(host, err)
		return nil, &HostError{Host: host, Err: err}
	}
	f.recordSuccess(host)
	for i, item := range items {
		if item == nil {
			continue
		}
		var check func([]byte) error
		if kind == KindData {
			check = f.dataCheck(hashes[i])
		} else {
			check = func(b []byte) error {
				_, err := meta.ParseFile(b)
				return err
			}
		}
		if check != nil && check(item) != nil {
			f.logger().Debug("discarding batched chunk", "kind", kind.String(), "hash", hashes[i].Short(), "host", host)
			items[i] = nil
		}
	}
	return items, nil
}

// recordFailure reports connectivity failures; application errors from a
// reachable host are not held against it.
func (f *Fetcher) recordFailure(host string, err error) {
	if f.Recorder == nil {
		return
	}
	var remote *protocol.RemoteError
	if errors.As(err, &remote) || errors.Is(err, context.Canceled) {
		return
	}
	f.Recorder.RecordFailure(host, err)
}

func (f *Fetcher) recordSuccess(host string) {
	if f.Recorder != nil {
		f.Recorder.RecordSuccess(host)
	}
}
