package chunkserver

import (
	"fmt"
	"log/slog"

	"github.com/sheerbytes/chunkget/internal/fixture"
	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/meta"
	"github.com/spf13/afero"
)

// ParseEncodings converts encoding names such as "gzip" or "aes" into
// kinds, in upload order.
func ParseEncodings(names []string) ([]meta.EncodingKind, error) {
	kinds := make([]meta.EncodingKind, 0, len(names))
	for _, name := range names {
		k, err := meta.ParseEncodingKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Publish encodes each path on fsys and stores the resulting chunks. A
// directory is published as a project. It returns the top-level hash of
// every path in order.
func Publish(fsys afero.Fs, store Store, paths []string, opts fixture.Options, logger *slog.Logger) ([]hash.Hash, error) {
	if logger == nil {
		logger = slog.Default()
	}
	set := fixture.NewSet()
	out := make([]hash.Hash, 0, len(paths))
	for _, p := range paths {
		h, err := set.PublishPath(fsys, p, opts)
		if err != nil {
			return nil, fmt.Errorf("publish %s: %w", p, err)
		}
		logger.Info("published", "path", p, "hash", h.String())
		out = append(out, h)
	}
	if err := set.CopyTo(store); err != nil {
		return nil, fmt.Errorf("store chunks: %w", err)
	}
	return out, nil
}
