// Package fixture builds encoded chunk sets the way an uploader lays them
// out: content plus optional padding, encoded step by step, cut into parts
// and described by manifests. Chunk servers publish them and tests use them
// as ground truth.
package fixture

import (
	"crypto/ed25519"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/chunkget/internal/codec"
	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/meta"
	"github.com/spf13/afero"
)

// DefaultPartSize is the size of each data chunk when Options.PartSize is
// unset.
const DefaultPartSize = 1 << 20

// Sink receives published chunks.
type Sink interface {
	PutMeta(h hash.Hash, data []byte) error
	PutData(h hash.Hash, data []byte) error
}

// Options controls how content is encoded and described.
type Options struct {
	PartSize        int
	Encodings       []meta.EncodingKind
	Passphrase      string
	Padded          bool
	EmbedPassphrase bool
	Uploader        string
	UploadedAt      time.Time
	ModTime         time.Time
	SigningKey      ed25519.PrivateKey
}

func (o Options) partSize() int {
	if o.PartSize <= 0 {
		return DefaultPartSize
	}
	return o.PartSize
}

// File is one file to publish.
type File struct {
	RelativePath string
	Content      []byte
	ModTime      time.Time
}

// Set holds manifests and data chunks keyed by hash.
type Set struct {
	mu        sync.Mutex
	meta      map[hash.Hash][]byte
	data      map[hash.Hash][]byte
	manifests map[hash.Hash]*meta.FileManifest
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{
		meta:      make(map[hash.Hash][]byte),
		data:      make(map[hash.Hash][]byte),
		manifests: make(map[hash.Hash]*meta.FileManifest),
	}
}

// AddFile encodes f and records its upload. Adding the same content again
// appends another upload to its manifest.
func (s *Set) AddFile(name string, f File, opts Options) (hash.Hash, meta.Upload, error) {
	return s.add(name, f, opts, false)
}

// AddProject publishes every file and then the project manifest that lists
// them, returning the project hash.
func (s *Set) AddProject(name string, files []File, opts Options) (hash.Hash, error) {
	pm := &meta.ProjectManifest{Name: name}
	for _, f := range files {
		if err := meta.ValidateRelPath(f.RelativePath); err != nil {
			return hash.Zero, err
		}
		h, _, err := s.add(path.Base(f.RelativePath), f, opts, false)
		if err != nil {
			return hash.Zero, fmt.Errorf("%s: %w", f.RelativePath, err)
		}
		part := meta.ProjectPart{RelativePath: f.RelativePath, Hash: h}
		if opts.Padded {
			part.Padding = codec.Padding(opts.Passphrase)
		}
		pm.Parts = append(pm.Parts, part)
	}
	raw, err := pm.MarshalBinary()
	if err != nil {
		return hash.Zero, err
	}
	h, _, err := s.add(name, File{Content: raw}, opts, true)
	return h, err
}

func (s *Set) add(name string, f File, opts Options, project bool) (hash.Hash, meta.Upload, error) {
	content := f.Content
	if opts.Padded {
		content = append(append([]byte(nil), f.Content...), codec.Padding(opts.Passphrase)...)
	}
	fileHash := hash.Sum(content)

	encoded, encodings, err := codec.EncodeBytes(content, opts.Encodings, opts.Passphrase)
	if err != nil {
		return hash.Zero, meta.Upload{}, err
	}

	modTime := f.ModTime
	if modTime.IsZero() {
		modTime = opts.ModTime
	}
	up := meta.Upload{
		Uploader:     opts.Uploader,
		UploadedAt:   opts.UploadedAt,
		RelativePath: f.RelativePath,
		Name:         name,
		ModTime:      modTime,
		Size:         uint64(len(content)),
		Project:      project,
		Padded:       opts.Padded,
		Encodings:    encodings,
	}
	if opts.EmbedPassphrase {
		up.Passphrase = opts.Passphrase
	}
	if opts.SigningKey != nil {
		up.PublicKey = opts.SigningKey.Public().(ed25519.PublicKey)
		up.Signature = codec.Sign(opts.SigningKey, fileHash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	size := opts.partSize()
	for off := 0; off < len(encoded); off += size {
		end := min(off+size, len(encoded))
		part := append([]byte(nil), encoded[off:end]...)
		ph := hash.Sum(part)
		s.data[ph] = part
		up.Parts = append(up.Parts, ph)
	}

	m, ok := s.manifests[fileHash]
	if !ok {
		m = &meta.FileManifest{}
		s.manifests[fileHash] = m
	}
	m.Uploads = append(m.Uploads, up)
	raw, err := m.MarshalBinary()
	if err != nil {
		return hash.Zero, meta.Upload{}, err
	}
	s.meta[fileHash] = raw
	return fileHash, up, nil
}

// Meta returns the manifest bytes stored under h.
func (s *Set) Meta(h hash.Hash) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.meta[h]
	return b, ok
}

// Data returns the data chunk stored under h.
func (s *Set) Data(h hash.Hash) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[h]
	return b, ok
}

// Drop removes a chunk of either kind.
func (s *Set) Drop(h hash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meta, h)
	delete(s.data, h)
}

// DataHashes returns the data chunk hashes in a stable order.
func (s *Set) DataHashes() []hash.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hash.Hash, 0, len(s.data))
	for h := range s.data {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// CopyTo writes every chunk to sink.
func (s *Set) CopyTo(sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, b := range s.meta {
		if err := sink.PutMeta(h, b); err != nil {
			return fmt.Errorf("put metadata %s: %w", h.Short(), err)
		}
	}
	for h, b := range s.data {
		if err := sink.PutData(h, b); err != nil {
			return fmt.Errorf("put data %s: %w", h.Short(), err)
		}
	}
	return nil
}

// PublishPath adds the file or directory at root to s. A directory becomes
// a project named after its base name.
func (s *Set) PublishPath(fsys afero.Fs, root string, opts Options) (hash.Hash, error) {
	info, err := fsys.Stat(root)
	if err != nil {
		return hash.Zero, err
	}
	if !info.IsDir() {
		content, err := afero.ReadFile(fsys, root)
		if err != nil {
			return hash.Zero, err
		}
		h, _, err := s.AddFile(filepath.Base(root), File{Content: content, ModTime: info.ModTime()}, opts)
		return h, err
	}

	var files []File
	err = afero.Walk(fsys, root, func(p string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		content, err := afero.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		files = append(files, File{RelativePath: filepath.ToSlash(rel), Content: content, ModTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return hash.Zero, err
	}
	return s.AddProject(filepath.Base(root), files, opts)
}
