package meta

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/sheerbytes/chunkget/pkg/hash"
)

const (
	fileMagic   = "CGM1"
	fileVersion = uint16(1)
)

var (
	// ErrNoUpload indicates no upload in a manifest matched the disambiguators.
	ErrNoUpload = errors.New("no matching upload in manifest")
	// ErrAmbiguousUpload indicates several uploads matched and none could be preferred.
	ErrAmbiguousUpload = errors.New("ambiguous upload in manifest")
)

// Upload describes one upload of the content a FileManifest is keyed by.
// The same content hash may be uploaded several times by different people,
// at different times or under different relative paths.
type Upload struct {
	Uploader     string
	UploadedAt   time.Time
	RelativePath string
	Name         string
	ModTime      time.Time
	// Size is the decoded size including any padding.
	Size uint64
	// Project marks the decoded bytes as a ProjectManifest.
	Project bool
	// Padded marks content that carries the passphrase-derived trailing padding.
	Padded bool
	// Passphrase is an optional per-file passphrase embedded at upload.
	Passphrase string
	PublicKey  []byte
	Signature  []byte
	// Encodings lists the steps applied, in upload order.
	Encodings []Encoding
	// Parts lists the chunks of the fully encoded bytes, in order.
	Parts []hash.Hash
}

// FileManifest is the metadata chunk stored under a file's content hash.
type FileManifest struct {
	Uploads []Upload
}

// EncodedSize returns the total length of the upload's parts.
func (u Upload) EncodedSize() uint64 {
	var n uint64
	for _, p := range u.Parts {
		n += p.Length()
	}
	return n
}

// Encrypted reports whether any step needs a passphrase.
func (u Upload) Encrypted() bool {
	for _, e := range u.Encodings {
		if e.Kind.IsEncryption() {
			return true
		}
	}
	return false
}

// FileName returns the name to save the upload under.
func (u Upload) FileName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.RelativePath != "" {
		return path.Base(u.RelativePath)
	}
	return ""
}

// Select picks the upload matching the given disambiguators. Empty values
// match anything. When several uploads match, the most recent wins.
func (m *FileManifest) Select(uploader string, uploadedAt time.Time, relPath string) (Upload, error) {
	if m == nil || len(m.Uploads) == 0 {
		return Upload{}, ErrNoUpload
	}
	matches := make([]Upload, 0, len(m.Uploads))
	for _, u := range m.Uploads {
		if uploader != "" && !strings.EqualFold(u.Uploader, uploader) {
			continue
		}
		if !uploadedAt.IsZero() && !u.UploadedAt.Equal(uploadedAt) {
			continue
		}
		if relPath != "" && u.RelativePath != relPath {
			continue
		}
		matches = append(matches, u)
	}
	if len(matches) == 0 {
		return Upload{}, ErrNoUpload
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].UploadedAt.After(matches[j].UploadedAt)
	})
	if len(matches) > 1 && matches[0].UploadedAt.Equal(matches[1].UploadedAt) && uploader == "" && relPath == "" {
		return Upload{}, fmt.Errorf("%w: %d uploads at %s", ErrAmbiguousUpload, len(matches), matches[0].UploadedAt.Format(time.RFC3339))
	}
	return matches[0], nil
}

// MarshalBinary encodes the manifest.
func (m *FileManifest) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.raw([]byte(fileMagic))
	e.u16(fileVersion)
	e.u32(uint32(len(m.Uploads)))
	for _, u := range m.Uploads {
		e.str(u.Uploader)
		e.u64(uint64(u.UploadedAt.UnixMilli()))
		e.str(u.RelativePath)
		e.str(u.Name)
		e.u64(uint64(u.ModTime.UnixMilli()))
		e.u64(u.Size)
		e.boolean(u.Project)
		e.boolean(u.Padded)
		e.str(u.Passphrase)
		e.blob(u.PublicKey)
		e.blob(u.Signature)
		e.u32(uint32(len(u.Encodings)))
		for _, enc := range u.Encodings {
			e.u8(byte(enc.Kind))
			e.hash(enc.Hash)
		}
		e.u32(uint32(len(u.Parts)))
		for _, p := range u.Parts {
			e.hash(p)
		}
	}
	return e.bytes(), nil
}

// UnmarshalBinary decodes a manifest produced by MarshalBinary.
func (m *FileManifest) UnmarshalBinary(data []byte) error {
	d := newDecoder(data)
	d.header(fileMagic, fileVersion)
	n := d.count()
	uploads := make([]Upload, 0, min(n, 64))
	for i := 0; i < n && d.err == nil; i++ {
		var u Upload
		u.Uploader = d.str()
		u.UploadedAt = time.UnixMilli(int64(d.u64()))
		u.RelativePath = d.str()
		u.Name = d.str()
		u.ModTime = time.UnixMilli(int64(d.u64()))
		u.Size = d.u64()
		u.Project = d.boolean()
		u.Padded = d.boolean()
		u.Passphrase = d.str()
		u.PublicKey = d.blob()
		u.Signature = d.blob()
		encCount := d.count()
		for j := 0; j < encCount && d.err == nil; j++ {
			kind := EncodingKind(d.u8())
			u.Encodings = append(u.Encodings, Encoding{Kind: kind, Hash: d.hash()})
		}
		partCount := d.count()
		u.Parts = make([]hash.Hash, 0, min(partCount, 1024))
		for j := 0; j < partCount && d.err == nil; j++ {
			u.Parts = append(u.Parts, d.hash())
		}
		uploads = append(uploads, u)
	}
	if err := d.finish(); err != nil {
		return fmt.Errorf("decode file manifest: %w", err)
	}
	m.Uploads = uploads
	return nil
}

// ParseFile decodes a FileManifest.
func ParseFile(data []byte) (*FileManifest, error) {
	m := &FileManifest{}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return m, nil
}
