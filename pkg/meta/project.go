package meta

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/sheerbytes/chunkget/pkg/hash"
)

const (
	projectMagic   = "CGP1"
	projectVersion = uint16(1)

	maxRelPathLength = 4096
)

var (
	// ErrInvalidRelPath indicates a part path that escapes the project root.
	ErrInvalidRelPath = errors.New("invalid relative path")
)

// ProjectPart is one file of a project.
type ProjectPart struct {
	RelativePath string
	Hash         hash.Hash
	// Padding is the trailing padding the file carries, possibly empty.
	Padding []byte
}

// ContentSize returns the file size without padding.
func (p ProjectPart) ContentSize() uint64 {
	n := p.Hash.Length()
	if uint64(len(p.Padding)) > n {
		return 0
	}
	return n - uint64(len(p.Padding))
}

// ProjectManifest describes a directory tree.
type ProjectManifest struct {
	Name  string
	Parts []ProjectPart
}

// TotalBytes sums the content sizes of all parts.
func (m *ProjectManifest) TotalBytes() uint64 {
	var n uint64
	for _, p := range m.Parts {
		n += p.ContentSize()
	}
	return n
}

// Filter returns the parts whose relative path matches re. A nil re keeps
// every part. The caller decides case sensitivity when compiling re.
func (m *ProjectManifest) Filter(re *regexp.Regexp) []ProjectPart {
	out := make([]ProjectPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		if re != nil && !re.MatchString(p.RelativePath) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// CompileFilter compiles a case-insensitive relative path filter.
// An empty expression yields nil, which matches everything.
func CompileFilter(expr string) (*regexp.Regexp, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", expr, err)
	}
	return re, nil
}

// ValidateRelPath rejects paths that are empty, absolute or escape the root.
func ValidateRelPath(relPath string) error {
	if relPath == "" || len(relPath) > maxRelPathLength {
		return ErrInvalidRelPath
	}
	normalized := strings.ReplaceAll(relPath, "\\", "/")
	if strings.HasPrefix(normalized, "/") {
		return ErrInvalidRelPath
	}
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return ErrInvalidRelPath
		}
	}
	if path.Clean(normalized) == "." {
		return ErrInvalidRelPath
	}
	return nil
}

// MarshalBinary encodes the project manifest.
func (m *ProjectManifest) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	e.raw([]byte(projectMagic))
	e.u16(projectVersion)
	e.str(m.Name)
	e.u32(uint32(len(m.Parts)))
	for _, p := range m.Parts {
		if err := ValidateRelPath(p.RelativePath); err != nil {
			return nil, fmt.Errorf("%w: %q", err, p.RelativePath)
		}
		e.str(p.RelativePath)
		e.hash(p.Hash)
		e.blob(p.Padding)
	}
	return e.bytes(), nil
}

// UnmarshalBinary decodes a project manifest.
func (m *ProjectManifest) UnmarshalBinary(data []byte) error {
	d := newDecoder(data)
	d.header(projectMagic, projectVersion)
	name := d.str()
	n := d.count()
	parts := make([]ProjectPart, 0, min(n, 1024))
	for i := 0; i < n && d.err == nil; i++ {
		var p ProjectPart
		p.RelativePath = d.str()
		p.Hash = d.hash()
		p.Padding = d.blob()
		if d.err == nil {
			if err := ValidateRelPath(p.RelativePath); err != nil {
				d.fail(fmt.Errorf("%w: %q", err, p.RelativePath))
			}
		}
		parts = append(parts, p)
	}
	if err := d.finish(); err != nil {
		return fmt.Errorf("decode project manifest: %w", err)
	}
	m.Name = name
	m.Parts = parts
	return nil
}

// ParseProject decodes a ProjectManifest.
func ParseProject(data []byte) (*ProjectManifest, error) {
	m := &ProjectManifest{}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return m, nil
}
