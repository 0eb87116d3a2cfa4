package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	gohash "hash"
	"io"
)

const (
	// DigestSize is the length of the SHA-256 digest part of a Hash.
	DigestSize = sha256.Size
	// Size is the encoded length of a Hash: digest followed by the
	// big-endian byte length of the hashed content.
	Size = DigestSize + 8
)

var (
	// ErrInvalidHash indicates a malformed textual or binary hash.
	ErrInvalidHash = errors.New("invalid content hash")
)

// Hash identifies a chunk or file by content. It carries the logical byte
// length of the content it names. Hash is comparable and safe as a map key.
type Hash [Size]byte

// Zero is the unset hash.
var Zero Hash

// Sum returns the content hash of data.
func Sum(data []byte) Hash {
	d := sha256.Sum256(data)
	return FromDigest(d[:], uint64(len(data)))
}

// FromDigest assembles a Hash from a SHA-256 digest and a content length.
func FromDigest(digest []byte, length uint64) Hash {
	var h Hash
	copy(h[:DigestSize], digest)
	binary.BigEndian.PutUint64(h[DigestSize:], length)
	return h
}

// FromBytes parses the binary form of a hash.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidHash, len(b), Size)
	}
	copy(h[:], b)
	return h, nil
}

// Parse parses the lowercase hex form produced by String.
func Parse(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return FromBytes(b)
}

// MustParse is Parse for constants in tests and fixtures.
func MustParse(s string) Hash {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

// Length returns the byte length of the content the hash names.
func (h Hash) Length() uint64 {
	return binary.BigEndian.Uint64(h[DigestSize:])
}

// Digest returns the SHA-256 part of the hash.
func (h Hash) Digest() []byte {
	out := make([]byte, DigestSize)
	copy(out, h[:DigestSize])
	return out
}

// Bytes returns a copy of the binary form.
func (h Hash) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// IsZero reports whether h is unset.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Compare orders hashes lexicographically by their binary form.
func (h Hash) Compare(o Hash) int {
	return bytes.Compare(h[:], o[:])
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns an abbreviated form for log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:6])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Hasher computes a Hash incrementally.
type Hasher struct {
	d gohash.Hash
	n uint64
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{d: sha256.New()}
}

// Write adds p to the running hash. It never fails.
func (w *Hasher) Write(p []byte) (int, error) {
	w.n += uint64(len(p))
	return w.d.Write(p)
}

// Sum returns the hash of everything written so far.
func (w *Hasher) Sum() Hash {
	return FromDigest(w.d.Sum(nil), w.n)
}

// Reset clears the hasher.
func (w *Hasher) Reset() {
	w.d.Reset()
	w.n = 0
}

// SumReader hashes everything read from r.
func SumReader(r io.Reader) (Hash, error) {
	w := NewHasher()
	if _, err := io.Copy(w, r); err != nil {
		return Zero, err
	}
	return w.Sum(), nil
}
