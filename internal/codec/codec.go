// Package codec undoes (and, for publishing, applies) the encoding steps
// recorded in a file manifest: compression containers, passphrase
// encryption and trailing padding.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sheerbytes/chunkget/internal/bufpool"
	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/meta"
	"github.com/ulikunitz/xz/lzma"
)

var (
	// ErrPassphraseRequired indicates an encrypted step with no passphrase.
	ErrPassphraseRequired = errors.New("passphrase required")
	// ErrWrongPassphrase indicates the first encrypted segment failed to authenticate.
	ErrWrongPassphrase = errors.New("wrong passphrase")
	// ErrCorrupt indicates a malformed or tampered encoded stream.
	ErrCorrupt = errors.New("corrupt encoded stream")
	// ErrPaddingMismatch indicates decoded bytes without the expected trailer.
	ErrPaddingMismatch = errors.New("padding mismatch")
	// ErrUnsupported indicates an unknown encoding kind.
	ErrUnsupported = errors.New("unsupported encoding")
)

// Padding returns the trailing bytes appended to padded uploads. Its
// length is the byte length of a hash, and its content is the hash of the
// passphrase, so the same content uploaded under different passphrases
// gets distinct content hashes.
func Padding(pass string) []byte {
	return hash.Sum([]byte(pass)).Bytes()
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewDecoder wraps src with the reader that undoes one step.
func NewDecoder(src io.Reader, kind meta.EncodingKind, pass string) (io.Reader, io.Closer, error) {
	switch kind {
	case meta.EncodingNone:
		return src, nopCloser{}, nil
	case meta.EncodingGzip:
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: gzip: %v", ErrCorrupt, err)
		}
		return zr, zr, nil
	case meta.EncodingZstd:
		zr, err := zstd.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return zr, closerFunc(func() error { zr.Close(); return nil }), nil
	case meta.EncodingLZMA:
		lr, err := lzma.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: lzma: %v", ErrCorrupt, err)
		}
		return lr, nopCloser{}, nil
	case meta.EncodingAES, meta.EncodingXChaCha:
		if pass == "" {
			return nil, nil, ErrPassphraseRequired
		}
		or, err := newOpenReader(src, kind, pass)
		if err != nil {
			return nil, nil, err
		}
		return or, nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// NewPipeline chains decoders for encodings, undoing the last upload step
// first.
func NewPipeline(src io.Reader, encodings []meta.Encoding, pass string) (io.Reader, io.Closer, error) {
	r := src
	var closers multiCloser
	for i := len(encodings) - 1; i >= 0; i-- {
		next, c, err := NewDecoder(r, encodings[i].Kind, pass)
		if err != nil {
			closers.Close()
			return nil, nil, fmt.Errorf("decode step %d (%s): %w", i, encodings[i].Kind, err)
		}
		closers = append(closers, c)
		r = next
	}
	return r, closers, nil
}

// Decode undoes encodings from src into dst and returns the decoded length.
func Decode(dst io.Writer, src io.Reader, encodings []meta.Encoding, pass string) (int64, error) {
	r, closer, err := NewPipeline(src, encodings, pass)
	if err != nil {
		return 0, err
	}
	n, err := bufpool.Copy(dst, r)
	if cerr := closer.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("decode: %w", err)
	}
	return n, nil
}

// DecodeBytes undoes encodings on an in-memory buffer.
func DecodeBytes(data []byte, encodings []meta.Encoding, pass string) ([]byte, error) {
	var out bytes.Buffer
	if _, err := Decode(&out, bytes.NewReader(data), encodings, pass); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// TrimPadding strips padding from the end of data, verifying it.
func TrimPadding(data, padding []byte) ([]byte, error) {
	if len(data) < len(padding) || !bytes.Equal(data[len(data)-len(padding):], padding) {
		return nil, ErrPaddingMismatch
	}
	return data[:len(data)-len(padding)], nil
}

// TrimWriter forwards everything but a trailing suffix to its destination
// and checks the suffix on Close.
type TrimWriter struct {
	dst    io.Writer
	suffix []byte
	held   []byte
	n      int64
}

// NewTrimWriter returns a writer holding back len(suffix) bytes.
func NewTrimWriter(dst io.Writer, suffix []byte) *TrimWriter {
	return &TrimWriter{dst: dst, suffix: suffix, held: make([]byte, 0, 2*len(suffix))}
}

func (w *TrimWriter) Write(p []byte) (int, error) {
	total := len(p)
	keep := len(w.suffix)
	if len(w.held)+len(p) <= keep {
		w.held = append(w.held, p...)
		return total, nil
	}
	// Release held bytes first, then all of p except the new tail.
	release := len(w.held) + len(p) - keep
	if release <= len(w.held) {
		if err := w.emit(w.held[:release]); err != nil {
			return 0, err
		}
		w.held = append(w.held[:0], append(w.held[release:], p...)...)
		return total, nil
	}
	if err := w.emit(w.held); err != nil {
		return 0, err
	}
	fromP := release - len(w.held)
	if err := w.emit(p[:fromP]); err != nil {
		return 0, err
	}
	w.held = append(w.held[:0], p[fromP:]...)
	return total, nil
}

func (w *TrimWriter) emit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	n, err := w.dst.Write(b)
	w.n += int64(n)
	return err
}

// Written returns the number of bytes forwarded.
func (w *TrimWriter) Written() int64 {
	return w.n
}

// Close verifies the held-back bytes equal the suffix.
func (w *TrimWriter) Close() error {
	if !bytes.Equal(w.held, w.suffix) {
		return ErrPaddingMismatch
	}
	return nil
}
