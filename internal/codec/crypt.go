package codec

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sheerbytes/chunkget/pkg/meta"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	segmentSize = 64 * 1024
	saltLen     = 16
	keyLen      = 32

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4

	magicAES     = "CGA1"
	magicXChaCha = "CGX1"
)

// DeriveKey stretches pass with Argon2id.
func DeriveKey(pass string, salt []byte) []byte {
	return argon2.IDKey([]byte(pass), salt, argonTime, argonMemory, argonThreads, keyLen)
}

func newAEAD(kind meta.EncodingKind, key []byte) (cipher.AEAD, error) {
	switch kind {
	case meta.EncodingAES:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case meta.EncodingXChaCha:
		return chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
}

func magicFor(kind meta.EncodingKind) string {
	if kind == meta.EncodingXChaCha {
		return magicXChaCha
	}
	return magicAES
}

// prefixLen leaves room for a 4-byte counter and a 1-byte last flag.
func prefixLen(aead cipher.AEAD) int {
	return aead.NonceSize() - 5
}

func segmentNonce(nonce, prefix []byte, counter uint32, last bool) {
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[len(prefix):], counter)
	nonce[len(nonce)-1] = 0
	if last {
		nonce[len(nonce)-1] = 1
	}
}

// openReader decrypts a segmented stream.
type openReader struct {
	src     *bufio.Reader
	aead    cipher.AEAD
	prefix  []byte
	nonce   []byte
	counter uint32
	buf     []byte
	plain   []byte
	done    bool
	err     error
}

func newOpenReader(src io.Reader, kind meta.EncodingKind, pass string) (*openReader, error) {
	br := bufio.NewReaderSize(src, segmentSize+64)
	header := make([]byte, 4+saltLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrCorrupt, err)
	}
	if string(header[:4]) != magicFor(kind) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, header[:4])
	}
	aead, err := newAEAD(kind, DeriveKey(pass, header[4:]))
	if err != nil {
		return nil, err
	}
	prefix := make([]byte, prefixLen(aead))
	if _, err := io.ReadFull(br, prefix); err != nil {
		return nil, fmt.Errorf("%w: short nonce prefix: %v", ErrCorrupt, err)
	}
	return &openReader{
		src:    br,
		aead:   aead,
		prefix: prefix,
		nonce:  make([]byte, aead.NonceSize()),
		buf:    make([]byte, segmentSize+aead.Overhead()),
	}, nil
}

func (r *openReader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.err = r.next()
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *openReader) next() error {
	n, err := io.ReadFull(r.src, r.buf)
	last := false
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		last = true
	case err != nil:
		return err
	default:
		if _, perr := r.src.Peek(1); errors.Is(perr, io.EOF) {
			last = true
		} else if perr != nil {
			return perr
		}
	}
	if n < r.aead.Overhead() {
		return fmt.Errorf("%w: truncated segment %d", ErrCorrupt, r.counter)
	}
	segmentNonce(r.nonce, r.prefix, r.counter, last)
	plain, err := r.aead.Open(r.buf[:0], r.nonce, r.buf[:n], nil)
	if err != nil {
		if r.counter == 0 {
			return ErrWrongPassphrase
		}
		return fmt.Errorf("%w: segment %d failed authentication", ErrCorrupt, r.counter)
	}
	r.counter++
	r.plain = plain
	r.done = last
	return nil
}

// sealWriter encrypts into a segmented stream. The final segment, possibly
// empty, is sealed on Close.
type sealWriter struct {
	dst     io.Writer
	aead    cipher.AEAD
	prefix  []byte
	nonce   []byte
	counter uint32
	buf     []byte
	out     []byte
	closed  bool
}

func newSealWriter(dst io.Writer, kind meta.EncodingKind, pass string) (*sealWriter, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	aead, err := newAEAD(kind, DeriveKey(pass, salt))
	if err != nil {
		return nil, err
	}
	prefix := make([]byte, prefixLen(aead))
	if _, err := rand.Read(prefix); err != nil {
		return nil, fmt.Errorf("generate nonce prefix: %w", err)
	}
	header := make([]byte, 0, 4+saltLen+len(prefix))
	header = append(header, magicFor(kind)...)
	header = append(header, salt...)
	header = append(header, prefix...)
	if _, err := dst.Write(header); err != nil {
		return nil, err
	}
	return &sealWriter{
		dst:    dst,
		aead:   aead,
		prefix: prefix,
		nonce:  make([]byte, aead.NonceSize()),
		buf:    make([]byte, 0, segmentSize),
		out:    make([]byte, 0, segmentSize+aead.Overhead()),
	}, nil
}

func (w *sealWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write to closed encrypter")
	}
	total := len(p)
	for len(p) > 0 {
		if len(w.buf) == segmentSize {
			if err := w.seal(false); err != nil {
				return total - len(p), err
			}
		}
		k := copy(w.buf[len(w.buf):segmentSize], p)
		w.buf = w.buf[:len(w.buf)+k]
		p = p[k:]
	}
	return total, nil
}

func (w *sealWriter) seal(last bool) error {
	segmentNonce(w.nonce, w.prefix, w.counter, last)
	w.out = w.aead.Seal(w.out[:0], w.nonce, w.buf, nil)
	w.counter++
	w.buf = w.buf[:0]
	_, err := w.dst.Write(w.out)
	return err
}

func (w *sealWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.seal(true)
}
