package codec

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/meta"
	"github.com/ulikunitz/xz/lzma"
)

// ErrBadSignature indicates a signature that does not verify.
var ErrBadSignature = errors.New("signature verification failed")

// NewEncoder wraps dst with the writer that applies one step. The writer
// must be closed to flush the step's trailer.
func NewEncoder(dst io.Writer, kind meta.EncodingKind, pass string) (io.WriteCloser, error) {
	switch kind {
	case meta.EncodingNone:
		return nopWriteCloser{dst}, nil
	case meta.EncodingGzip:
		return gzip.NewWriter(dst), nil
	case meta.EncodingZstd:
		return zstd.NewWriter(dst)
	case meta.EncodingLZMA:
		return lzma.NewWriter(dst)
	case meta.EncodingAES, meta.EncodingXChaCha:
		if pass == "" {
			return nil, ErrPassphraseRequired
		}
		return newSealWriter(dst, kind, pass)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// EncodeBytes applies kinds in order and returns the encoded bytes along
// with the manifest encoding list, each entry hashing its step's output.
func EncodeBytes(data []byte, kinds []meta.EncodingKind, pass string) ([]byte, []meta.Encoding, error) {
	cur := data
	encodings := make([]meta.Encoding, 0, len(kinds))
	for _, kind := range kinds {
		var out bytes.Buffer
		w, err := NewEncoder(&out, kind, pass)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s: %w", kind, err)
		}
		if _, err := w.Write(cur); err != nil {
			return nil, nil, fmt.Errorf("encode %s: %w", kind, err)
		}
		if err := w.Close(); err != nil {
			return nil, nil, fmt.Errorf("encode %s: %w", kind, err)
		}
		cur = out.Bytes()
		encodings = append(encodings, meta.Encoding{Kind: kind, Hash: hash.Sum(cur)})
	}
	return cur, encodings, nil
}

// Sign signs a content hash.
func Sign(priv ed25519.PrivateKey, content hash.Hash) []byte {
	return ed25519.Sign(priv, content.Bytes())
}

// VerifySignature checks sig over a content hash.
func VerifySignature(pub ed25519.PublicKey, sig []byte, content hash.Hash) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key length %d", ErrBadSignature, len(pub))
	}
	if !ed25519.Verify(pub, content.Bytes(), sig) {
		return ErrBadSignature
	}
	return nil
}
