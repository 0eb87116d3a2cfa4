package meta

import (
	"fmt"

	"github.com/sheerbytes/chunkget/pkg/hash"
)

// EncodingKind names one transformation applied at upload time.
type EncodingKind byte

const (
	EncodingNone    = EncodingKind(0)
	EncodingGzip    = EncodingKind(1)
	EncodingLZMA    = EncodingKind(2)
	EncodingZstd    = EncodingKind(3)
	EncodingAES     = EncodingKind(4)
	EncodingXChaCha = EncodingKind(5)
)

// Encoding is one upload step and the hash of the bytes it produced.
type Encoding struct {
	Kind EncodingKind
	Hash hash.Hash
}

// IsCompression reports whether the step is a compression container.
func (k EncodingKind) IsCompression() bool {
	return k == EncodingGzip || k == EncodingLZMA || k == EncodingZstd
}

// IsEncryption reports whether the step needs a passphrase to undo.
func (k EncodingKind) IsEncryption() bool {
	return k == EncodingAES || k == EncodingXChaCha
}

func (k EncodingKind) String() string {
	switch k {
	case EncodingNone:
		return "none"
	case EncodingGzip:
		return "gzip"
	case EncodingLZMA:
		return "lzma"
	case EncodingZstd:
		return "zstd"
	case EncodingAES:
		return "aes-256-gcm"
	case EncodingXChaCha:
		return "xchacha20-poly1305"
	default:
		return fmt.Sprintf("encoding(%d)", byte(k))
	}
}

// ParseEncodingKind accepts the names produced by String.
func ParseEncodingKind(name string) (EncodingKind, error) {
	switch name {
	case "none", "":
		return EncodingNone, nil
	case "gzip":
		return EncodingGzip, nil
	case "lzma":
		return EncodingLZMA, nil
	case "zstd":
		return EncodingZstd, nil
	case "aes", "aes-256-gcm":
		return EncodingAES, nil
	case "xchacha", "xchacha20-poly1305":
		return EncodingXChaCha, nil
	default:
		return EncodingNone, fmt.Errorf("unknown encoding %q", name)
	}
}
