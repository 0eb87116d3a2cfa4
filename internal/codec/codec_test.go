package codec

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/meta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/300)
	}
	return b
}

func TestRoundTripAcrossSteps(t *testing.T) {
	cases := []struct {
		name  string
		kinds []meta.EncodingKind
		size  int
	}{
		{"plain", nil, 1000},
		{"gzip", []meta.EncodingKind{meta.EncodingGzip}, 200_000},
		{"zstd", []meta.EncodingKind{meta.EncodingZstd}, 200_000},
		{"lzma", []meta.EncodingKind{meta.EncodingLZMA}, 50_000},
		{"gzip+aes", []meta.EncodingKind{meta.EncodingGzip, meta.EncodingAES}, 300_000},
		{"lzma+xchacha", []meta.EncodingKind{meta.EncodingLZMA, meta.EncodingXChaCha}, 70_000},
		{"aes exact segment", []meta.EncodingKind{meta.EncodingAES}, 2 * segmentSize},
		{"xchacha empty", []meta.EncodingKind{meta.EncodingXChaCha}, 0},
	}
	const pass = "correct horse"
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			content := sample(tc.size)
			padded := append(append([]byte(nil), content...), Padding(pass)...)
			encoded, encs, err := EncodeBytes(padded, tc.kinds, pass)
			require.NoError(t, err)
			require.Len(t, encs, len(tc.kinds))
			if len(encs) > 0 {
				assert.Equal(t, hash.Sum(encoded), encs[len(encs)-1].Hash)
			}

			decoded, err := DecodeBytes(encoded, encs, pass)
			require.NoError(t, err)
			assert.Equal(t, hash.Sum(padded), hash.Sum(decoded))
			trimmed, err := TrimPadding(decoded, Padding(pass))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(content, trimmed))
		})
	}
}

func TestDecryptErrors(t *testing.T) {
	encoded, encs, err := EncodeBytes(sample(200_000), []meta.EncodingKind{meta.EncodingAES}, "right")
	require.NoError(t, err)

	_, err = DecodeBytes(encoded, encs, "")
	require.ErrorIs(t, err, ErrPassphraseRequired)

	_, err = DecodeBytes(encoded, encs, "wrong")
	require.ErrorIs(t, err, ErrWrongPassphrase)

	// Dropping the final segment must not look like a complete stream.
	cut := encoded[:4+saltLen+7+2*(segmentSize+16)]
	_, err = DecodeBytes(cut, encs, "right")
	require.ErrorIs(t, err, ErrCorrupt)

	flipped := append([]byte(nil), encoded...)
	flipped[len(flipped)-1] ^= 0xFF
	_, err = DecodeBytes(flipped, encs, "right")
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestTrimWriterHoldsBackSuffix(t *testing.T) {
	pad := Padding("p")
	content := sample(1000)
	full := append(append([]byte(nil), content...), pad...)

	for _, step := range []int{1, 3, 40, 41, 500, len(full)} {
		var out bytes.Buffer
		w := NewTrimWriter(&out, pad)
		for off := 0; off < len(full); off += step {
			end := min(off+step, len(full))
			_, err := w.Write(full[off:end])
			require.NoError(t, err)
		}
		require.NoError(t, w.Close(), "step %d", step)
		assert.Equal(t, content, out.Bytes(), "step %d", step)
		assert.Equal(t, int64(len(content)), w.Written())
	}

	var out bytes.Buffer
	w := NewTrimWriter(&out, pad)
	_, _ = w.Write(content)
	require.ErrorIs(t, w.Close(), ErrPaddingMismatch)
}

func TestPaddingIsPassphraseHash(t *testing.T) {
	assert.Len(t, Padding(""), hash.Size)
	assert.Equal(t, hash.Sum([]byte("abc")).Bytes(), Padding("abc"))
	assert.NotEqual(t, Padding("a"), Padding("b"))
	_, err := TrimPadding([]byte("short"), Padding("x"))
	require.ErrorIs(t, err, ErrPaddingMismatch)
}

func TestSignatures(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	h := hash.Sum([]byte("content"))
	sig := Sign(priv, h)
	require.NoError(t, VerifySignature(pub, sig, h))
	require.ErrorIs(t, VerifySignature(pub, sig, hash.Sum([]byte("other"))), ErrBadSignature)
	require.ErrorIs(t, VerifySignature(pub[:10], sig, h), ErrBadSignature)
}

func TestUnsupportedKind(t *testing.T) {
	_, err := DecodeBytes([]byte("x"), []meta.Encoding{{Kind: meta.EncodingKind(99)}}, "")
	require.ErrorIs(t, err, ErrUnsupported)
}
