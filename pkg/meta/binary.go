package meta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sheerbytes/chunkget/pkg/hash"
)

const (
	maxStringLen = 64 * 1024
	maxBlobLen   = 16 * 1024 * 1024
	maxCount     = 1 << 24
)

var (
	// ErrInvalidMagic indicates the bytes are not a manifest of the expected type.
	ErrInvalidMagic = errors.New("invalid manifest magic")
	// ErrUnsupportedVersion indicates a manifest from a newer format.
	ErrUnsupportedVersion = errors.New("unsupported manifest version")
	// ErrTruncated indicates the manifest ended early.
	ErrTruncated = errors.New("truncated manifest")
)

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) bytes() []byte { return e.buf.Bytes() }

func (e *encoder) raw(b []byte) { e.buf.Write(b) }

func (e *encoder) u8(v byte) { e.buf.WriteByte(v) }

func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) str(s string) {
	e.u16(uint16(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) blob(b []byte) {
	e.u32(uint32(len(b)))
	e.buf.Write(b)
}

func (e *encoder) hash(h hash.Hash) { e.buf.Write(h[:]) }

type decoder struct {
	r   *bytes.Reader
	err error
}

func newDecoder(data []byte) *decoder {
	return &decoder{r: bytes.NewReader(data)}
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > d.r.Len() {
		d.fail(ErrTruncated)
		return nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(d.r, out); err != nil {
		d.fail(ErrTruncated)
		return nil
	}
	return out
}

func (d *decoder) u8() byte {
	b := d.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.read(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.read(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.read(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) boolean() bool {
	return d.u8() != 0
}

func (d *decoder) str() string {
	n := int(d.u16())
	if n > maxStringLen {
		d.fail(fmt.Errorf("string length %d exceeds limit", n))
		return ""
	}
	return string(d.read(n))
}

func (d *decoder) blob() []byte {
	n := d.u32()
	if n > maxBlobLen {
		d.fail(fmt.Errorf("blob length %d exceeds limit", n))
		return nil
	}
	return d.read(int(n))
}

func (d *decoder) count() int {
	n := d.u32()
	if n > maxCount {
		d.fail(fmt.Errorf("count %d exceeds limit", n))
		return 0
	}
	return int(n)
}

func (d *decoder) hash() hash.Hash {
	b := d.read(hash.Size)
	if b == nil {
		return hash.Zero
	}
	var h hash.Hash
	copy(h[:], b)
	return h
}

func (d *decoder) header(magic string, version uint16) {
	m := d.read(len(magic))
	if d.err != nil {
		return
	}
	if string(m) != magic {
		d.fail(ErrInvalidMagic)
		return
	}
	if v := d.u16(); d.err == nil && v != version {
		d.fail(fmt.Errorf("%w %d", ErrUnsupportedVersion, v))
	}
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after manifest", d.r.Len())
	}
	return nil
}
