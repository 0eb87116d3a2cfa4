package mux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Marker starts every frame.
	Marker = 0xCB
	// HeaderSize is marker + 8-byte ID + 4-byte length.
	HeaderSize = 13
	// MaxPayload bounds a single frame payload.
	MaxPayload = 64 << 20
)

// KeepAlivePayload is sent by a host for a slow request. It extends the
// request's deadline instead of completing it.
var KeepAlivePayload = []byte{0xFE, 'K', 'A'}

var (
	// ErrBadMarker indicates a stream that lost frame alignment.
	ErrBadMarker = errors.New("bad frame marker")
	// ErrFrameTooLarge indicates a payload above MaxPayload.
	ErrFrameTooLarge = errors.New("frame too large")
)

// IsKeepAlive reports whether payload is the keep-alive pattern.
func IsKeepAlive(payload []byte) bool {
	return bytes.Equal(payload, KeepAlivePayload)
}

// WriteFrame writes one frame with a single Write call so message-oriented
// transports see exactly one message per frame.
func WriteFrame(w io.Writer, id uint64, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = Marker
	binary.BigEndian.PutUint64(buf[1:9], id)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame.
func ReadFrame(r io.Reader) (uint64, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	if hdr[0] != Marker {
		return 0, nil, fmt.Errorf("%w: 0x%02x", ErrBadMarker, hdr[0])
	}
	id := binary.BigEndian.Uint64(hdr[1:9])
	n := binary.BigEndian.Uint32(hdr[9:13])
	if n > MaxPayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return id, payload, nil
}
