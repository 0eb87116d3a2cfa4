package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sheerbytes/chunkget/pkg/hash"
)

var (
	// ErrMalformed indicates a payload that does not parse.
	ErrMalformed = errors.New("malformed payload")
	// ErrBatchTooLarge indicates more hashes than a request can carry.
	ErrBatchTooLarge = errors.New("batch too large")
)

// RemoteError is a StatusError response.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// Request asks a host for the chunks named by Hashes.
type Request struct {
	Op     Op
	Hashes []hash.Hash
}

// Response carries one item per requested hash. A nil item means the host
// does not hold that chunk.
type Response struct {
	Status  Status
	Message string
	Items   [][]byte
}

// EncodeRequest builds a request payload.
func EncodeRequest(op Op, hashes []hash.Hash) ([]byte, error) {
	if len(hashes) > MaxBatch {
		return nil, fmt.Errorf("%w: %d hashes", ErrBatchTooLarge, len(hashes))
	}
	buf := make([]byte, 3, 3+len(hashes)*hash.Size)
	buf[0] = byte(op)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(hashes)))
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	return buf, nil
}

// DecodeRequest parses a request payload.
func DecodeRequest(payload []byte) (Request, error) {
	if len(payload) < 3 {
		return Request{}, fmt.Errorf("%w: request header", ErrMalformed)
	}
	req := Request{Op: Op(payload[0])}
	n := int(binary.BigEndian.Uint16(payload[1:3]))
	body := payload[3:]
	if len(body) != n*hash.Size {
		return Request{}, fmt.Errorf("%w: want %d hashes, have %d bytes", ErrMalformed, n, len(body))
	}
	req.Hashes = make([]hash.Hash, n)
	for i := range req.Hashes {
		copy(req.Hashes[i][:], body[i*hash.Size:])
	}
	return req, nil
}

// EncodeResponse builds an OK response. Nil items are encoded as absent.
func EncodeResponse(items [][]byte) ([]byte, error) {
	if len(items) > MaxBatch {
		return nil, fmt.Errorf("%w: %d items", ErrBatchTooLarge, len(items))
	}
	size := 3
	for _, it := range items {
		size += 5 + len(it)
	}
	buf := make([]byte, 3, size)
	buf[0] = byte(StatusOK)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(items)))
	var hdr [5]byte
	for _, it := range items {
		if it == nil {
			hdr[0] = 0
			binary.BigEndian.PutUint32(hdr[1:], 0)
			buf = append(buf, hdr[:]...)
			continue
		}
		hdr[0] = 1
		binary.BigEndian.PutUint32(hdr[1:], uint32(len(it)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, it...)
	}
	return buf, nil
}

// EncodeError builds a StatusError response.
func EncodeError(msg string) []byte {
	if len(msg) > 0xFFFF {
		msg = msg[:0xFFFF]
	}
	buf := make([]byte, 3, 3+len(msg))
	buf[0] = byte(StatusError)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(msg)))
	return append(buf, msg...)
}

// DecodeResponse parses a response payload. A StatusError response is
// returned as a *RemoteError.
func DecodeResponse(payload []byte) (Response, error) {
	if len(payload) < 3 {
		return Response{}, fmt.Errorf("%w: response header", ErrMalformed)
	}
	resp := Response{Status: Status(payload[0])}
	n := int(binary.BigEndian.Uint16(payload[1:3]))
	rest := payload[3:]
	switch resp.Status {
	case StatusError:
		if len(rest) != n {
			return Response{}, fmt.Errorf("%w: error message", ErrMalformed)
		}
		resp.Message = string(rest)
		return resp, &RemoteError{Message: resp.Message}
	case StatusOK:
	default:
		return Response{}, fmt.Errorf("%w: status %d", ErrMalformed, resp.Status)
	}
	resp.Items = make([][]byte, n)
	for i := 0; i < n; i++ {
		if len(rest) < 5 {
			return Response{}, fmt.Errorf("%w: item %d header", ErrMalformed, i)
		}
		present := rest[0]
		size := binary.BigEndian.Uint32(rest[1:5])
		rest = rest[5:]
		if present == 0 {
			continue
		}
		if size > MaxItemSize || int(size) > len(rest) {
			return Response{}, fmt.Errorf("%w: item %d length %d", ErrMalformed, i, size)
		}
		item := make([]byte, size)
		copy(item, rest[:size])
		resp.Items[i] = item
		rest = rest[size:]
	}
	if len(rest) != 0 {
		return Response{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return resp, nil
}
