package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sheerbytes/chunkget/pkg/hash"
)

func TestRequestCodec(t *testing.T) {
	tests := []struct {
		name   string
		op     Op
		hashes []hash.Hash
	}{
		{name: "ping", op: OpPing},
		{name: "single", op: OpGetMeta, hashes: []hash.Hash{hash.Sum([]byte("a"))}},
		{name: "batch", op: OpGetData, hashes: []hash.Hash{hash.Sum([]byte("a")), hash.Sum([]byte("b")), hash.Sum([]byte("c"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := EncodeRequest(tt.op, tt.hashes)
			if err != nil {
				t.Fatalf("EncodeRequest() error = %v", err)
			}
			req, err := DecodeRequest(payload)
			if err != nil {
				t.Fatalf("DecodeRequest() error = %v", err)
			}
			if req.Op != tt.op || len(req.Hashes) != len(tt.hashes) {
				t.Fatalf("DecodeRequest() = %+v", req)
			}
			for i := range tt.hashes {
				if req.Hashes[i] != tt.hashes[i] {
					t.Fatalf("hash %d mismatch", i)
				}
			}
		})
	}
}

func TestDecodeRequestRejectsShortBody(t *testing.T) {
	payload, _ := EncodeRequest(OpGetData, []hash.Hash{hash.Sum([]byte("a"))})
	if _, err := DecodeRequest(payload[:len(payload)-1]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestResponseWithVoidItems(t *testing.T) {
	payload, err := EncodeResponse([][]byte{[]byte("one"), nil, {}})
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	resp, err := DecodeResponse(payload)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if len(resp.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(resp.Items))
	}
	if !bytes.Equal(resp.Items[0], []byte("one")) {
		t.Fatalf("item 0 = %q", resp.Items[0])
	}
	if resp.Items[1] != nil {
		t.Fatalf("item 1 should be void")
	}
	if resp.Items[2] == nil || len(resp.Items[2]) != 0 {
		t.Fatalf("item 2 should be present and empty")
	}
}

func TestErrorResponse(t *testing.T) {
	_, err := DecodeResponse(EncodeError("disk on fire"))
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "disk on fire" {
		t.Fatalf("expected RemoteError, got %v", err)
	}
}
