package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/protocol"
)

// Remote fetches chunks from a named host. Each call returns one entry per
// requested hash; a nil entry means the host does not hold that chunk.
type Remote interface {
	GetMeta(ctx context.Context, host string, hashes []hash.Hash) ([][]byte, error)
	GetData(ctx context.Context, host string, hashes []hash.Hash) ([][]byte, error)
}

// MuxRemote speaks the chunk protocol over pooled multiplexed connections.
type MuxRemote struct {
	Pool *Pool
	// Timeout bounds one round trip. Zero leaves it to the purge sweep.
	Timeout time.Duration
}

var _ Remote = (*MuxRemote)(nil)

// GetMeta requests metadata chunks.
func (r *MuxRemote) GetMeta(ctx context.Context, host string, hashes []hash.Hash) ([][]byte, error) {
	return r.call(ctx, host, protocol.OpGetMeta, hashes)
}

// GetData requests data chunks.
func (r *MuxRemote) GetData(ctx context.Context, host string, hashes []hash.Hash) ([][]byte, error) {
	return r.call(ctx, host, protocol.OpGetData, hashes)
}

// Ping checks that host answers.
func (r *MuxRemote) Ping(ctx context.Context, host string) error {
	_, err := r.call(ctx, host, protocol.OpPing, nil)
	return err
}

func (r *MuxRemote) call(ctx context.Context, host string, op protocol.Op, hashes []hash.Hash) ([][]byte, error) {
	conn, err := r.Pool.Get(host)
	if err != nil {
		return nil, err
	}
	payload, err := protocol.EncodeRequest(op, hashes)
	if err != nil {
		return nil, err
	}
	raw, err := conn.Call(ctx, payload, r.Timeout)
	if err != nil {
		return nil, err
	}
	resp, err := protocol.DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	if op != protocol.OpPing && len(resp.Items) != len(hashes) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrShortResponse, len(resp.Items), len(hashes))
	}
	return resp.Items, nil
}
