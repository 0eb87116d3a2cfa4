package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/meta"
	"github.com/sheerbytes/chunkget/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote serves chunks from per-host maps.
type fakeRemote struct {
	mu    sync.Mutex
	data  map[string]map[hash.Hash][]byte
	meta  map[string]map[hash.Hash][]byte
	fail  map[string]error
	calls []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		data: map[string]map[hash.Hash][]byte{},
		meta: map[string]map[hash.Hash][]byte{},
		fail: map[string]error{},
	}
}

func (r *fakeRemote) putData(host string, h hash.Hash, b []byte) {
	if r.data[host] == nil {
		r.data[host] = map[hash.Hash][]byte{}
	}
	r.data[host][h] = b
}

func (r *fakeRemote) putMeta(host string, h hash.Hash, b []byte) {
	if r.meta[host] == nil {
		r.meta[host] = map[hash.Hash][]byte{}
	}
	r.meta[host][h] = b
}

func (r *fakeRemote) lookup(store map[string]map[hash.Hash][]byte, host string, hashes []hash.Hash) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, host)
	if err := r.fail[host]; err != nil {
		return nil, err
	}
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		out[i] = store[host][h]
	}
	return out, nil
}

func (r *fakeRemote) GetMeta(ctx context.Context, host string, hashes []hash.Hash) ([][]byte, error) {
	return r.lookup(r.meta, host, hashes)
}

func (r *fakeRemote) GetData(ctx context.Context, host string, hashes []hash.Hash) ([][]byte, error) {
	return r.lookup(r.data, host, hashes)
}

type fixedCandidates []string

func (c fixedCandidates) CandidatesFor(hash.Hash) []string { return c }

type recorder struct {
	mu        sync.Mutex
	failures  map[string]int
	successes map[string]int
}

func (r *recorder) RecordFailure(host string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[host]++
}

func (r *recorder) RecordSuccess(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes[host]++
}

func TestFetchDataFallsThroughVoidHost(t *testing.T) {
	body := []byte("chunk body")
	h := hash.Sum(body)
	remote := newFakeRemote()
	remote.putData("b", h, body)

	var tried []string
	f := &Fetcher{
		Remote:     remote,
		Candidates: fixedCandidates{"a", "b"},
		Validate:   true,
		OnTry:      func(_ Kind, _ hash.Hash, host string) { tried = append(tried, host) },
	}
	got, err := f.FetchData(context.Background(), h, h)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, []string{"a", "b"}, tried)
}

func TestFetchDataMismatchExhaustsAttempts(t *testing.T) {
	h := hash.Sum([]byte("expected"))
	remote := newFakeRemote()
	remote.putData("only", h, []byte("corrupt"))

	f := &Fetcher{Remote: remote, Candidates: fixedCandidates{"only"}, Validate: true}
	_, err := f.FetchData(context.Background(), h, h)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, ErrHashMismatch)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, DefaultAttempts, fe.Tried)
	assert.Len(t, fe.Hosts, 2)
	assert.Len(t, remote.calls, 2)
}

func TestFetchDataWithoutValidationAcceptsBytes(t *testing.T) {
	h := hash.Sum([]byte("expected"))
	remote := newFakeRemote()
	remote.putData("only", h, []byte("corrupt"))

	f := &Fetcher{Remote: remote, Candidates: fixedCandidates{"only"}}
	got, err := f.FetchData(context.Background(), h, h)
	require.NoError(t, err)
	assert.Equal(t, []byte("corrupt"), got)
}

func TestFetchNoCandidates(t *testing.T) {
	f := &Fetcher{Remote: newFakeRemote(), Candidates: fixedCandidates{}}
	_, err := f.FetchData(context.Background(), hash.Zero, hash.Zero)
	require.ErrorIs(t, err, ErrNoCandidates)
}

func TestFetchRecordsConnectivityFailures(t *testing.T) {
	body := []byte("x")
	h := hash.Sum(body)
	remote := newFakeRemote()
	remote.fail["down"] = errors.New("connection refused")
	remote.fail["angry"] = &protocol.RemoteError{Message: "busy"}
	remote.putData("up", h, body)
	rec := &recorder{failures: map[string]int{}, successes: map[string]int{}}

	f := &Fetcher{Remote: remote, Candidates: fixedCandidates{"down", "angry", "up"}, Recorder: rec}
	_, err := f.FetchData(context.Background(), h, h)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.failures["down"])
	assert.Equal(t, 0, rec.failures["angry"])
	assert.Equal(t, 1, rec.successes["up"])
}

func TestFetchHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &Fetcher{Remote: newFakeRemote(), Candidates: fixedCandidates{"a"}}
	_, err := f.FetchData(ctx, hash.Zero, hash.Zero)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetchStopsBetweenHosts(t *testing.T) {
	h := hash.Sum([]byte("on no host"))
	remote := newFakeRemote()
	halted := false
	f := &Fetcher{
		Remote:     remote,
		Candidates: fixedCandidates{"a", "b", "c", "d"},
		OnTry:      func(Kind, hash.Hash, string) { halted = true },
		Halted:     func() bool { return halted },
	}
	_, err := f.FetchData(context.Background(), h, h)
	require.ErrorIs(t, err, ErrStopped)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"a"}, remote.calls)
}

func TestFetchMetadataSkipsGarbage(t *testing.T) {
	fileHash := hash.Sum([]byte("file"))
	m := &meta.FileManifest{Uploads: []meta.Upload{{Name: "f", UploadedAt: time.UnixMilli(5), Parts: []hash.Hash{fileHash}}}}
	raw, err := m.MarshalBinary()
	require.NoError(t, err)

	remote := newFakeRemote()
	remote.putMeta("bad", fileHash, []byte("not a manifest"))
	remote.putMeta("good", fileHash, raw)
	f := &Fetcher{Remote: remote, Candidates: fixedCandidates{"bad", "good"}}

	got, err := f.FetchMetadata(context.Background(), fileHash)
	require.NoError(t, err)
	assert.Equal(t, "f", got.Uploads[0].Name)
}

func TestFetchBatch(t *testing.T) {
	a, b, c := []byte("a"), []byte("b"), []byte("c")
	ha, hb, hc := hash.Sum(a), hash.Sum(b), hash.Sum(c)
	remote := newFakeRemote()
	remote.putData("h", ha, a)
	remote.putData("h", hc, []byte("wrong"))

	f := &Fetcher{Remote: remote, Validate: true}
	items, err := f.FetchBatch(context.Background(), KindData, "h", []hash.Hash{ha, hb, hc})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, a, items[0])
	assert.Nil(t, items[1], "void")
	assert.Nil(t, items[2], "corrupt entries are dropped")

	remote.fail["h"] = errors.New("reset")
	_, err = f.FetchBatch(context.Background(), KindData, "h", []hash.Hash{ha})
	var he *HostError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "h", he.Host)
}

func TestBatcherCountCap(t *testing.T) {
	bt := NewBatcher[int](2, 0)
	var flushes [][]int
	for i := 0; i < 5; i++ {
		if full := bt.Add("h", i, 10); full != nil {
			flushes = append(flushes, full)
		}
	}
	assert.Equal(t, 1, bt.Len())
	for _, fl := range bt.TakeAll() {
		assert.Equal(t, "h", fl.Host)
		flushes = append(flushes, fl.Items)
	}
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4}}, flushes)
	assert.Equal(t, 0, bt.Len())
}

func TestBatcherByteThresholdAndHosts(t *testing.T) {
	bt := NewBatcher[string](100, 25)
	assert.Nil(t, bt.Add("x", "x1", 10))
	assert.Nil(t, bt.Add("y", "y1", 10))
	assert.Nil(t, bt.Add("x", "x2", 10))
	assert.Equal(t, []string{"x1", "x2", "x3"}, bt.Add("x", "x3", 10))

	left := bt.TakeAll()
	require.Len(t, left, 1)
	assert.Equal(t, "y", left[0].Host)
	assert.Equal(t, []string{"y1"}, left[0].Items)
}

func TestHostErrorSetMessage(t *testing.T) {
	set := HostErrorSet{{Host: "a", Err: errors.New("one")}, {Host: "b", Err: ErrHashMismatch}}
	assert.Equal(t, "a: one; b: content hash mismatch", set.Error())
	assert.ErrorIs(t, set, ErrHashMismatch)
}
