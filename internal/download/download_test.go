package download

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/chunkget/internal/codec"
	"github.com/sheerbytes/chunkget/internal/event"
	"github.com/sheerbytes/chunkget/internal/fetch"
	"github.com/sheerbytes/chunkget/internal/fixture"
	"github.com/sheerbytes/chunkget/internal/hosts"
	"github.com/sheerbytes/chunkget/internal/logging"
	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/meta"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("connection refused")

type fakeHost struct {
	mu      sync.Mutex
	meta    map[hash.Hash][]byte
	data    map[hash.Hash][]byte
	offline bool
	corrupt bool
}

func newHost() *fakeHost {
	return &fakeHost{meta: make(map[hash.Hash][]byte), data: make(map[hash.Hash][]byte)}
}

func (h *fakeHost) PutMeta(k hash.Hash, b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.meta[k] = b
	return nil
}

func (h *fakeHost) PutData(k hash.Hash, b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data[k] = b
	return nil
}

func (h *fakeHost) dropData(k hash.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.data, k)
}

type call struct {
	kind   fetch.Kind
	host   string
	hashes []hash.Hash
}

type fakeRemote struct {
	mu    sync.Mutex
	hosts map[string]*fakeHost
	calls []call
	hook  func(c call)
}

func (f *fakeRemote) GetMeta(ctx context.Context, host string, hashes []hash.Hash) ([][]byte, error) {
	return f.get(call{kind: fetch.KindMeta, host: host, hashes: hashes})
}

func (f *fakeRemote) GetData(ctx context.Context, host string, hashes []hash.Hash) ([][]byte, error) {
	return f.get(call{kind: fetch.KindData, host: host, hashes: hashes})
}

func (f *fakeRemote) get(c call) ([][]byte, error) {
	f.mu.Lock()
	c.hashes = append([]hash.Hash(nil), c.hashes...)
	f.calls = append(f.calls, c)
	h := f.hosts[c.host]
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	if h == nil || h.offline {
		return nil, errOffline
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(c.hashes))
	for i, k := range c.hashes {
		store := h.data
		if c.kind == fetch.KindMeta {
			store = h.meta
		}
		b, ok := store[k]
		if !ok {
			continue
		}
		b = append([]byte(nil), b...)
		if c.kind == fetch.KindData && h.corrupt && len(b) > 0 {
			b[0] ^= 0xff
		}
		out[i] = b
	}
	return out, nil
}

func (f *fakeRemote) callsOf(kind fetch.Kind) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRemote) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// tableFor lists hosts in preference order: the first is writable and so
// ranks ahead of the others.
func tableFor(names ...string) *hosts.StaticTable {
	rows := make([]hosts.Status, len(names))
	for i, n := range names {
		rows[i] = hosts.Status{Host: n, Online: true, Readable: true, Writable: i == 0, Spans: []hash.Span{hash.FullSpan()}}
	}
	return hosts.NewStaticTable(rows, 0, logging.Discard())
}

type testEnv struct {
	fs     afero.Fs
	remote *fakeRemote
	task   *Task
	rec    *event.Recorder
}

func newEnv(t *testing.T, remote *fakeRemote, table hosts.Table, tweak func(*Options)) *testEnv {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/out", 0o755))
	opts := Options{
		Remote:       remote,
		Table:        table,
		Fs:           fs,
		Logger:       logging.Discard(),
		PollInterval: 20 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	task := NewTask(opts)
	rec := &event.Recorder{}
	task.AddListener(rec)
	return &testEnv{fs: fs, remote: remote, task: task, rec: rec}
}

func publish(t *testing.T, set *fixture.Set, names ...string) (*fakeRemote, map[string]*fakeHost) {
	t.Helper()
	remote := &fakeRemote{hosts: make(map[string]*fakeHost)}
	for _, n := range names {
		h := newHost()
		require.NoError(t, set.CopyTo(h))
		remote.hosts[n] = h
	}
	return remote, remote.hosts
}

func sampleFiles(n int) []fixture.File {
	files := make([]fixture.File, n)
	for i := range files {
		files[i] = fixture.File{
			RelativePath: fmt.Sprintf("docs/f%d.txt", i),
			Content:      bytes.Repeat([]byte(fmt.Sprintf("file %d ", i)), 50+i),
		}
	}
	return files
}

func readFile(t *testing.T, fs afero.Fs, path string) []byte {
	t.Helper()
	b, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return b
}

func TestRetryOnSecondHost(t *testing.T) {
	set := fixture.NewSet()
	content := bytes.Repeat([]byte("chunkget "), 100)
	h, up, err := set.AddFile("notes.txt", fixture.File{Content: content}, fixture.Options{})
	require.NoError(t, err)
	remote, hs := publish(t, set, "a", "b")
	hs["a"].dropData(up.Parts[0])

	env := newEnv(t, remote, tableFor("a", "b"), nil)
	require.NoError(t, env.task.SetHash(h))
	require.NoError(t, env.task.SetSaveTo("/out"))

	rep, err := env.task.DownloadFile(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.Equal(t, content, readFile(t, env.fs, "/out/notes.txt"))
	assert.EqualValues(t, 1, rep.Files())
	assert.EqualValues(t, len(content), rep.Bytes())

	var tried []string
	for _, e := range env.rec.Events() {
		if e.Subject == event.SubjectData && e.Phase == event.PhaseTrying {
			tried = append(tried, e.Host)
		}
	}
	assert.Equal(t, []string{"a", "b"}, tried)
	assert.Equal(t, 1, env.rec.Count(event.SubjectData, event.PhaseFinished))
	assert.Equal(t, 1, env.rec.Count(event.SubjectFile, event.PhaseFinished))
	assert.Zero(t, env.rec.Count(event.SubjectFile, event.PhaseFailed))
}

func TestMismatchTwiceFailsWithoutWriting(t *testing.T) {
	set := fixture.NewSet()
	h, _, err := set.AddFile("notes.txt", fixture.File{Content: []byte("some content")}, fixture.Options{})
	require.NoError(t, err)
	remote, hs := publish(t, set, "a")
	hs["a"].corrupt = true

	env := newEnv(t, remote, tableFor("a"), nil)
	require.NoError(t, env.task.SetHash(h))
	require.NoError(t, env.task.SetSaveTo("/out"))
	require.NoError(t, env.task.SetValidate(true))

	rep, err := env.task.DownloadFile(context.Background())
	require.NoError(t, err)
	require.True(t, rep.IsFailed())
	assert.ErrorIs(t, rep.Err(), fetch.ErrHashMismatch)
	assert.ErrorIs(t, rep.Err(), fetch.ErrNotFound)
	assert.Len(t, remote.callsOf(fetch.KindData), fetch.DefaultAttempts)
	assert.Zero(t, rep.Bytes())

	exists, err := afero.Exists(env.fs, "/out/notes.txt")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 1, env.rec.Count(event.SubjectFile, event.PhaseFailed))
}

func TestDirectoryPartialFailure(t *testing.T) {
	files := sampleFiles(5)
	set := fixture.NewSet()
	projHash, err := set.AddProject("proj", files, fixture.Options{})
	require.NoError(t, err)

	for _, cont := range []bool{true, false} {
		t.Run(fmt.Sprintf("continue=%v", cont), func(t *testing.T) {
			remote, hs := publish(t, set, "a", "b")
			// Unencoded single-part files are stored under their own hash.
			hs["a"].dropData(hash.Sum(files[3].Content))
			hs["a"].dropData(hash.Sum(files[4].Content))
			hs["b"].offline = true

			env := newEnv(t, remote, tableFor("a", "b"), nil)
			require.NoError(t, env.task.SetHash(projHash))
			require.NoError(t, env.task.SetSaveTo("/out/proj"))
			require.NoError(t, env.task.SetContinueOnFailure(cont))
			require.NoError(t, env.task.SetThreads(3))

			rep, err := env.task.DownloadDirectory(context.Background())
			require.NoError(t, err)
			require.True(t, rep.IsFailed())
			if cont {
				assert.EqualValues(t, 3, rep.Files())
				assert.Len(t, rep.Failures(), 2)
				for _, f := range files[:3] {
					assert.Equal(t, f.Content, readFile(t, env.fs, "/out/proj/"+f.RelativePath))
				}
				assert.Equal(t, 1, env.rec.Count(event.SubjectDirectory, event.PhaseFailed))
			} else {
				assert.Less(t, rep.Files(), int64(5))
				assert.NotEmpty(t, rep.Failures())
			}
		})
	}
}

func TestBatchRoundTrips(t *testing.T) {
	var content []byte
	for i := range 5 {
		content = append(content, fmt.Sprintf("%0100d", i)...)
	}
	set := fixture.NewSet()
	projHash, err := set.AddProject("proj", []fixture.File{{RelativePath: "big.bin", Content: content}}, fixture.Options{PartSize: 100})
	require.NoError(t, err)
	parts := make(map[hash.Hash]bool)
	for off := 0; off < len(content); off += 100 {
		parts[hash.Sum(content[off:off+100])] = true
	}
	require.Len(t, parts, 5)

	remote, _ := publish(t, set, "a")
	env := newEnv(t, remote, tableFor("a"), func(o *Options) {
		o.BatchItems = 2
		o.PollInterval = DefaultPollInterval
	})
	require.NoError(t, env.task.SetHash(projHash))
	require.NoError(t, env.task.SetSaveTo("/out/proj"))
	require.NoError(t, env.task.SetBatch(true))
	require.NoError(t, env.task.SetThreads(2))

	rep, err := env.task.Download(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.Equal(t, content, readFile(t, env.fs, "/out/proj/big.bin"))

	var sizes []int
	for _, c := range remote.callsOf(fetch.KindData) {
		if parts[c.hashes[0]] {
			assert.Equal(t, "a", c.host)
			sizes = append(sizes, len(c.hashes))
		}
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestBatchRequeuesMissingChunks(t *testing.T) {
	files := sampleFiles(4)
	set := fixture.NewSet()
	projHash, err := set.AddProject("proj", files, fixture.Options{})
	require.NoError(t, err)
	remote, hs := publish(t, set, "a", "b")
	hs["a"].dropData(hash.Sum(files[1].Content))

	env := newEnv(t, remote, tableFor("a", "b"), func(o *Options) { o.BatchItems = 3 })
	require.NoError(t, env.task.SetHash(projHash))
	require.NoError(t, env.task.SetSaveTo("/out/proj"))
	require.NoError(t, env.task.SetBatch(true))

	rep, err := env.task.Download(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.EqualValues(t, 4, rep.Files())
	assert.Equal(t, files[1].Content, readFile(t, env.fs, "/out/proj/docs/f1.txt"))
}

func TestPauseDelaysWithoutLosingEvents(t *testing.T) {
	files := sampleFiles(5)
	set := fixture.NewSet()
	projHash, err := set.AddProject("proj", files, fixture.Options{})
	require.NoError(t, err)
	remote, _ := publish(t, set, "a")

	env := newEnv(t, remote, tableFor("a"), nil)
	require.NoError(t, env.task.SetHash(projHash))
	require.NoError(t, env.task.SetSaveTo("/out/proj"))

	const pause = 300 * time.Millisecond
	var once sync.Once
	var pausedAt time.Time
	env.task.AddListener(event.ListenerFunc(func(e event.Event) error {
		if e.Subject == event.SubjectFile && e.Phase == event.PhaseFinished {
			once.Do(func() {
				pausedAt = time.Now()
				env.task.Pause()
				time.AfterFunc(pause, env.task.Resume)
			})
		}
		return nil
	}))

	start := time.Now()
	rep, err := env.task.Download(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.GreaterOrEqual(t, time.Since(start), pause)
	assert.Equal(t, 5, env.rec.Count(event.SubjectFile, event.PhaseFinished))
	partHashes := make(map[hash.Hash]bool)
	for _, f := range files {
		partHashes[hash.Sum(f.Content)] = true
	}
	partsFinished := 0
	for _, e := range env.rec.Events() {
		if e.Subject == event.SubjectData && e.Phase == event.PhaseFinished && partHashes[e.Hash] {
			partsFinished++
		}
	}
	assert.Equal(t, 5, partsFinished)
	assert.Equal(t, 1, env.rec.Count(event.SubjectDirectory, event.PhaseFinished))
	assert.False(t, env.task.Paused())

	for _, e := range env.rec.Events() {
		if e.Time.After(pausedAt.Add(50*time.Millisecond)) && e.Time.Before(pausedAt.Add(pause-50*time.Millisecond)) {
			t.Fatalf("event delivered while paused: %s", e)
		}
	}
}

func TestSkipExistingFileWithoutFetching(t *testing.T) {
	set := fixture.NewSet()
	content := bytes.Repeat([]byte("secret "), 200)
	opts := fixture.Options{
		Encodings:  []meta.EncodingKind{meta.EncodingGzip, meta.EncodingAES},
		Passphrase: "pw",
		Padded:     true,
	}
	h, _, err := set.AddFile("secret.txt", fixture.File{Content: content}, opts)
	require.NoError(t, err)
	remote, _ := publish(t, set, "a")

	env := newEnv(t, remote, tableFor("a"), nil)
	require.NoError(t, env.task.SetHash(h))
	require.NoError(t, env.task.SetSaveTo("/out/secret.txt"))
	require.NoError(t, env.task.SetPassphrase("pw"))

	rep, err := env.task.DownloadFile(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.Equal(t, content, readFile(t, env.fs, "/out/secret.txt"))
	assert.Zero(t, rep.Skipped())

	before := remote.total()
	rep, err = env.task.DownloadFile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped())
	assert.False(t, rep.IsFailed())
	assert.Equal(t, before, remote.total())
	assert.Equal(t, 1, env.rec.Count(event.SubjectFile, event.PhaseSkipped))
}

func TestSkipIntoDirectoryFetchesOnlyManifest(t *testing.T) {
	set := fixture.NewSet()
	content := bytes.Repeat([]byte("present "), 64)
	h, _, err := set.AddFile("here.txt", fixture.File{Content: content}, fixture.Options{})
	require.NoError(t, err)
	remote, _ := publish(t, set, "a")

	env := newEnv(t, remote, tableFor("a"), nil)
	require.NoError(t, afero.WriteFile(env.fs, "/out/here.txt", content, 0o644))
	require.NoError(t, env.task.SetHash(h))
	require.NoError(t, env.task.SetSaveTo("/out"))

	rep, err := env.task.DownloadFile(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.Equal(t, 1, rep.Skipped())
	// The file name lives in the manifest, so only that is fetched.
	assert.Len(t, remote.callsOf(fetch.KindMeta), 1)
	assert.Empty(t, remote.callsOf(fetch.KindData))
}

func TestSkipReplacesStaleFile(t *testing.T) {
	set := fixture.NewSet()
	content := []byte("fresh content")
	h, _, err := set.AddFile("a.txt", fixture.File{Content: content}, fixture.Options{})
	require.NoError(t, err)
	remote, _ := publish(t, set, "a")

	env := newEnv(t, remote, tableFor("a"), nil)
	require.NoError(t, afero.WriteFile(env.fs, "/out/a.txt", []byte("stale content"), 0o644))
	require.NoError(t, env.task.SetHash(h))
	require.NoError(t, env.task.SetSaveTo("/out"))

	rep, err := env.task.Download(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.Zero(t, rep.Skipped())
	assert.Equal(t, content, readFile(t, env.fs, "/out/a.txt"))
}

func TestDirectorySkipOnSecondRun(t *testing.T) {
	files := sampleFiles(3)
	set := fixture.NewSet()
	projHash, err := set.AddProject("proj", files, fixture.Options{Padded: true, Passphrase: "pw", Encodings: []meta.EncodingKind{meta.EncodingXChaCha}})
	require.NoError(t, err)
	remote, _ := publish(t, set, "a")

	env := newEnv(t, remote, tableFor("a"), nil)
	require.NoError(t, env.task.SetHash(projHash))
	require.NoError(t, env.task.SetSaveTo("/out/proj"))
	require.NoError(t, env.task.SetPassphrase("pw"))

	rep, err := env.task.Download(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.EqualValues(t, 3, rep.Files())

	rep, err = env.task.Download(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.Equal(t, 3, rep.Skipped())
	assert.Zero(t, rep.Files())
	assert.Equal(t, 3, env.task.Progress().Skipped)
}

func TestSettersLockedWhileRunning(t *testing.T) {
	set := fixture.NewSet()
	h, _, err := set.AddFile("a.txt", fixture.File{Content: []byte("hello")}, fixture.Options{})
	require.NoError(t, err)
	remote, _ := publish(t, set, "a")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	remote.hook = func(c call) {
		if c.kind == fetch.KindData {
			once.Do(func() { close(entered) })
			<-release
		}
	}

	env := newEnv(t, remote, tableFor("a"), nil)
	require.NoError(t, env.task.SetHash(h))
	require.NoError(t, env.task.SetSaveTo("/out"))

	done := make(chan error, 1)
	go func() {
		_, err := env.task.Download(context.Background())
		done <- err
	}()
	<-entered
	assert.True(t, env.task.Running())
	assert.ErrorIs(t, env.task.SetHash(h), ErrLocked)
	assert.ErrorIs(t, env.task.SetThreads(8), ErrLocked)
	_, err = env.task.Download(context.Background())
	assert.ErrorIs(t, err, ErrLocked)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, env.task.Running())
	assert.NoError(t, env.task.SetHash(h))
	assert.NoError(t, env.task.SetThreads(8))
}

func TestStopHaltsRun(t *testing.T) {
	files := sampleFiles(4)
	set := fixture.NewSet()
	projHash, err := set.AddProject("proj", files, fixture.Options{})
	require.NoError(t, err)
	remote, _ := publish(t, set, "a")

	env := newEnv(t, remote, tableFor("a"), nil)
	var once sync.Once
	remote.hook = func(c call) {
		if c.kind == fetch.KindData && len(remote.callsOf(fetch.KindData)) > 1 {
			once.Do(env.task.Stop)
		}
	}
	require.NoError(t, env.task.SetHash(projHash))
	require.NoError(t, env.task.SetSaveTo("/out/proj"))

	rep, err := env.task.Download(context.Background())
	require.NoError(t, err)
	require.True(t, rep.IsFailed())
	assert.ErrorIs(t, rep.Err(), ErrStopped)
	assert.Less(t, rep.Files(), int64(4))
}

func TestStopEndsHostLoop(t *testing.T) {
	set := fixture.NewSet()
	h, up, err := set.AddFile("void.txt", fixture.File{Content: []byte("nobody has this")}, fixture.Options{})
	require.NoError(t, err)
	remote, hs := publish(t, set, "a", "b", "c", "d")
	for _, host := range hs {
		host.dropData(up.Parts[0])
	}

	env := newEnv(t, remote, tableFor("a", "b", "c", "d"), nil)
	var once sync.Once
	remote.hook = func(c call) {
		if c.kind == fetch.KindData {
			once.Do(env.task.Stop)
		}
	}
	require.NoError(t, env.task.SetHash(h))
	require.NoError(t, env.task.SetSaveTo("/out"))

	rep, err := env.task.DownloadFile(context.Background())
	require.NoError(t, err)
	require.True(t, rep.IsFailed())
	assert.ErrorIs(t, rep.Err(), ErrStopped)
	assert.Len(t, remote.callsOf(fetch.KindData), 1)
}

func TestParamErrors(t *testing.T) {
	set := fixture.NewSet()
	h, _, err := set.AddFile("a.txt", fixture.File{Content: []byte("x")}, fixture.Options{})
	require.NoError(t, err)
	remote, _ := publish(t, set, "a")

	cases := []struct {
		name  string
		table hosts.Table
		setup func(*Task)
		param string
		want  error
	}{
		{"missing hash", tableFor("a"), func(t *Task) { _ = t.SetSaveTo("/out") }, "hash", ErrMissingHash},
		{"missing save location", tableFor("a"), func(t *Task) { _ = t.SetHash(h) }, "save location", ErrMissingSaveTo},
		{"missing parent", tableFor("a"), func(t *Task) {
			_ = t.SetHash(h)
			_ = t.SetSaveTo("/nope/file.txt")
		}, "save location", ErrSaveToUnusable},
		{"no servers", tableFor(), func(t *Task) {
			_ = t.SetHash(h)
			_ = t.SetSaveTo("/out")
		}, "servers", ErrNoServers},
		{"unspecified disabled", tableFor("a"), func(t *Task) {
			_ = t.SetHash(h)
			_ = t.SetSaveTo("/out")
			_ = t.SetUseUnspecified(false)
		}, "servers", ErrNoServers},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newEnv(t, remote, tc.table, nil)
			tc.setup(env.task)
			before := remote.total()
			rep, err := env.task.Download(context.Background())
			assert.Nil(t, rep)
			var pe *ParamError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.param, pe.Param)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, before, remote.total())
			assert.Empty(t, env.rec.Events())
		})
	}

	env := newEnv(t, remote, tableFor("a"), nil)
	assert.ErrorIs(t, env.task.SetThreads(1), ErrBadThreads)
	assert.ErrorIs(t, env.task.SetRegex("("), ErrBadRegex)
}

func TestPassphraseErrors(t *testing.T) {
	set := fixture.NewSet()
	h, _, err := set.AddFile("a.txt", fixture.File{Content: bytes.Repeat([]byte("z"), 1000)}, fixture.Options{
		Encodings:  []meta.EncodingKind{meta.EncodingAES},
		Passphrase: "right",
	})
	require.NoError(t, err)
	remote, _ := publish(t, set, "a")

	env := newEnv(t, remote, tableFor("a"), nil)
	require.NoError(t, env.task.SetHash(h))
	require.NoError(t, env.task.SetSaveTo("/out"))

	rep, err := env.task.Download(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, rep.Err(), codec.ErrPassphraseRequired)

	require.NoError(t, env.task.SetPassphrase("wrong"))
	rep, err = env.task.Download(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, rep.Err(), codec.ErrWrongPassphrase)
	exists, _ := afero.Exists(env.fs, "/out/a.txt")
	assert.False(t, exists)
}

func TestEmbeddedPassphrase(t *testing.T) {
	set := fixture.NewSet()
	content := []byte("embedded secret")
	h, _, err := set.AddFile("a.txt", fixture.File{Content: content}, fixture.Options{
		Encodings:       []meta.EncodingKind{meta.EncodingXChaCha},
		Passphrase:      "inside",
		EmbedPassphrase: true,
		Padded:          true,
	})
	require.NoError(t, err)
	remote, _ := publish(t, set, "a")

	env := newEnv(t, remote, tableFor("a"), nil)
	require.NoError(t, env.task.SetHash(h))
	require.NoError(t, env.task.SetSaveTo("/out"))
	require.NoError(t, env.task.SetValidate(true))

	rep, err := env.task.Download(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.Equal(t, content, readFile(t, env.fs, "/out/a.txt"))
}

func TestDiskPathWithSignature(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	modTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewPCG(1, 2))
	content := make([]byte, 20_000)
	for i := range content {
		content[i] = byte(rng.IntN(256))
	}
	set := fixture.NewSet()
	h, up, err := set.AddFile("big.bin", fixture.File{Content: content, ModTime: modTime}, fixture.Options{
		PartSize:   1000,
		Encodings:  []meta.EncodingKind{meta.EncodingZstd, meta.EncodingAES},
		Passphrase: "pw",
		Padded:     true,
		SigningKey: priv,
	})
	require.NoError(t, err)
	require.Greater(t, len(up.Parts), 1)
	remote, _ := publish(t, set, "a", "b")

	env := newEnv(t, remote, tableFor("a", "b"), func(o *Options) { o.MemoryThreshold = 1000 })
	require.NoError(t, env.fs.MkdirAll("/tmp", 0o755))
	require.NoError(t, env.task.SetHash(h))
	require.NoError(t, env.task.SetSaveTo("/out/copy.bin"))
	require.NoError(t, env.task.SetPassphrase("pw"))
	require.NoError(t, env.task.SetValidate(true))
	require.NoError(t, env.task.SetTempDir("/tmp"))

	rep, err := env.task.Download(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.Equal(t, content, readFile(t, env.fs, "/out/copy.bin"))
	info, err := env.fs.Stat("/out/copy.bin")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(modTime))
	assert.Equal(t, len(up.Parts), env.rec.Count(event.SubjectData, event.PhaseFinished))

	leftovers, err := afero.ReadDir(env.fs, "/tmp")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
	stats := env.task.Progress()
	assert.Equal(t, stats.Total, stats.BytesDone)
}

func TestDirectoryRegexFilter(t *testing.T) {
	set := fixture.NewSet()
	projHash, err := set.AddProject("proj", []fixture.File{
		{RelativePath: "keep/a.TXT", Content: []byte("a")},
		{RelativePath: "drop/b.bin", Content: []byte("b")},
	}, fixture.Options{})
	require.NoError(t, err)
	remote, _ := publish(t, set, "a")

	env := newEnv(t, remote, tableFor("a"), nil)
	require.NoError(t, env.task.SetHash(projHash))
	require.NoError(t, env.task.SetSaveTo("/out/proj"))
	require.NoError(t, env.task.SetRegex(`\.txt$`))

	rep, err := env.task.Download(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.EqualValues(t, 1, rep.Files())
	assert.Equal(t, []byte("a"), readFile(t, env.fs, "/out/proj/keep/a.TXT"))
	exists, _ := afero.Exists(env.fs, "/out/proj/drop/b.bin")
	assert.False(t, exists)
}

func TestQueueCapacityBoundsDirectoryRun(t *testing.T) {
	var files []fixture.File
	for i := range 3 {
		files = append(files, fixture.File{
			RelativePath: fmt.Sprintf("f%d.bin", i),
			Content:      bytes.Repeat([]byte{byte('a' + i)}, 400),
		})
	}
	set := fixture.NewSet()
	projHash, err := set.AddProject("proj", files, fixture.Options{PartSize: 100})
	require.NoError(t, err)
	remote, _ := publish(t, set, "a")

	env := newEnv(t, remote, tableFor("a"), func(o *Options) { o.QueueCapacity = 2 })
	require.NoError(t, env.task.SetHash(projHash))
	require.NoError(t, env.task.SetSaveTo("/out/proj"))
	require.NoError(t, env.task.SetThreads(4))

	rep, err := env.task.Download(context.Background())
	require.NoError(t, err)
	require.False(t, rep.IsFailed(), "%v", rep.Err())
	assert.EqualValues(t, 3, rep.Files())
	for _, f := range files {
		assert.Equal(t, f.Content, readFile(t, env.fs, "/out/proj/"+f.RelativePath))
	}
	env.task.mu.Lock()
	defer env.task.mu.Unlock()
	assert.LessOrEqual(t, env.task.maxQueued, 2)
	assert.Positive(t, env.task.maxQueued)
}

func TestReassemblyIgnoresDuplicates(t *testing.T) {
	parts := []hash.Hash{hash.Sum([]byte("ab")), hash.Sum([]byte("cd"))}
	job := fileJob{upload: meta.Upload{Parts: parts}}
	ra, err := newReassembly(job, afero.NewMemMapFs(), "/", true)
	require.NoError(t, err)

	complete, err := ra.write(1, 2, []byte("cd"))
	require.NoError(t, err)
	assert.False(t, complete)
	complete, err = ra.write(1, 2, []byte("cd"))
	require.NoError(t, err)
	assert.False(t, complete)
	_, err = ra.write(0, 0, []byte("abc"))
	assert.Error(t, err)
	complete, err = ra.write(0, 0, []byte("ab"))
	require.NoError(t, err)
	assert.True(t, complete)

	src, err := ra.reader()
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = out.ReadFrom(src)
	require.NoError(t, err)
	assert.Equal(t, "abcd", out.String())

	assert.True(t, ra.fail())
	assert.False(t, ra.fail())
}
