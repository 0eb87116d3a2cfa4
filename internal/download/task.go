// Package download orchestrates single-file and directory downloads from
// content-addressed chunk hosts.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sheerbytes/chunkget/internal/event"
	"github.com/sheerbytes/chunkget/internal/fetch"
	"github.com/sheerbytes/chunkget/internal/hosts"
	"github.com/sheerbytes/chunkget/internal/progress"
	"github.com/sheerbytes/chunkget/internal/report"
	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/meta"
	"github.com/spf13/afero"
)

const (
	// MinThreads is the smallest usable thread count: one metadata slot and
	// one data slot.
	MinThreads = 2

	DefaultThreads         = 4
	DefaultMemoryThreshold = 1 << 20
	DefaultBatchItems      = 32
	DefaultBatchBytes      = 4 << 20
	DefaultQueueCapacity   = 64
	DefaultPollInterval    = 200 * time.Millisecond

	metadataWorkers = 2
)

// Leaser pins host connections for the duration of a run.
type Leaser interface {
	Lease(hosts []string) *fetch.Lease
}

// Options wires a Task to its collaborators. Zero values select defaults.
type Options struct {
	Remote   fetch.Remote
	Table    hosts.Table
	// Recorder defaults to Table when the table records failures.
	Recorder hosts.FailureRecorder
	Pool     Leaser
	Fs       afero.Fs
	Logger   *slog.Logger

	// MemoryThreshold is the largest single-part encoded size decoded from
	// memory instead of a temp file.
	MemoryThreshold uint64
	BatchItems      int
	BatchBytes      uint64
	// QueueCapacity bounds the pending data chunks of a directory run.
	QueueCapacity int
	PollInterval  time.Duration
	Rand          *rand.Rand
	Now           func() time.Time
}

type params struct {
	hash              hash.Hash
	saveTo            string
	passphrase        string
	uploader          string
	uploadedAt        time.Time
	relPath           string
	regex             string
	servers           []string
	useUnspecified    bool
	threads           int
	validate          bool
	batch             bool
	continueOnFailure bool
	tempDir           string
}

// Task downloads one hash. Setters fail with ErrLocked while a download is
// executing; a Task may be reused once it returns.
type Task struct {
	ID uuid.UUID

	opts   Options
	logger *slog.Logger
	ctl    *event.Control
	bus    *event.Bus
	meter  *progress.Meter

	mu        sync.Mutex
	running   bool
	p         params
	maxQueued int
}

// NewTask returns an idle task.
func NewTask(opts Options) *Task {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Table == nil {
		opts.Table = hosts.NewStaticTable(nil, 0, opts.Logger)
	}
	if opts.Recorder == nil {
		if rec, ok := opts.Table.(hosts.FailureRecorder); ok {
			opts.Recorder = rec
		}
	}
	if opts.MemoryThreshold == 0 {
		opts.MemoryThreshold = DefaultMemoryThreshold
	}
	if opts.BatchItems <= 0 {
		opts.BatchItems = DefaultBatchItems
	}
	if opts.BatchBytes == 0 {
		opts.BatchBytes = DefaultBatchBytes
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	id := uuid.New()
	logger := opts.Logger.With("task", id.String())
	ctl := event.NewControl()
	return &Task{
		ID:     id,
		opts:   opts,
		logger: logger,
		ctl:    ctl,
		bus:    event.NewBus(ctl, logger),
		meter:  progress.NewMeterWithNow(opts.Now),
		p: params{
			useUnspecified: true,
			threads:        DefaultThreads,
		},
	}
}

func (t *Task) set(fn func(p *params) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrLocked
	}
	return fn(&t.p)
}

// SetHash sets the file or project hash to download.
func (t *Task) SetHash(h hash.Hash) error {
	return t.set(func(p *params) error { p.hash = h; return nil })
}

// SetSaveTo sets the destination file, or the directory to save into.
func (t *Task) SetSaveTo(path string) error {
	return t.set(func(p *params) error { p.saveTo = path; return nil })
}

// SetPassphrase sets the passphrase covering the whole download.
func (t *Task) SetPassphrase(pass string) error {
	return t.set(func(p *params) error { p.passphrase = pass; return nil })
}

// SetUploader selects uploads by uploader name.
func (t *Task) SetUploader(name string) error {
	return t.set(func(p *params) error { p.uploader = name; return nil })
}

// SetUploadedAt selects uploads by upload time.
func (t *Task) SetUploadedAt(at time.Time) error {
	return t.set(func(p *params) error { p.uploadedAt = at; return nil })
}

// SetRelativePath selects uploads by relative path.
func (t *Task) SetRelativePath(rel string) error {
	return t.set(func(p *params) error { p.relPath = rel; return nil })
}

// SetRegex filters directory parts by a case-insensitive match on their
// relative paths.
func (t *Task) SetRegex(expr string) error {
	return t.set(func(p *params) error {
		if _, err := meta.CompileFilter(expr); err != nil {
			return &ParamError{Param: "regex", Err: fmt.Errorf("%w: %v", ErrBadRegex, err)}
		}
		p.regex = expr
		return nil
	})
}

// SetServers sets the host allow-list.
func (t *Task) SetServers(servers []string) error {
	return t.set(func(p *params) error {
		p.servers = append([]string(nil), servers...)
		return nil
	})
}

// SetUseUnspecified allows hosts outside the allow-list.
func (t *Task) SetUseUnspecified(use bool) error {
	return t.set(func(p *params) error { p.useUnspecified = use; return nil })
}

// SetThreads sets the worker count, at least MinThreads.
func (t *Task) SetThreads(n int) error {
	return t.set(func(p *params) error {
		if n < MinThreads {
			return &ParamError{Param: "threads", Err: fmt.Errorf("%w: %d < %d", ErrBadThreads, n, MinThreads)}
		}
		p.threads = n
		return nil
	})
}

// SetValidate turns on chunk and file hash checks.
func (t *Task) SetValidate(v bool) error {
	return t.set(func(p *params) error { p.validate = v; return nil })
}

// SetBatch turns on per-host batching of directory requests.
func (t *Task) SetBatch(v bool) error {
	return t.set(func(p *params) error { p.batch = v; return nil })
}

// SetContinueOnFailure keeps a directory run going past failed files.
func (t *Task) SetContinueOnFailure(v bool) error {
	return t.set(func(p *params) error { p.continueOnFailure = v; return nil })
}

// SetTempDir sets where part files are assembled; empty uses the
// destination directory.
func (t *Task) SetTempDir(dir string) error {
	return t.set(func(p *params) error { p.tempDir = dir; return nil })
}

// AddListener registers l for events of every later run.
func (t *Task) AddListener(l event.Listener) event.ListenerID {
	return t.bus.Add(l)
}

// RemoveListener unregisters a listener.
func (t *Task) RemoveListener(id event.ListenerID) bool {
	return t.bus.Remove(id)
}

// Pause blocks event delivery, and with it forward progress, until Resume.
func (t *Task) Pause() { t.ctl.Pause() }

// Resume releases a pause.
func (t *Task) Resume() { t.ctl.Resume() }

// Stop halts the current run. Events after Stop are dropped.
func (t *Task) Stop() { t.ctl.Stop() }

// Paused reports whether the task is paused.
func (t *Task) Paused() bool { return t.ctl.Paused() }

// Running reports whether a download is executing.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Progress returns the current progress estimate.
func (t *Task) Progress() progress.Stats {
	return t.meter.Snapshot()
}

type mode int

const (
	modeAuto mode = iota
	modeFile
	modeDirectory
)

// Download fetches the manifest and downloads a file or a directory
// depending on the upload's project flag. Precondition failures are
// returned as *ParamError before any network activity; everything else is
// recorded in the report.
func (t *Task) Download(ctx context.Context) (*report.Report, error) {
	return t.execute(ctx, modeAuto)
}

// DownloadFile downloads the hash as a single file.
func (t *Task) DownloadFile(ctx context.Context) (*report.Report, error) {
	return t.execute(ctx, modeFile)
}

// DownloadDirectory downloads the hash as a project tree rooted at the save
// location.
func (t *Task) DownloadDirectory(ctx context.Context) (*report.Report, error) {
	return t.execute(ctx, modeDirectory)
}

func (t *Task) execute(ctx context.Context, m mode) (*report.Report, error) {
	r, err := t.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer t.end(r)
	r.execute(m)
	return r.rep, nil
}

func (t *Task) begin(ctx context.Context) (*run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil, ErrLocked
	}
	p := t.p
	p.servers = append([]string(nil), t.p.servers...)

	if p.hash.IsZero() {
		return nil, &ParamError{Param: "hash", Err: ErrMissingHash}
	}
	if p.saveTo == "" {
		return nil, &ParamError{Param: "save location", Err: ErrMissingSaveTo}
	}
	filter, err := meta.CompileFilter(p.regex)
	if err != nil {
		return nil, &ParamError{Param: "regex", Err: fmt.Errorf("%w: %v", ErrBadRegex, err)}
	}
	if p.threads < MinThreads {
		return nil, &ParamError{Param: "threads", Err: ErrBadThreads}
	}
	if len(p.servers) == 0 && (!p.useUnspecified || len(t.opts.Table.Snapshot()) == 0) {
		return nil, &ParamError{Param: "servers", Err: ErrNoServers}
	}
	if err := checkSaveTo(t.opts.Fs, p.saveTo); err != nil {
		return nil, &ParamError{Param: "save location", Err: err}
	}

	t.running = true
	t.ctl.Reset()
	r := newRun(ctx, t, p, filter)
	t.logger.Debug("download starting", "hash", p.hash.Short(), "save_to", p.saveTo, "threads", p.threads, "batch", p.batch)
	return r, nil
}

func (t *Task) end(r *run) {
	r.close()
	if err := r.rep.SetTransferred(r.bytes.Load(), r.files.Load()); err != nil {
		t.logger.Warn("report totals already set", "error", err)
	}
	r.rep.Finish(t.opts.Now())
	t.logger.Debug("download finished", "hash", r.p.hash.Short(), "failed", r.rep.IsFailed(), "duration", r.rep.Duration())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.maxQueued = r.maxQueued
}

// checkSaveTo verifies that the save location, or its parent when it does
// not exist yet, is a writable directory.
func checkSaveTo(fsys afero.Fs, saveTo string) error {
	dir := saveTo
	info, err := fsys.Stat(saveTo)
	switch {
	case err == nil && !info.IsDir():
		dir = filepath.Dir(saveTo)
	case errors.Is(err, os.ErrNotExist):
		dir = filepath.Dir(saveTo)
		parent, perr := fsys.Stat(dir)
		if perr != nil || !parent.IsDir() {
			return fmt.Errorf("%w: %s does not exist", ErrSaveToUnusable, dir)
		}
	case err != nil:
		return fmt.Errorf("%w: %v", ErrSaveToUnusable, err)
	}
	tmp, err := afero.TempFile(fsys, dir, ".chunkget-check-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSaveToUnusable, err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	_ = fsys.Remove(name)
	return nil
}

// run is the state of one execution. It is owned by the goroutine running
// it and shared read-only with its workers, except for the atomics.
type run struct {
	t        *Task
	p        params
	ctx      context.Context
	filter   *regexp.Regexp
	fs       afero.Fs
	logger   *slog.Logger
	bus      *event.Bus
	ctl      *event.Control
	meter    *progress.Meter
	selector *hosts.Selector
	fetcher  *fetch.Fetcher
	lease    *fetch.Lease
	rep      *report.Report

	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}

	bytes     atomic.Int64
	files     atomic.Int64
	maxQueued int
}

func newRun(ctx context.Context, t *Task, p params, filter *regexp.Regexp) *run {
	r := &run{
		t:        t,
		p:        p,
		ctx:      ctx,
		filter:   filter,
		fs:       t.opts.Fs,
		logger:   t.logger,
		bus:      t.bus,
		ctl:      t.ctl,
		meter:    t.meter,
		rep:      report.New(t.opts.Now()),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	r.selector = &hosts.Selector{
		Table:          t.opts.Table,
		AllowList:      p.servers,
		UseUnspecified: p.useUnspecified,
		Rand:           t.opts.Rand,
	}
	r.fetcher = &fetch.Fetcher{
		Remote:     t.opts.Remote,
		Candidates: r.selector,
		Validate:   p.validate,
		Recorder:   t.opts.Recorder,
		OnTry:      r.onTry,
		Halted:     r.stopping,
		Logger:     t.logger,
	}
	if t.opts.Pool != nil {
		r.lease = t.opts.Pool.Lease(r.leaseHosts())
	}

	stopped := t.ctl.Done()
	go func() {
		select {
		case <-ctx.Done():
			r.halt()
		case <-stopped:
			r.halt()
		case <-r.finished:
		}
	}()
	return r
}

func (r *run) close() {
	close(r.finished)
	if r.lease != nil {
		r.lease.Release()
	}
}

func (r *run) leaseHosts() []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range r.p.servers {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	if r.p.useUnspecified {
		for _, st := range r.t.opts.Table.Snapshot() {
			if !seen[st.Host] {
				seen[st.Host] = true
				out = append(out, st.Host)
			}
		}
	}
	return out
}

func (r *run) halt() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) halted() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// stopping reports a halt, or a Stop not yet propagated to the run.
func (r *run) stopping() bool {
	return r.halted() || r.ctl.Stopped()
}

// stopReason explains a halt that no failure caused.
func (r *run) stopReason() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if r.ctl.Stopped() {
		return ErrStopped
	}
	return nil
}

func (r *run) fire(e event.Event) {
	r.bus.Fire(r.ctx, e)
}

func subjectFor(kind fetch.Kind) event.Subject {
	if kind == fetch.KindMeta {
		return event.SubjectMetadata
	}
	return event.SubjectData
}

func (r *run) onTry(kind fetch.Kind, h hash.Hash, host string) {
	r.fire(event.Event{Subject: subjectFor(kind), Phase: event.PhaseTrying, Hash: h, Host: host})
}

// fail records a failure not tied to one file.
func (r *run) fail(subject event.Subject, h hash.Hash, err error) {
	r.rep.AddFailure(err)
	r.fire(event.Failed(subject, h, err))
}

func (r *run) execute(m mode) {
	if m != modeDirectory && r.skipSaveTo() {
		return
	}
	manifest, err := r.fetchManifest(r.p.hash)
	if err != nil {
		r.fail(event.SubjectMetadata, r.p.hash, err)
		return
	}
	up, err := manifest.Select(r.p.uploader, r.p.uploadedAt, r.p.relPath)
	if err != nil {
		r.fail(event.SubjectMetadata, r.p.hash, fmt.Errorf("hash %s: %w", r.p.hash.Short(), err))
		return
	}
	switch {
	case m == modeDirectory && !up.Project:
		r.fail(event.SubjectDirectory, r.p.hash, fmt.Errorf("hash %s: %w", r.p.hash.Short(), ErrNotProject))
	case m == modeDirectory, m == modeAuto && up.Project:
		r.downloadDirectory(up)
	default:
		r.downloadFile(up)
	}
}

func (r *run) fetchManifest(h hash.Hash) (*meta.FileManifest, error) {
	r.fire(event.Event{Subject: event.SubjectMetadata, Phase: event.PhaseStarting, Hash: h})
	m, err := r.fetcher.FetchMetadata(r.ctx, h)
	if err != nil {
		return nil, err
	}
	r.fire(event.Event{Subject: event.SubjectMetadata, Phase: event.PhaseFinished, Hash: h})
	return m, nil
}

func (r *run) fetchData(ctx context.Context, fileHash, chunk hash.Hash) ([]byte, error) {
	data, err := r.fetcher.FetchData(ctx, fileHash, chunk)
	if err != nil {
		return nil, err
	}
	r.fire(event.Event{Subject: event.SubjectData, Phase: event.PhaseFinished, Hash: chunk, Bytes: int64(len(data))})
	return data, nil
}
