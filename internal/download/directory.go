package download

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sheerbytes/chunkget/internal/codec"
	"github.com/sheerbytes/chunkget/internal/event"
	"github.com/sheerbytes/chunkget/internal/fetch"
	"github.com/sheerbytes/chunkget/internal/scheduler"
	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/meta"
	"golang.org/x/sync/errgroup"
)

// retryState tracks the hosts a chunk was sent to in batch mode.
type retryState struct {
	tried   map[string]bool
	tries   int
	attempt int
	errs    fetch.HostErrorSet
}

func (s *retryState) note(host string, err error) {
	if s.tried == nil {
		s.tried = make(map[string]bool)
	}
	s.tried[host] = true
	s.tries++
	if err != nil {
		s.errs = append(s.errs, &fetch.HostError{Host: host, Err: err})
	}
}

type pendingMeta struct {
	job     fileJob
	started bool
	retry   retryState
}

type pendingData struct {
	file   *reassembly
	index  int
	offset int64
	hash   hash.Hash
	retry  retryState
}

// backlog holds the metadata still to fetch. Items handed to a worker stay
// in flight until done or requeue.
type backlog struct {
	mu       sync.Mutex
	items    []*pendingMeta
	inflight int
	changed  chan struct{}
}

func newBacklog(items []*pendingMeta) *backlog {
	return &backlog{items: items, changed: make(chan struct{})}
}

func (b *backlog) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *backlog) tryPop() (*pendingMeta, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil, false
	}
	item := b.items[0]
	b.items = b.items[1:]
	b.inflight++
	return item, true
}

func (b *backlog) done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight--
	b.notifyLocked()
}

func (b *backlog) requeue(item *pendingMeta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, item)
	b.inflight--
	b.notifyLocked()
}

// finished reports an empty backlog with nothing in flight.
func (b *backlog) finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) == 0 && b.inflight == 0
}

func (b *backlog) wait(stop <-chan struct{}, timeout time.Duration) {
	b.mu.Lock()
	changed := b.changed
	b.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-changed:
	case <-stop:
	case <-timer.C:
	}
}

// dirRun is a directory download: metadata workers feed data chunks into a
// bounded queue drained by data workers.
type dirRun struct {
	*run
	poll      time.Duration
	backlog   *backlog
	queue     *scheduler.ChunkQueue[*pendingData]
	dataBatch *fetch.Batcher[*pendingData]
	metaBatch *fetch.Batcher[*pendingMeta]
	metaDone  chan struct{}

	mu    sync.Mutex
	files []*reassembly
}

func (r *run) downloadDirectory(up meta.Upload) {
	pass, err := r.passFor(up)
	if err != nil {
		r.fail(event.SubjectDirectory, r.p.hash, err)
		return
	}
	r.fire(event.Event{Subject: event.SubjectDirectory, Phase: event.PhaseStarting, Hash: r.p.hash, Path: r.p.saveTo})
	pm, err := r.fetchProject(up, pass)
	if err != nil {
		r.fail(event.SubjectDirectory, r.p.hash, fmt.Errorf("project %s: %w", r.p.hash.Short(), err))
		return
	}
	if err := r.fs.MkdirAll(r.p.saveTo, 0o755); err != nil {
		r.fail(event.SubjectDirectory, r.p.hash, err)
		return
	}

	parts := pm.Filter(r.filter)
	var total uint64
	items := make([]*pendingMeta, 0, len(parts))
	for _, part := range parts {
		total += part.ContentSize()
		job := fileJob{hash: part.Hash, padding: part.Padding}
		if err := meta.ValidateRelPath(part.RelativePath); err != nil {
			r.fileFailed(&job, fmt.Errorf("%q: %w", part.RelativePath, err))
			continue
		}
		job.dest = filepath.Join(r.p.saveTo, filepath.FromSlash(part.RelativePath))
		items = append(items, &pendingMeta{job: job})
	}
	r.meter.Start(int64(total), len(parts))
	r.fire(event.Event{Subject: event.SubjectDirectory, Phase: event.PhaseStarted, Hash: r.p.hash, Path: r.p.saveTo, Bytes: int64(total)})
	r.logger.Debug("directory manifest loaded", "name", pm.Name, "parts", len(pm.Parts), "selected", len(parts))

	d := &dirRun{
		run:       r,
		poll:      r.t.opts.PollInterval,
		backlog:   newBacklog(items),
		queue:     scheduler.NewChunkQueue[*pendingData](r.t.opts.QueueCapacity),
		dataBatch: fetch.NewBatcher[*pendingData](r.t.opts.BatchItems, r.t.opts.BatchBytes),
		metaBatch: fetch.NewBatcher[*pendingMeta](r.t.opts.BatchItems, 0),
		metaDone:  make(chan struct{}),
	}
	if !r.halted() {
		d.work()
	}
	r.maxQueued = d.queue.MaxQueued()

	if err := r.stopReason(); err != nil && d.unfinished() > 0 {
		r.rep.AddFailure(fmt.Errorf("project %s: %w", r.p.hash.Short(), err))
	}
	if r.rep.IsFailed() {
		r.fire(event.Failed(event.SubjectDirectory, r.p.hash, r.rep.Failures()...))
		return
	}
	r.fire(event.Event{Subject: event.SubjectDirectory, Phase: event.PhaseFinished, Hash: r.p.hash, Path: r.p.saveTo, Bytes: r.bytes.Load()})
}

// fetchProject downloads and decodes the project manifest in memory.
func (r *run) fetchProject(up meta.Upload, pass string) (*meta.ProjectManifest, error) {
	raw, err := r.fetchAll(r.ctx, r.p.hash, up)
	if err != nil {
		return nil, err
	}
	decoded, err := codec.DecodeBytes(raw, up.Encodings, pass)
	if err != nil {
		return nil, err
	}
	if r.p.validate {
		if got := hash.Sum(decoded); got != r.p.hash {
			return nil, fmt.Errorf("%w: got %s", ErrValidation, got.Short())
		}
	}
	content, err := codec.TrimPadding(decoded, paddingFor(up, pass))
	if err != nil {
		return nil, err
	}
	return meta.ParseProject(content)
}

func (d *dirRun) work() {
	var metas, datas errgroup.Group
	for range metadataWorkers {
		metas.Go(func() error {
			d.metadataWorker()
			return nil
		})
	}
	for range max(d.p.threads-1, 1) {
		datas.Go(func() error {
			d.dataWorker()
			return nil
		})
	}
	_ = metas.Wait()
	close(d.metaDone)
	_ = datas.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ra := range d.files {
		ra.release()
	}
}

func (d *dirRun) unfinished() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ra := range d.files {
		if !ra.complete() && !ra.isFailed() {
			n++
		}
	}
	if !d.backlog.finished() {
		n++
	}
	return n
}

// proceed blocks while paused and reports whether the worker should go on.
func (d *dirRun) proceed() bool {
	if d.halted() {
		return false
	}
	if !d.ctl.Wait(d.ctx) {
		d.halt()
		return false
	}
	return true
}

func (d *dirRun) metadataWorker() {
	for d.proceed() {
		item, ok := d.backlog.tryPop()
		if !ok {
			if d.p.batch && d.flushMeta() {
				continue
			}
			if d.backlog.finished() {
				return
			}
			d.backlog.wait(d.stop, d.poll)
			continue
		}
		if !item.started {
			item.started = true
			if d.skipOrStart(item) {
				d.backlog.done()
				continue
			}
		}
		if !d.p.batch {
			m, err := d.fetchManifest(item.job.hash)
			if err != nil {
				d.fileFailed(&item.job, err)
			} else {
				d.startFile(item, m)
			}
			d.backlog.done()
			continue
		}
		host, err := d.nextHost(fetch.KindMeta, item.job.hash, &item.retry)
		if err != nil {
			d.fileFailed(&item.job, err)
			d.backlog.done()
			continue
		}
		if full := d.metaBatch.Add(host, item, 0); full != nil {
			d.sendMeta(host, full)
		}
	}
}

// skipOrStart announces the file and reports true when it is already
// present at its destination.
func (d *dirRun) skipOrStart(item *pendingMeta) bool {
	job := &item.job
	d.fire(event.Event{Subject: event.SubjectFile, Phase: event.PhaseStarting, Hash: job.hash, Path: job.dest})
	ok, err := d.skipCheck(job.dest, job.hash, job.padding)
	if err != nil {
		d.logger.Debug("skip check failed", "path", job.dest, "error", err)
		return false
	}
	if ok {
		d.skipped(job, int64(job.hash.Length())-int64(len(job.padding)))
	}
	return ok
}

func (d *dirRun) flushMeta() bool {
	flushes := d.metaBatch.TakeAll()
	for _, f := range flushes {
		d.sendMeta(f.Host, f.Items)
	}
	return len(flushes) > 0
}

func (d *dirRun) sendMeta(host string, items []*pendingMeta) {
	hashes := make([]hash.Hash, len(items))
	for i, item := range items {
		hashes[i] = item.job.hash
	}
	results, err := d.fetcher.FetchBatch(d.ctx, fetch.KindMeta, host, hashes)
	for i, item := range items {
		if err == nil && results[i] != nil {
			m, perr := meta.ParseFile(results[i])
			if perr == nil {
				d.fire(event.Event{Subject: event.SubjectMetadata, Phase: event.PhaseFinished, Hash: item.job.hash, Host: host})
				d.startFile(item, m)
				d.backlog.done()
				continue
			}
		}
		item.retry.note(host, unwrapHost(err))
		d.backlog.requeue(item)
	}
}

// unwrapHost strips the batch-level host attribution so it is not
// recorded twice.
func unwrapHost(err error) error {
	var he *fetch.HostError
	if errors.As(err, &he) {
		return he.Err
	}
	return err
}

// nextHost returns the first candidate not yet tried for h. When every
// candidate has been tried the pass counter advances; after the last pass
// the chunk fails.
func (d *dirRun) nextHost(kind fetch.Kind, h hash.Hash, s *retryState) (string, error) {
	candidates := d.selector.CandidatesFor(h)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%s chunk %s: %w", kind, h.Short(), fetch.ErrNoCandidates)
	}
	for {
		for _, c := range candidates {
			if !s.tried[c] {
				return c, nil
			}
		}
		s.attempt++
		if s.attempt >= fetch.DefaultAttempts {
			return "", &fetch.FetchError{Kind: kind, Hash: h, Tried: s.tries, Hosts: s.errs}
		}
		clear(s.tried)
	}
}

func selectUpload(m *meta.FileManifest, uploader string, at time.Time, relPath string) (meta.Upload, error) {
	if up, err := m.Select(uploader, at, relPath); err == nil {
		return up, nil
	}
	up, err := m.Select(uploader, at, "")
	if errors.Is(err, meta.ErrAmbiguousUpload) {
		// Same content either way; take the first.
		return m.Uploads[0], nil
	}
	return up, err
}

// startFile opens the file's reassembly context and queues its parts,
// blocking while the queue is full.
func (d *dirRun) startFile(item *pendingMeta, m *meta.FileManifest) {
	job := item.job
	rel, _ := filepath.Rel(d.p.saveTo, job.dest)
	up, err := selectUpload(m, d.p.uploader, d.p.uploadedAt, filepath.ToSlash(rel))
	if err != nil {
		d.fileFailed(&job, err)
		return
	}
	job.upload = up
	if job.pass, err = d.passFor(up); err != nil {
		d.fileFailed(&job, err)
		return
	}

	dir := d.p.tempDir
	if dir == "" {
		dir = filepath.Dir(job.dest)
	}
	if err := d.fs.MkdirAll(filepath.Dir(job.dest), 0o755); err != nil {
		d.fileFailed(&job, err)
		return
	}
	ra, err := newReassembly(job, d.fs, dir, d.inMemory(up))
	if err != nil {
		d.fileFailed(&job, err)
		return
	}
	d.mu.Lock()
	d.files = append(d.files, ra)
	d.mu.Unlock()
	d.fire(event.Event{Subject: event.SubjectFile, Phase: event.PhaseStarted, Hash: job.hash, Path: job.dest, Bytes: int64(up.EncodedSize())})

	if len(up.Parts) == 0 {
		ra.done = true
		d.finishFile(ra)
		return
	}
	var offset int64
	for i, part := range up.Parts {
		pd := &pendingData{file: ra, index: i, offset: offset, hash: part}
		offset += int64(part.Length())
		if !d.queue.Put(d.stop, pd, 0) {
			return
		}
	}
}

func (d *dirRun) metaFinished() bool {
	select {
	case <-d.metaDone:
		return true
	default:
		return false
	}
}

func (d *dirRun) dataWorker() {
	for d.proceed() {
		item, ok := d.queue.Poll(d.poll)
		if !ok {
			if d.p.batch {
				d.flushData()
			}
			if d.metaFinished() && d.queue.Idle() && d.dataBatch.Len() == 0 {
				return
			}
			continue
		}
		if item.file.isFailed() {
			d.queue.Done()
			continue
		}
		if !d.p.batch {
			data, err := d.fetchData(d.ctx, item.file.job.hash, item.hash)
			d.queue.Done()
			if err != nil {
				d.failFile(item.file, err)
				continue
			}
			d.deliver(item, data)
			continue
		}
		host, err := d.nextHost(fetch.KindData, item.hash, &item.retry)
		if err != nil {
			d.queue.Done()
			d.failFile(item.file, err)
			continue
		}
		if full := d.dataBatch.Add(host, item, item.hash.Length()); full != nil {
			d.sendData(host, full)
		}
	}
}

func (d *dirRun) flushData() {
	for _, f := range d.dataBatch.TakeAll() {
		d.sendData(f.Host, f.Items)
	}
}

func (d *dirRun) sendData(host string, items []*pendingData) {
	hashes := make([]hash.Hash, len(items))
	for i, item := range items {
		hashes[i] = item.hash
	}
	results, err := d.fetcher.FetchBatch(d.ctx, fetch.KindData, host, hashes)
	for i, item := range items {
		if item.file.isFailed() {
			d.queue.Done()
			continue
		}
		if err == nil && results[i] != nil {
			d.queue.Done()
			d.fire(event.Event{Subject: event.SubjectData, Phase: event.PhaseFinished, Hash: item.hash, Host: host, Bytes: int64(len(results[i]))})
			d.deliver(item, results[i])
			continue
		}
		item.retry.note(host, unwrapHost(err))
		d.queue.Requeue(item, item.retry.tries)
	}
}

func (d *dirRun) deliver(item *pendingData, data []byte) {
	complete, err := item.file.write(item.index, item.offset, data)
	if err != nil {
		d.failFile(item.file, err)
		return
	}
	if complete {
		d.finishFile(item.file)
	}
}

func (d *dirRun) finishFile(ra *reassembly) {
	src, err := ra.reader()
	if err != nil {
		d.failFile(ra, err)
		return
	}
	n, err := d.decodeTo(&ra.job, src)
	ra.release()
	if err != nil {
		d.failFile(ra, err)
		return
	}
	d.meter.Add(n)
	d.fileDone(&ra.job, n)
}

func (d *dirRun) failFile(ra *reassembly, err error) {
	if ra.fail() {
		d.fileFailed(&ra.job, err)
	}
}

