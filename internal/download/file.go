package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sheerbytes/chunkget/internal/bufpool"
	"github.com/sheerbytes/chunkget/internal/codec"
	"github.com/sheerbytes/chunkget/internal/event"
	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/meta"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// fileJob is one file to produce at dest.
type fileJob struct {
	hash    hash.Hash
	upload  meta.Upload
	dest    string
	pass    string
	padding []byte
}

func (j *fileJob) name() string {
	if j.dest != "" {
		return j.dest
	}
	return j.hash.Short()
}

// passFor picks the passphrase for an upload. A passphrase embedded in the
// upload wins over the task's.
func (r *run) passFor(up meta.Upload) (string, error) {
	pass := up.Passphrase
	if pass == "" {
		pass = r.p.passphrase
	}
	if up.Encrypted() && pass == "" {
		return "", codec.ErrPassphraseRequired
	}
	return pass, nil
}

func paddingFor(up meta.Upload, pass string) []byte {
	if !up.Padded {
		return nil
	}
	return codec.Padding(pass)
}

func (r *run) inMemory(up meta.Upload) bool {
	return len(up.Parts) <= 1 && up.EncodedSize() <= r.t.opts.MemoryThreshold
}

func (r *run) fileDest(up meta.Upload) string {
	info, err := r.fs.Stat(r.p.saveTo)
	if err != nil || !info.IsDir() {
		return r.p.saveTo
	}
	name := up.FileName()
	if name == "" {
		name = r.p.hash.String()
	}
	return filepath.Join(r.p.saveTo, filepath.Base(name))
}

// contentMatches hashes the file at path followed by padding.
func (r *run) contentMatches(path string, h hash.Hash, padding []byte) (bool, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	hasher := hash.NewHasher()
	if _, err := bufpool.Copy(hasher, f); err != nil {
		return false, err
	}
	hasher.Write(padding)
	return hasher.Sum() == h, nil
}

// skipCheck reports whether dest already holds the content of h. A
// mismatching file is removed.
func (r *run) skipCheck(dest string, h hash.Hash, padding []byte) (bool, error) {
	info, err := r.fs.Stat(dest)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", dest)
	}
	if uint64(info.Size())+uint64(len(padding)) == h.Length() {
		ok, err := r.contentMatches(dest, h, padding)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	r.logger.Debug("replacing stale file", "path", dest)
	return false, r.fs.Remove(dest)
}

func (r *run) skipped(job *fileJob, size int64) {
	r.logger.Debug("file already present", "path", job.dest, "hash", job.hash.Short())
	r.rep.AddSkip()
	r.meter.FileSkipped(size)
	r.fire(event.Event{Subject: event.SubjectFile, Phase: event.PhaseSkipped, Hash: job.hash, Path: job.dest, Bytes: size})
}

// skipSaveTo checks an existing save location before any network activity.
// Without the manifest the padding is unknown, so both the unpadded form
// and the task passphrase padding are tried.
func (r *run) skipSaveTo() bool {
	info, err := r.fs.Stat(r.p.saveTo)
	if err != nil || info.IsDir() {
		return false
	}
	for _, padding := range [][]byte{nil, codec.Padding(r.p.passphrase)} {
		if uint64(info.Size())+uint64(len(padding)) != r.p.hash.Length() {
			continue
		}
		ok, err := r.contentMatches(r.p.saveTo, r.p.hash, padding)
		if err != nil {
			r.logger.Debug("skip check failed", "path", r.p.saveTo, "error", err)
			return false
		}
		if ok {
			r.meter.Start(info.Size(), 1)
			r.skipped(&fileJob{hash: r.p.hash, dest: r.p.saveTo}, info.Size())
			return true
		}
	}
	return false
}

func (r *run) fileFailed(job *fileJob, err error) {
	err = fmt.Errorf("%s: %w", job.name(), err)
	r.rep.AddFailure(err)
	r.fire(event.Event{Subject: event.SubjectFile, Phase: event.PhaseFailed, Hash: job.hash, Path: job.dest, Causes: []error{err}})
	if !r.p.continueOnFailure {
		r.halt()
	}
}

func (r *run) fileDone(job *fileJob, n int64) {
	r.bytes.Add(n)
	r.files.Add(1)
	r.meter.FileDone()
	r.fire(event.Event{Subject: event.SubjectFile, Phase: event.PhaseFinished, Hash: job.hash, Path: job.dest, Bytes: n})
}

// downloadFile runs the single-file path.
func (r *run) downloadFile(up meta.Upload) {
	job := &fileJob{hash: r.p.hash, upload: up, dest: r.fileDest(up)}
	r.fire(event.Event{Subject: event.SubjectFile, Phase: event.PhaseStarting, Hash: job.hash, Path: job.dest})

	pass, err := r.passFor(up)
	if err != nil {
		r.fileFailed(job, err)
		return
	}
	job.pass = pass
	job.padding = paddingFor(up, pass)

	ok, err := r.skipCheck(job.dest, job.hash, job.padding)
	if err != nil {
		r.fileFailed(job, err)
		return
	}
	if ok {
		size := int64(job.hash.Length()) - int64(len(job.padding))
		r.meter.Start(size, 1)
		r.skipped(job, size)
		return
	}

	r.meter.Start(int64(up.EncodedSize()), 1)
	r.fire(event.Event{Subject: event.SubjectFile, Phase: event.PhaseStarted, Hash: job.hash, Path: job.dest, Bytes: int64(up.EncodedSize())})

	var n int64
	if r.inMemory(up) {
		n, err = r.fileFromMemory(job)
	} else {
		n, err = r.fileFromDisk(job)
	}
	if err != nil {
		r.fileFailed(job, err)
		return
	}
	r.fileDone(job, n)
}

func (r *run) fileFromMemory(job *fileJob) (int64, error) {
	r.logger.Debug("decoding in memory", "hash", job.hash.Short())
	var data []byte
	if len(job.upload.Parts) == 1 {
		var err error
		data, err = r.fetchData(r.ctx, job.hash, job.upload.Parts[0])
		if err != nil {
			return 0, err
		}
		r.meter.Add(int64(len(data)))
	}
	if r.halted() {
		return 0, ErrStopped
	}
	return r.decodeTo(job, bytes.NewReader(data))
}

// fileFromDisk fetches every part in parallel into a pre-sized temp file
// and decodes it once the last part has landed.
func (r *run) fileFromDisk(job *fileJob) (int64, error) {
	dir := r.p.tempDir
	if dir == "" {
		dir = filepath.Dir(job.dest)
	}
	f, err := afero.TempFile(r.fs, dir, ".chunkget-parts-*")
	if err != nil {
		return 0, fmt.Errorf("create part file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = r.fs.Remove(f.Name())
	}()
	if err := f.Truncate(int64(job.upload.EncodedSize())); err != nil {
		return 0, fmt.Errorf("size part file: %w", err)
	}

	g, gctx := errgroup.WithContext(r.ctx)
	g.SetLimit(r.p.threads)
	var offset int64
	for _, part := range job.upload.Parts {
		at := offset
		offset += int64(part.Length())
		if r.halted() {
			break
		}
		g.Go(func() error {
			if r.halted() {
				return ErrStopped
			}
			data, err := r.fetchData(gctx, job.hash, part)
			if err != nil {
				return err
			}
			if uint64(len(data)) != part.Length() {
				return fmt.Errorf("part %s: got %d bytes, want %d", part.Short(), len(data), part.Length())
			}
			if _, err := f.WriteAt(data, at); err != nil {
				return fmt.Errorf("write part %s: %w", part.Short(), err)
			}
			r.meter.Add(int64(len(data)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if r.halted() {
		return 0, ErrStopped
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return r.decodeTo(job, f)
}

// decodeTo undoes the upload's encodings from src, trims the padding and
// places the result at job.dest. With validation on, the decoded bytes
// must hash to job.hash and carry a good signature when one is present.
func (r *run) decodeTo(job *fileJob, src io.Reader) (int64, error) {
	dir := filepath.Dir(job.dest)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	out, err := afero.TempFile(r.fs, dir, ".chunkget-*")
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}
	tmp := out.Name()
	placed := false
	defer func() {
		if !placed {
			_ = out.Close()
			_ = r.fs.Remove(tmp)
		}
	}()

	hasher := hash.NewHasher()
	trim := codec.NewTrimWriter(out, job.padding)
	var sink io.Writer = trim
	if r.p.validate {
		sink = io.MultiWriter(hasher, trim)
	}
	if _, err := codec.Decode(sink, src, job.upload.Encodings, job.pass); err != nil {
		return 0, err
	}
	if err := trim.Close(); err != nil {
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	if r.p.validate {
		if got := hasher.Sum(); got != job.hash {
			return 0, fmt.Errorf("%w: got %s", ErrValidation, got.Short())
		}
		if len(job.upload.Signature) > 0 {
			if err := codec.VerifySignature(job.upload.PublicKey, job.upload.Signature, job.hash); err != nil {
				return 0, err
			}
		}
	}
	if err := r.place(tmp, job.dest); err != nil {
		return 0, err
	}
	placed = true
	if mt := job.upload.ModTime; !mt.IsZero() {
		if err := r.fs.Chtimes(job.dest, mt, mt); err != nil {
			r.logger.Warn("set modification time", "path", job.dest, "error", err)
		}
	}
	return trim.Written(), nil
}

// place moves tmp to dest, copying when a rename is not possible.
func (r *run) place(tmp, dest string) error {
	if err := r.fs.Rename(tmp, dest); err == nil {
		return nil
	}
	src, err := r.fs.Open(tmp)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := r.fs.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := bufpool.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return r.fs.Remove(tmp)
}

// fetchAll downloads every part of a small upload into memory.
func (r *run) fetchAll(ctx context.Context, fileHash hash.Hash, up meta.Upload) ([]byte, error) {
	buf := make([]byte, 0, up.EncodedSize())
	for _, part := range up.Parts {
		data, err := r.fetchData(ctx, fileHash, part)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	return buf, nil
}
