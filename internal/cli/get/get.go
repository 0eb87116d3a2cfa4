// Package get implements the chunkget command line.
package get

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sheerbytes/chunkget/internal/codec"
	"github.com/sheerbytes/chunkget/internal/config"
	"github.com/sheerbytes/chunkget/internal/download"
	"github.com/sheerbytes/chunkget/internal/event"
	"github.com/sheerbytes/chunkget/internal/fetch"
	"github.com/sheerbytes/chunkget/internal/hosts"
	"github.com/sheerbytes/chunkget/internal/logging"
	"github.com/sheerbytes/chunkget/internal/progress"
	"github.com/sheerbytes/chunkget/internal/report"
	"github.com/sheerbytes/chunkget/pkg/hash"
)

// Process exit codes.
const (
	ExitOK                 = 0
	ExitUnknown            = 1
	ExitNotFound           = 2
	ExitFailed             = 3
	ExitBadArgument        = 4
	ExitPassphraseRequired = 5
	ExitWrongPassphrase    = 6
)

const redisRefresh = 30 * time.Second

// ErrNoHosts indicates that neither a host file nor a redis table was
// configured.
var ErrNoHosts = errors.New("no host table: use --hosts or --redis")

// Run executes chunkget with args and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("chunkget", flag.ContinueOnError)
	cfg, err := config.ParseClientConfigWithFlagSet(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(stdout)
			return ExitOK
		}
		fmt.Fprintln(stderr, err)
		if errors.Is(err, config.ErrMissingArgs) {
			printUsage(stderr)
		}
		return exitCode(err)
	}
	logger := logging.NewWithWriter("chunkget", cfg.LogLevel, stderr)

	h, err := hash.Parse(cfg.Hash)
	if err != nil {
		fmt.Fprintf(stderr, "invalid hash %q: %v\n", cfg.Hash, err)
		return ExitBadArgument
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	table, closeTable, err := openTable(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitCode(err)
	}
	defer closeTable()

	pool := fetch.NewPool(fetch.PoolConfig{Table: table, Logger: logger})
	defer pool.Close()
	go pool.Run(ctx)

	task := download.NewTask(download.Options{
		Remote:          &fetch.MuxRemote{Pool: pool},
		Table:           table,
		Pool:            pool,
		Logger:          logger,
		MemoryThreshold: uint64(cfg.MemoryThreshold),
		BatchItems:      cfg.BatchItems,
		BatchBytes:      uint64(cfg.BatchBytes),
	})
	if err := configure(task, h, cfg); err != nil {
		fmt.Fprintln(stderr, err)
		return exitCode(err)
	}

	var stopRender func()
	if cfg.Verbose {
		stopRender = watch(ctx, task, cfg, stderr)
	}
	rep, err := task.Download(ctx)
	if stopRender != nil {
		stopRender()
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitCode(err)
	}

	if cfg.HistoryFile != "" {
		if err := record(cfg, rep); err != nil {
			logger.Warn("cannot record report", "path", cfg.HistoryFile, "error", err)
		}
	}
	if cfg.Summary {
		printSummary(stdout, cfg, rep)
	} else if rep.IsFailed() {
		for _, f := range rep.Failures() {
			fmt.Fprintln(stderr, "error:", f)
		}
	}
	return reportCode(rep)
}

func configure(task *download.Task, h hash.Hash, cfg config.ClientConfig) error {
	steps := []error{
		task.SetHash(h),
		task.SetSaveTo(cfg.SaveTo),
		task.SetPassphrase(cfg.Passphrase),
		task.SetUploader(cfg.Uploader),
		task.SetUploadedAt(cfg.Timestamp),
		task.SetRelativePath(cfg.RelativePath),
		task.SetRegex(cfg.Regex),
		task.SetServers(cfg.Servers),
		task.SetUseUnspecified(cfg.UseUnspecified),
		task.SetThreads(cfg.Threads),
		task.SetValidate(cfg.Validate),
		task.SetBatch(cfg.Batch),
		task.SetContinueOnFailure(cfg.Continue),
		task.SetTempDir(cfg.TempDir),
	}
	return errors.Join(steps...)
}

// openTable loads the host status table from redis when configured,
// otherwise from the YAML host file.
func openTable(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) (hosts.Table, func(), error) {
	switch {
	case cfg.RedisURL != "":
		cl, err := hosts.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		t := hosts.NewRedisTable(cl, cfg.RedisKey, logger)
		if err := t.Refresh(ctx); err != nil {
			_ = cl.Close()
			return nil, nil, err
		}
		go t.Run(ctx, redisRefresh)
		return t, func() { _ = cl.Close() }, nil
	case cfg.HostsFile != "":
		t, err := hosts.LoadFile(cfg.HostsFile, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %w", config.ErrBadArgument, ErrNoHosts)
	}
}

// watch prints events and redraws the progress line until the returned
// function is called. Chunk-level events are printed only when debugging.
func watch(ctx context.Context, task *download.Task, cfg config.ClientConfig, w io.Writer) func() {
	var mu sync.Mutex
	current := ""
	id := task.AddListener(event.ListenerFunc(func(e event.Event) error {
		switch e.Subject {
		case event.SubjectMetadata, event.SubjectData:
			if !cfg.Debug && e.Phase != event.PhaseFailed {
				return nil
			}
		case event.SubjectFile:
			if e.Phase == event.PhaseStarted {
				mu.Lock()
				current = e.Path
				mu.Unlock()
			}
		}
		fmt.Fprintln(w, e.String())
		return nil
	}))
	stop := progress.RenderDownload(ctx, w, func() progress.DownloadView {
		mu.Lock()
		defer mu.Unlock()
		return progress.DownloadView{
			SaveTo:      cfg.SaveTo,
			CurrentFile: current,
			Stats:       task.Progress(),
			Paused:      task.Paused(),
		}
	})
	return func() {
		stop()
		task.RemoveListener(id)
	}
}

func record(cfg config.ClientConfig, rep *report.Report) error {
	hist, err := report.OpenHistory(cfg.HistoryFile)
	if err != nil {
		return err
	}
	defer hist.Close()
	return hist.Append(cfg.Hash, cfg.SaveTo, rep, time.Now())
}

func printSummary(w io.Writer, cfg config.ClientConfig, rep *report.Report) {
	status := "ok"
	if rep.IsFailed() {
		status = "failed"
	}
	elapsed := rep.Duration()
	rate := ""
	if secs := elapsed.Seconds(); secs > 0 && rep.Bytes() > 0 {
		rate = fmt.Sprintf(" (%s/s)", humanize.Bytes(uint64(float64(rep.Bytes())/secs)))
	}
	fmt.Fprintf(w, "%s: %s\n", cfg.SaveTo, status)
	fmt.Fprintf(w, "  files:    %d downloaded, %d skipped\n", rep.Files(), rep.Skipped())
	fmt.Fprintf(w, "  bytes:    %s%s\n", humanize.Bytes(uint64(rep.Bytes())), rate)
	fmt.Fprintf(w, "  elapsed:  %s\n", elapsed.Round(time.Millisecond))
	for _, f := range rep.Failures() {
		fmt.Fprintf(w, "  failure:  %v\n", f)
	}
}

// exitCode maps an error returned before or instead of a report.
func exitCode(err error) int {
	var pe *download.ParamError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, codec.ErrPassphraseRequired):
		return ExitPassphraseRequired
	case errors.Is(err, codec.ErrWrongPassphrase):
		return ExitWrongPassphrase
	case errors.Is(err, config.ErrMissingArgs), errors.Is(err, os.ErrNotExist):
		return ExitNotFound
	case errors.As(err, &pe), errors.Is(err, config.ErrBadArgument):
		return ExitBadArgument
	case errors.Is(err, download.ErrMissingHash), errors.Is(err, download.ErrMissingSaveTo),
		errors.Is(err, download.ErrNoServers), errors.Is(err, download.ErrSaveToUnusable):
		return ExitBadArgument
	default:
		return ExitUnknown
	}
}

// reportCode maps a finished report. Passphrase problems take precedence;
// a run that found nothing at all is "not found".
func reportCode(rep *report.Report) int {
	if !rep.IsFailed() {
		return ExitOK
	}
	failures := rep.Failures()
	for _, f := range failures {
		if errors.Is(f, codec.ErrPassphraseRequired) {
			return ExitPassphraseRequired
		}
	}
	for _, f := range failures {
		if errors.Is(f, codec.ErrWrongPassphrase) {
			return ExitWrongPassphrase
		}
	}
	if rep.Files() == 0 && rep.Skipped() == 0 {
		for _, f := range failures {
			if errors.Is(f, fetch.ErrNotFound) {
				return ExitNotFound
			}
		}
	}
	return ExitFailed
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: chunkget [flags] <hash> <save-location>")
	fmt.Fprintln(w, "  -v, --verbose             print progress and events")
	fmt.Fprintln(w, "  -d, --debug               debug logging and chunk events")
	fmt.Fprintln(w, "  -s, --summary             print a summary when done")
	fmt.Fprintln(w, "  -p, --passphrase PASS     passphrase for encrypted uploads")
	fmt.Fprintln(w, "  -u, --uploader NAME       select the upload by uploader")
	fmt.Fprintln(w, "  -t, --timestamp TS        select the upload by timestamp (unix ms or RFC3339)")
	fmt.Fprintln(w, "  -r, --relative-path PATH  select the upload by relative path")
	fmt.Fprintln(w, "  -e, --regex EXPR          case-insensitive filter for directory downloads")
	fmt.Fprintln(w, "  -S, --servers LIST        comma-separated server allow-list")
	fmt.Fprintln(w, "      --use-unspecified     also use servers not in --servers (default true)")
	fmt.Fprintln(w, "  -V, --validate            verify chunk and file hashes")
	fmt.Fprintln(w, "  -c, --continue            keep going after a file fails")
	fmt.Fprintln(w, "  -b, --batch               batch same-host requests")
	fmt.Fprintln(w, "  -T, --temp-dir DIR        directory for temporary files")
	fmt.Fprintln(w, "  -n, --threads N           download threads (default 4, min 2)")
	fmt.Fprintln(w, "      --hosts FILE          YAML host status file")
	fmt.Fprintln(w, "      --redis URL           redis URL holding the host status table")
	fmt.Fprintln(w, "      --history FILE        sqlite file recording reports")
	fmt.Fprintln(w, "      --log-level LEVEL     debug, info, warn or error")
	fmt.Fprintln(w, "exit codes: 0 ok, 1 unknown error, 2 not found, 3 download failed,")
	fmt.Fprintln(w, "            4 bad argument, 5 passphrase required, 6 wrong passphrase")
}
