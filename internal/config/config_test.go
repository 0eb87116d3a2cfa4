package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
)

func newFlagSet() *flag.FlagSet {
	return flag.NewFlagSet("test", flag.ContinueOnError)
}

func TestParseClientConfig_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := ParseClientConfigWithFlagSet(newFlagSet(), []string{"abc", "/tmp/out"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Hash != "abc" || cfg.SaveTo != "/tmp/out" {
		t.Errorf("expected positional args, got %q %q", cfg.Hash, cfg.SaveTo)
	}
	if cfg.Threads != 4 {
		t.Errorf("expected Threads to be 4, got %d", cfg.Threads)
	}
	if !cfg.UseUnspecified {
		t.Error("expected UseUnspecified to default to true")
	}
	if cfg.LogLevel != "error" {
		t.Errorf("expected LogLevel to be error, got %s", cfg.LogLevel)
	}
	if cfg.MemoryThreshold != datasize.MB {
		t.Errorf("expected MemoryThreshold to be 1MB, got %s", cfg.MemoryThreshold)
	}
}

func TestParseClientConfig_ShortAndLongFlags(t *testing.T) {
	os.Clearenv()

	args := []string{
		"-v", "--passphrase", "secret", "-S", "a, b,,c", "-t", "1700000000000",
		"--regex", "\\.txt$", "-n", "8", "-V", "-c", "-b", "--batch-bytes", "512KB",
		"hash", "dest", "--summary",
	}
	cfg, err := ParseClientConfigWithFlagSet(newFlagSet(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Verbose || !cfg.Validate || !cfg.Continue || !cfg.Batch || !cfg.Summary {
		t.Errorf("expected boolean flags set, got %+v", cfg)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected verbose to raise LogLevel to info, got %s", cfg.LogLevel)
	}
	if got := cfg.Servers; len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("unexpected servers %v", got)
	}
	if !cfg.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("unexpected timestamp %s", cfg.Timestamp)
	}
	if cfg.Threads != 8 || cfg.Passphrase != "secret" || cfg.Regex != "\\.txt$" {
		t.Errorf("unexpected values %+v", cfg)
	}
	if cfg.BatchBytes != 512*datasize.KB {
		t.Errorf("expected BatchBytes 512KB, got %s", cfg.BatchBytes)
	}
}

func TestParseClientConfig_EnvFallbackAndOverride(t *testing.T) {
	os.Clearenv()
	t.Setenv("CHUNKGET_THREADS", "6")
	t.Setenv("CHUNKGET_PASSPHRASE", "from-env")
	t.Setenv("CHUNKGET_SERVERS", "x,y")
	t.Setenv("CHUNKGET_MEMORY_THRESHOLD", "2MB")

	cfg, err := ParseClientConfigWithFlagSet(newFlagSet(), []string{"-p", "from-flag", "h", "d"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Threads != 6 {
		t.Errorf("expected Threads from env, got %d", cfg.Threads)
	}
	if cfg.Passphrase != "from-flag" {
		t.Errorf("expected flag to override env, got %s", cfg.Passphrase)
	}
	if len(cfg.Servers) != 2 {
		t.Errorf("expected servers from env, got %v", cfg.Servers)
	}
	if cfg.MemoryThreshold != 2*datasize.MB {
		t.Errorf("expected MemoryThreshold from env, got %s", cfg.MemoryThreshold)
	}
}

func TestParseClientConfig_Errors(t *testing.T) {
	os.Clearenv()

	cases := []struct {
		name string
		args []string
		want error
	}{
		{"no args", nil, ErrMissingArgs},
		{"one arg", []string{"hash"}, ErrMissingArgs},
		{"extra arg", []string{"a", "b", "c"}, ErrBadArgument},
		{"unknown flag", []string{"--nope", "a", "b"}, ErrBadArgument},
		{"too few threads", []string{"-n", "1", "a", "b"}, ErrBadArgument},
		{"bad timestamp", []string{"-t", "yesterday", "a", "b"}, ErrBadArgument},
		{"help", []string{"-h"}, flag.ErrHelp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientConfigWithFlagSet(newFlagSet(), tc.args)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	t.Setenv("CHUNKGET_THREADS", "many")
	if _, err := ParseClientConfigWithFlagSet(newFlagSet(), []string{"a", "b"}); !errors.Is(err, ErrBadArgument) {
		t.Fatalf("expected bad env value to fail, got %v", err)
	}
}

func TestParseServerConfig_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := ParseServerConfigWithFlagSet(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TCPAddr != ":7400" || cfg.QUICAddr != ":7401" || cfg.WSAddr != ":7402" {
		t.Errorf("unexpected addresses %+v", cfg)
	}
	if cfg.StoreDir != "" {
		t.Errorf("expected in-memory store by default, got %s", cfg.StoreDir)
	}
	if cfg.KeepAlive != 2*time.Second {
		t.Errorf("expected KeepAlive 2s, got %s", cfg.KeepAlive)
	}
}

func TestParseServerConfig_FlagsOverrideEnv(t *testing.T) {
	os.Clearenv()
	t.Setenv("CHUNKSERV_TCP_ADDR", ":1")
	t.Setenv("CHUNKSERV_ENCODINGS", "gzip")

	cfg, err := ParseServerConfigWithFlagSet(newFlagSet(), []string{
		"-tcp", ":2", "-publish", "a", "-publish", "b", "-encodings", "zstd,aes", "-chunk-size", "64KB",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TCPAddr != ":2" {
		t.Errorf("expected flag to override env, got %s", cfg.TCPAddr)
	}
	if len(cfg.Publish) != 2 {
		t.Errorf("expected two publish paths, got %v", cfg.Publish)
	}
	if len(cfg.Encodings) != 2 || cfg.Encodings[1] != "aes" {
		t.Errorf("unexpected encodings %v", cfg.Encodings)
	}
	if cfg.ChunkSize != 64*datasize.KB {
		t.Errorf("expected 64KB chunks, got %s", cfg.ChunkSize)
	}
}

func TestLoadDotEnv(t *testing.T) {
	os.Clearenv()
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}

	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("CHUNKGET_UPLOADER=alice\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("CHUNKGET_UPLOADER") })
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := ParseClientConfigWithFlagSet(newFlagSet(), []string{"h", "d"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Uploader != "alice" {
		t.Errorf("expected uploader from .env, got %q", cfg.Uploader)
	}
}
