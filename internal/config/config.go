package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

const (
	clientEnvPrefix = "CHUNKGET_"
	serverEnvPrefix = "CHUNKSERV_"

	// MinThreads is the lower bound on download workers.
	MinThreads = 2
)

var (
	// ErrMissingArgs indicates the positional hash or save location is absent.
	ErrMissingArgs = errors.New("missing <hash> <save-location>")
	// ErrBadArgument indicates a flag or environment value failed to parse.
	ErrBadArgument = errors.New("bad argument")
)

// ClientConfig holds configuration for the chunkget binary.
type ClientConfig struct {
	Hash   string
	SaveTo string

	Verbose bool
	Debug   bool
	Summary bool

	Passphrase   string
	Uploader     string
	Timestamp    time.Time
	RelativePath string
	Regex        string

	Servers        []string
	UseUnspecified bool
	Validate       bool
	Continue       bool
	Batch          bool
	BatchItems     int
	BatchBytes     datasize.ByteSize
	TempDir        string
	Threads        int

	MemoryThreshold datasize.ByteSize

	HostsFile   string
	RedisURL    string
	RedisKey    string
	HistoryFile string
	LogLevel    string
}

// ServerConfig holds configuration for the chunkserv binary.
type ServerConfig struct {
	TCPAddr  string
	QUICAddr string
	WSAddr   string

	// StoreDir selects a badger store; empty means in-memory.
	StoreDir string
	// Publish lists files or directories loaded into the store at startup.
	Publish    []string
	Passphrase string
	Encodings  []string
	ChunkSize  datasize.ByteSize
	KeepAlive  time.Duration
	LogLevel   string
}

// LoadDotEnv loads variables from path without overriding ones already
// set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ParseClientConfig parses chunkget configuration from os.Args, the
// environment and an optional .env file. Flags take precedence over
// environment variables.
func ParseClientConfig() (ClientConfig, error) {
	if err := LoadDotEnv(""); err != nil {
		return ClientConfig{}, err
	}
	fs := flag.NewFlagSet("chunkget", flag.ContinueOnError)
	return ParseClientConfigWithFlagSet(fs, os.Args[1:])
}

// DefaultClientConfig returns the client defaults before env and flags.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		UseUnspecified:  true,
		BatchItems:      32,
		BatchBytes:      4 * datasize.MB,
		Threads:         4,
		MemoryThreshold: datasize.MB,
		RedisKey:        "chunkget:hosts",
		LogLevel:        "error",
	}
}

// ParseClientConfigWithFlagSet parses args into a ClientConfig using fs.
func ParseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	env := envReader{prefix: clientEnvPrefix}

	// Read from environment first
	env.str("PASSPHRASE", &cfg.Passphrase)
	env.str("UPLOADER", &cfg.Uploader)
	env.str("TEMP_DIR", &cfg.TempDir)
	env.str("HOSTS", &cfg.HostsFile)
	env.str("REDIS", &cfg.RedisURL)
	env.str("REDIS_KEY", &cfg.RedisKey)
	env.str("HISTORY", &cfg.HistoryFile)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.list("SERVERS", &cfg.Servers)
	env.integer("THREADS", &cfg.Threads)
	env.integer("BATCH_ITEMS", &cfg.BatchItems)
	env.boolean("USE_UNSPECIFIED", &cfg.UseUnspecified)
	env.boolean("VALIDATE", &cfg.Validate)
	env.size("BATCH_BYTES", &cfg.BatchBytes)
	env.size("MEMORY_THRESHOLD", &cfg.MemoryThreshold)
	if env.err != nil {
		return cfg, env.err
	}

	// Flags override environment
	fs.SetOutput(io.Discard)
	boolFlag(fs, &cfg.Verbose, "v", "verbose", "print progress and events")
	boolFlag(fs, &cfg.Debug, "d", "debug", "debug logging")
	boolFlag(fs, &cfg.Summary, "s", "summary", "print a summary when done")
	stringFlag(fs, &cfg.Passphrase, "p", "passphrase", "passphrase for encrypted uploads")
	stringFlag(fs, &cfg.Uploader, "u", "uploader", "select the upload by uploader name")
	stringFlag(fs, &cfg.RelativePath, "r", "relative-path", "select the upload by relative path")
	stringFlag(fs, &cfg.Regex, "e", "regex", "case-insensitive filter over relative paths (directories)")
	boolFlag(fs, &cfg.Validate, "V", "validate", "verify chunk and file hashes")
	boolFlag(fs, &cfg.Continue, "c", "continue", "keep going after a file fails")
	boolFlag(fs, &cfg.Batch, "b", "batch", "batch same-host requests")
	stringFlag(fs, &cfg.TempDir, "T", "temp-dir", "directory for temporary files")
	intFlag(fs, &cfg.Threads, "n", "threads", "number of download threads (min 2)")
	fs.BoolVar(&cfg.UseUnspecified, "use-unspecified", cfg.UseUnspecified, "also use servers not named with --servers")
	fs.IntVar(&cfg.BatchItems, "batch-items", cfg.BatchItems, "maximum chunks per batched request")
	fs.TextVar(&cfg.BatchBytes, "batch-bytes", cfg.BatchBytes, "flush a batch once it exceeds this size")
	fs.TextVar(&cfg.MemoryThreshold, "memory-threshold", cfg.MemoryThreshold, "single-part files up to this size decode in memory")
	fs.StringVar(&cfg.HostsFile, "hosts", cfg.HostsFile, "YAML host status file")
	fs.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "redis URL holding the host status table")
	fs.StringVar(&cfg.RedisKey, "redis-key", cfg.RedisKey, "redis hash with host statuses")
	fs.StringVar(&cfg.HistoryFile, "history", cfg.HistoryFile, "sqlite file recording reports")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	var timestamp, servers string
	stringFlag(fs, &timestamp, "t", "timestamp", "select the upload by timestamp (unix ms or RFC3339)")
	stringFlag(fs, &servers, "S", "servers", "comma-separated server allow-list")

	// Positional arguments may be interleaved with flags.
	var rest []string
	for {
		if err := fs.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return cfg, err
			}
			return cfg, fmt.Errorf("%w: %v", ErrBadArgument, err)
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		rest = append(rest, args[0])
		args = args[1:]
	}

	if servers != "" {
		cfg.Servers = splitList(servers)
	}
	if timestamp != "" {
		ts, err := ParseTimestamp(timestamp)
		if err != nil {
			return cfg, err
		}
		cfg.Timestamp = ts
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	} else if cfg.Verbose && cfg.LogLevel == "error" {
		cfg.LogLevel = "info"
	}
	if cfg.Threads < MinThreads {
		return cfg, fmt.Errorf("%w: --threads must be at least %d", ErrBadArgument, MinThreads)
	}
	if cfg.BatchItems < 1 {
		return cfg, fmt.Errorf("%w: --batch-items must be positive", ErrBadArgument)
	}

	if len(rest) < 2 {
		return cfg, ErrMissingArgs
	}
	if len(rest) > 2 {
		return cfg, fmt.Errorf("%w: unexpected argument %q", ErrBadArgument, rest[2])
	}
	cfg.Hash, cfg.SaveTo = rest[0], rest[1]
	return cfg, nil
}

// ParseServerConfig parses chunkserv configuration from os.Args and the
// environment.
func ParseServerConfig() (ServerConfig, error) {
	if err := LoadDotEnv(""); err != nil {
		return ServerConfig{}, err
	}
	fs := flag.NewFlagSet("chunkserv", flag.ContinueOnError)
	return ParseServerConfigWithFlagSet(fs, os.Args[1:])
}

// ParseServerConfigWithFlagSet parses args into a ServerConfig using fs.
// Defaults: tcp=":7400", quic=":7401", ws=":7402", in-memory store.
func ParseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		TCPAddr:   ":7400",
		QUICAddr:  ":7401",
		WSAddr:    ":7402",
		ChunkSize: datasize.MB,
		KeepAlive: 2 * time.Second,
		LogLevel:  "info",
	}
	env := envReader{prefix: serverEnvPrefix}
	env.str("TCP_ADDR", &cfg.TCPAddr)
	env.str("QUIC_ADDR", &cfg.QUICAddr)
	env.str("WS_ADDR", &cfg.WSAddr)
	env.str("STORE_DIR", &cfg.StoreDir)
	env.str("PASSPHRASE", &cfg.Passphrase)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.list("ENCODINGS", &cfg.Encodings)
	env.size("CHUNK_SIZE", &cfg.ChunkSize)
	env.duration("KEEPALIVE", &cfg.KeepAlive)
	if env.err != nil {
		return cfg, env.err
	}

	fs.StringVar(&cfg.TCPAddr, "tcp", cfg.TCPAddr, "TCP listen address (empty disables)")
	fs.StringVar(&cfg.QUICAddr, "quic", cfg.QUICAddr, "QUIC listen address (empty disables)")
	fs.StringVar(&cfg.WSAddr, "ws", cfg.WSAddr, "WebSocket listen address (empty disables)")
	fs.StringVar(&cfg.StoreDir, "store", cfg.StoreDir, "badger directory (empty keeps chunks in memory)")
	fs.StringVar(&cfg.Passphrase, "passphrase", cfg.Passphrase, "passphrase for published files")
	fs.TextVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "part size for published files")
	fs.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "keep-alive interval for slow requests")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Var((*stringSlice)(&cfg.Publish), "publish", "file or directory to publish (repeatable)")
	var encodings string
	fs.StringVar(&encodings, "encodings", strings.Join(cfg.Encodings, ","), "encoding steps for published files, e.g. gzip,aes")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("%w: %v", ErrBadArgument, err)
	}
	cfg.Encodings = splitList(encodings)
	if cfg.ChunkSize == 0 {
		return cfg, fmt.Errorf("%w: --chunk-size must be positive", ErrBadArgument)
	}
	return cfg, nil
}

// ParseTimestamp accepts unix milliseconds or RFC3339.
func ParseTimestamp(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrBadArgument, s)
	}
	return ts, nil
}

func boolFlag(fs *flag.FlagSet, p *bool, short, long, usage string) {
	fs.BoolVar(p, short, *p, usage)
	fs.BoolVar(p, long, *p, usage)
}

func stringFlag(fs *flag.FlagSet, p *string, short, long, usage string) {
	fs.StringVar(p, short, *p, usage)
	fs.StringVar(p, long, *p, usage)
}

func intFlag(fs *flag.FlagSet, p *int, short, long, usage string) {
	fs.IntVar(p, short, *p, usage)
	fs.IntVar(p, long, *p, usage)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envReader reads prefixed variables, keeping the first parse error.
type envReader struct {
	prefix string
	err    error
}

func (e *envReader) lookup(name string) (string, bool) {
	v := os.Getenv(e.prefix + name)
	return v, v != ""
}

func (e *envReader) fail(name, value string) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: %s%s=%q", ErrBadArgument, e.prefix, name, value)
	}
}

func (e *envReader) str(name string, p *string) {
	if v, ok := e.lookup(name); ok {
		*p = v
	}
}

func (e *envReader) list(name string, p *[]string) {
	if v, ok := e.lookup(name); ok {
		*p = splitList(v)
	}
}

func (e *envReader) integer(name string, p *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v)
			return
		}
		*p = n
	}
}

func (e *envReader) boolean(name string, p *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v)
			return
		}
		*p = b
	}
}

func (e *envReader) size(name string, p *datasize.ByteSize) {
	if v, ok := e.lookup(name); ok {
		var s datasize.ByteSize
		if err := s.UnmarshalText([]byte(v)); err != nil {
			e.fail(name, v)
			return
		}
		*p = s
	}
}

func (e *envReader) duration(name string, p *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v)
			return
		}
		*p = d
	}
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var _ flag.Value = (*stringSlice)(nil)
