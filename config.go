package lgrd

/*
Daemon configuration.

Values are resolved in three layers: DefaultConfig(), then an optional YAML
file (LoadConfig), then command line flags explicitly set by the user
(BindFlags + MergeFlags). The resulting Config is validated once before the
daemon starts and is never changed afterwards.
*/

import (
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const _MAX_SOCKET_PATH = 107 // sun_path minus the terminating zero

// Config holds every tunable of a daemon instance.
type Config struct {
	LogPath         string   `yaml:"log_path"`
	MaxFileSize     ByteSize `yaml:"max_file_size"`
	MaxFileCount    int      `yaml:"max_file_count"`
	BufferSize      ByteSize `yaml:"buffer_size"`
	FlushInterval   Duration `yaml:"flush_interval"`
	MinLogLevel     LogLevel `yaml:"min_log_level"`
	SocketPath      string   `yaml:"socket_path"`
	MaxClients      int      `yaml:"max_clients"`
	QueueSize       int      `yaml:"queue_size"`
	EnqueueTimeout  Duration `yaml:"enqueue_timeout"`
	WriteRetries    int      `yaml:"write_retries"`
	RetryBackoff    Duration `yaml:"retry_backoff"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	MaxFrameSize    ByteSize `yaml:"max_frame_size"`
	TimeFormat      string   `yaml:"time_format"`
	SocketMode      FileMode `yaml:"socket_mode"`
	FileMode        FileMode `yaml:"file_mode"`
	TagPeers        bool     `yaml:"tag_peers"`
	MetricsAddr     string   `yaml:"metrics_addr"`
}

// DefaultConfig returns a configuration with every field set to its
// default. LogPath has no default and must be provided.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:     DEFAULT_MAX_FILE_SIZE,
		MaxFileCount:    DEFAULT_MAX_FILE_COUNT,
		BufferSize:      DEFAULT_BUFFER_SIZE,
		FlushInterval:   Duration{DEFAULT_FLUSH_INTERVAL},
		MinLogLevel:     DEFAULT_LOG_LEVEL,
		SocketPath:      DEFAULT_SOCKET_PATH,
		MaxClients:      DEFAULT_MAX_CLIENTS,
		QueueSize:       DEFAULT_QUEUE_SIZE,
		EnqueueTimeout:  Duration{DEFAULT_ENQUEUE_TIMEOUT},
		WriteRetries:    DEFAULT_WRITE_RETRIES,
		RetryBackoff:    Duration{DEFAULT_RETRY_BACKOFF},
		ShutdownTimeout: Duration{DEFAULT_SHUTDOWN_TIMEOUT},
		MaxFrameSize:    DEFAULT_MAX_FRAME,
		TimeFormat:      DEFAULT_TIME_FORMAT,
		SocketMode:      DEFAULT_SOCKET_MODE,
		FileMode:        DEFAULT_FILE_MODE,
	}
}

// LoadConfig reads a YAML file on top of the defaults. Unknown keys are
// rejected. An empty file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, NewError(KIND_CONFIG, "load config", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, NewError(KIND_CONFIG, "load config", errors.Wrapf(err, "parse %s", path))
	}
	return cfg, nil
}

// BindFlags registers the daemon flags on fs, bound to the fields of c.
// Current field values become the flag defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.LogPath, "file", "f", c.LogPath, "active log file path (required)")
	fs.VarP(&c.MaxFileSize, "size", "s", "maximum size of one log file, e.g. 10MiB")
	fs.IntVarP(&c.MaxFileCount, "number", "n", c.MaxFileCount, "number of rotated files to keep")
	fs.VarP(&c.BufferSize, "buffer", "b", "in-memory buffer size that triggers a flush")
	fs.StringVarP(&c.SocketPath, "socket", "p", c.SocketPath, "unix socket path to listen on")
	fs.VarP(&c.MinLogLevel, "level", "l", "minimal level of stored records (name or number)")
	fs.DurationVarP(&c.FlushInterval.Duration, "interval", "i", c.FlushInterval.Duration, "maximal time between flushes")
	fs.IntVarP(&c.MaxClients, "max-clients", "m", c.MaxClients, "maximal number of simultaneous clients")
	fs.BoolVar(&c.TagPeers, "tag-peers", c.TagPeers, "tag records with the sender pid")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "serve prometheus metrics on this address")
}

// MergeFlags copies the value of every flag explicitly set on fs into c.
// fs must have been populated by BindFlags (on any Config).
func (c *Config) MergeFlags(fs *pflag.FlagSet) error {
	target := pflag.NewFlagSet("merge", pflag.ContinueOnError)
	c.BindFlags(target)
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err == nil && target.Lookup(f.Name) != nil {
			err = target.Set(f.Name, f.Value.String())
		}
	})
	if err != nil {
		return NewError(KIND_CONFIG, "merge flags", err)
	}
	return nil
}

// Validate checks the configuration and returns a KIND_CONFIG error
// describing the first problem found.
func (c *Config) Validate() error {
	var problem string
	switch {
	case c.LogPath == "":
		problem = "log file path is required"
	case c.MaxFileSize <= 0:
		problem = "max_file_size must be positive"
	case c.MaxFileCount < 0:
		problem = "max_file_count must not be negative"
	case c.BufferSize <= 0:
		problem = "buffer_size must be positive"
	case c.BufferSize > _MAX_BUFFER_SIZE:
		problem = "buffer_size must not exceed " + units.BytesSize(_MAX_BUFFER_SIZE)
	case c.FlushInterval.Duration <= 0:
		problem = "flush_interval must be positive"
	case c.MinLogLevel >= _LVL_MAX_for_checks_only:
		problem = "min_log_level is out of range"
	case c.SocketPath == "":
		problem = "socket path is required"
	case len(c.SocketPath) > _MAX_SOCKET_PATH:
		problem = "socket path is too long"
	case c.MaxClients <= 0:
		problem = "max_clients must be positive"
	case c.QueueSize <= 0:
		problem = "queue_size must be positive"
	case c.EnqueueTimeout.Duration < 0:
		problem = "enqueue_timeout must not be negative"
	case c.WriteRetries < 0:
		problem = "write_retries must not be negative"
	case c.RetryBackoff.Duration < 0:
		problem = "retry_backoff must not be negative"
	case c.ShutdownTimeout.Duration <= 0:
		problem = "shutdown_timeout must be positive"
	case c.MaxFrameSize <= 0 || c.MaxFrameSize > math.MaxUint32:
		problem = "max_frame_size is out of range"
	case c.TimeFormat == "":
		problem = "time_format must not be empty"
	case c.SocketMode > 0777 || c.FileMode > 0777:
		problem = "file modes must be permission bits only"
	default:
		return nil
	}
	return NewError(KIND_CONFIG, "validate config", errors.New(problem))
}

/////////////////////////////////////////////////////////////////////////////////////////

// ByteSize is a size in bytes. It accepts plain integers as well as
// human-readable sizes like "64KiB" or "10M" (binary multiples).
type ByteSize int64

func parseByteSize(s string) (ByteSize, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", s)
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string { return strconv.FormatInt(int64(b), 10) }

// Human returns the size in binary units for log messages.
func (b ByteSize) Human() string { return units.BytesSize(float64(b)) }

func (b *ByteSize) Set(s string) (err error) {
	*b, err = parseByteSize(s)
	return err
}

func (b *ByteSize) Type() string { return "bytes" }

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Duration wraps time.Duration so it can be written as "2s" in YAML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// FileMode holds permission bits written in octal ("0666" or "0o666").
type FileMode os.FileMode

func (m *FileMode) UnmarshalYAML(node *yaml.Node) error {
	s := strings.TrimPrefix(strings.TrimPrefix(node.Value, "0o"), "0O")
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return errors.Wrapf(err, "invalid file mode %q", node.Value)
	}
	*m = FileMode(n)
	return nil
}

func (m FileMode) Perm() os.FileMode { return os.FileMode(m).Perm() }

// LogLevel implements pflag.Value so levels can be given by name.

func (level *LogLevel) Set(s string) error {
	return level.UnmarshalText([]byte(s))
}

func (level *LogLevel) Type() string { return "level" }
