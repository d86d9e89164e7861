package relayproxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/Q1rD/relayproxy/internal/relay"
)

// Config contains server configuration for relayproxy.
// Use DefaultConfig() to get sensible defaults, then override specific fields as needed.
type Config struct {
	// ListenAddress is the TCP address ListenAndServe binds.
	//
	// Default: ":8080"
	// Use port 0 to let the kernel pick one; Server.Addr reports it.
	ListenAddress string `yaml:"listen"`

	// Backlog is the listen queue length.
	//
	// Default: 0 (SOMAXCONN)
	Backlog int `yaml:"backlog"`

	// NumWorkers is the number of worker goroutines. Each worker relays one
	// connection at a time; ready connections beyond this wait in the queue.
	//
	// Default: 4
	// Trade-off: a slow origin occupies a worker for the whole exchange
	NumWorkers int `yaml:"workers"`

	// MaxEvents bounds the readiness events handled per wait.
	//
	// Default: 1024
	MaxEvents int `yaml:"max_events"`

	// BufferSize is the read buffer capacity of each connection leg.
	//
	// Default: 8192
	BufferSize int `yaml:"buffer_size"`

	// MaxLineLength sizes the buffer request, status and header lines
	// are read through. Longer lines are read in pieces and rejoined;
	// a whole head is capped at 1 MiB.
	//
	// Default: 8192
	MaxLineLength int `yaml:"max_line_length"`

	// MaxBodySize bounds the response body forwarded to a client. In YAML it
	// accepts a plain byte count or a size such as "16MiB".
	//
	// Default: 16 MiB
	MaxBodySize ByteSize `yaml:"max_body_size"`

	// HeaderPolicy selects how client headers reach the origin:
	//   - "verbatim": every header line forwarded unchanged
	//   - "recompute-length": Content-Length replaced by the length actually sent
	//
	// Default: "verbatim"
	HeaderPolicy string `yaml:"header_policy"`

	// OriginPort is used when a request target names no port.
	//
	// Default: 80
	OriginPort int `yaml:"origin_port"`

	// DialTimeout is the maximum time to connect to one origin address.
	//
	// Default: 5 seconds
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// KeepAlive specifies the interval between keep-alive probes on
	// origin connections.
	//
	// Default: 30 seconds
	KeepAlive time.Duration `yaml:"keep_alive"`

	// IOTimeout bounds every blocking read or write on either leg.
	//
	// Default: 0 (no timeout)
	// Warning: without it a silent client or origin holds a worker forever.
	IOTimeout time.Duration `yaml:"io_timeout"`

	// StatsInterval is how often statistics are logged.
	//
	// Default: 0 (disabled)
	StatsInterval time.Duration `yaml:"stats_interval"`

	// LogLevel is one of "debug", "info", "warn", "error".
	//
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json".
	//
	// Default: "text"
	LogFormat string `yaml:"log_format"`
}

// ByteSize is a byte count that YAML may spell as a number or as a
// human-readable size
type ByteSize int64

// UnmarshalYAML accepts 1048576, "1048576", "1MiB" or "1 MB"
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}

	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}

	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

// String formats the size with IEC units
func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		// Listener defaults
		ListenAddress: ":8080",

		// Dispatch defaults
		NumWorkers: 4,
		MaxEvents:  1024,

		// Relay defaults
		BufferSize:    8192,
		MaxLineLength: 8192,
		MaxBodySize:   16 << 20,
		HeaderPolicy:  string(relay.HeadersVerbatim),

		// Origin defaults
		OriginPort:  80,
		DialTimeout: 5 * time.Second,
		KeepAlive:   30 * time.Second,

		// Logging defaults
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("%w: ListenAddress is empty", ErrInvalidConfig)
	}

	if c.NumWorkers <= 0 {
		return fmt.Errorf("%w: NumWorkers must be positive, got %d", ErrInvalidConfig, c.NumWorkers)
	}

	if c.MaxEvents <= 0 {
		return fmt.Errorf("%w: MaxEvents must be positive, got %d", ErrInvalidConfig, c.MaxEvents)
	}

	if c.BufferSize <= 0 {
		return fmt.Errorf("%w: BufferSize must be positive, got %d", ErrInvalidConfig, c.BufferSize)
	}

	if c.MaxLineLength < 2 {
		return fmt.Errorf("%w: MaxLineLength must be at least 2, got %d", ErrInvalidConfig, c.MaxLineLength)
	}

	if c.MaxBodySize <= 0 {
		return fmt.Errorf("%w: MaxBodySize must be positive, got %d", ErrInvalidConfig, c.MaxBodySize)
	}

	if !relay.HeaderPolicy(c.HeaderPolicy).Valid() {
		return fmt.Errorf("%w: unknown HeaderPolicy %q", ErrInvalidConfig, c.HeaderPolicy)
	}

	if c.OriginPort <= 0 || c.OriginPort > 65535 {
		return fmt.Errorf("%w: OriginPort must be between 1 and 65535, got %d", ErrInvalidConfig, c.OriginPort)
	}

	if c.DialTimeout < 0 || c.KeepAlive < 0 || c.IOTimeout < 0 || c.StatsInterval < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%w: LogFormat must be text or json, got %q", ErrInvalidConfig, c.LogFormat)
	}

	return nil
}

// ApplyDefaults applies default values for unset fields
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.ListenAddress == "" {
		c.ListenAddress = defaults.ListenAddress
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = defaults.NumWorkers
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = defaults.MaxEvents
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaults.BufferSize
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = defaults.MaxLineLength
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = defaults.MaxBodySize
	}
	if c.HeaderPolicy == "" {
		c.HeaderPolicy = defaults.HeaderPolicy
	}
	if c.OriginPort == 0 {
		c.OriginPort = defaults.OriginPort
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = defaults.KeepAlive
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaults.LogFormat
	}
}

// LoadConfig reads a YAML configuration file. Keys absent from the file
// keep their defaults; unknown keys are an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ParseLogLevel converts a level name to a slog.Level
func ParseLogLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}
