// Package config loads the server configuration from YAML. Documents are
// checked against an embedded JSON schema before they are decoded over the
// defaults.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/session"
)

//go:embed config.schema.json
var schemaJSON string

const schemaURL = "scopesync://config.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

type Config struct {
	// TickRate is replication ticks per second.
	TickRate int `yaml:"tick_rate"`
	// Workers limits connections processed in parallel; 0 means GOMAXPROCS.
	Workers             int `yaml:"workers"`
	MaxQueuedEvents     int `yaml:"max_queued_events"`
	MaxInboundDatagrams int `yaml:"max_inbound_datagrams"`

	MaxDatagramSize   int           `yaml:"max_datagram_size"`
	ResendTimeout     time.Duration `yaml:"resend_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AckWindow         int           `yaml:"ack_window"`
	ReliableWindow    int           `yaml:"reliable_window"`
	FragmentTimeout   time.Duration `yaml:"fragment_timeout"`
	MaxReassembly     int           `yaml:"max_reassembly"`
	MaxSentPackets    int           `yaml:"max_sent_packets"`
	RTTSmoothing      float64       `yaml:"rtt_smoothing"`
	RTTMax            time.Duration `yaml:"rtt_max"`

	// An empty address disables the listener.
	QUICAddr string `yaml:"quic_addr"`
	WSAddr   string `yaml:"ws_addr"`
	WSPath   string `yaml:"ws_path"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// An empty journal directory or ledger path disables that store.
	JournalDir string `yaml:"journal_dir"`
	LedgerPath string `yaml:"ledger_path"`
}

func Default() Config {
	s := session.DefaultConfig()
	return Config{
		TickRate:            20,
		Workers:             runtime.GOMAXPROCS(0),
		MaxQueuedEvents:     1024,
		MaxInboundDatagrams: 1 << 16,
		MaxDatagramSize:     s.MaxDatagramSize,
		ResendTimeout:       s.ResendTimeout,
		IdleTimeout:         s.IdleTimeout,
		HeartbeatInterval:   s.HeartbeatInterval,
		AckWindow:           s.AckWindow,
		ReliableWindow:      s.ReliableWindow,
		FragmentTimeout:     s.FragmentTimeout,
		MaxReassembly:       s.MaxReassembly,
		MaxSentPackets:      s.MaxSentPackets,
		RTTSmoothing:        s.RTTSmoothing,
		RTTMax:              s.RTTMax,
		QUICAddr:            "127.0.0.1:7777",
		WSAddr:              "127.0.0.1:7778",
		WSPath:              "/ws",
		LogLevel:            "info",
		LogFormat:           "json",
		JournalDir:          "data/journal",
		LedgerPath:          "data/ledger.sqlite",
	}
}

// Load reads a YAML file. An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates raw against the schema and decodes it over the defaults.
func Parse(raw []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if doc != nil {
		s, err := compiledSchema()
		if err != nil {
			return Config{}, err
		}
		if err = s.Validate(doc); err != nil {
			return Config{}, fmt.Errorf("config: %w: %w", protocol.ErrInvalidConfig, err)
		}
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && doc != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.Normalize()
	return cfg, cfg.Validate()
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if schemaErr = c.AddResource(schemaURL, strings.NewReader(schemaJSON)); schemaErr != nil {
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	if schemaErr != nil {
		return nil, fmt.Errorf("config schema: %w", schemaErr)
	}
	return schema, nil
}

// Normalize fills zero values that have an obvious meaning.
func (c *Config) Normalize() {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.WSPath == "" {
		c.WSPath = "/ws"
	} else if !strings.HasPrefix(c.WSPath, "/") {
		c.WSPath = "/" + c.WSPath
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}

func (c Config) Validate() error {
	if c.TickRate < 1 || c.TickRate > 1000 {
		return fmt.Errorf("tick rate %d outside 1..1000: %w", c.TickRate, protocol.ErrInvalidConfig)
	}
	if c.MaxQueuedEvents < 1 || c.MaxInboundDatagrams < 1 || c.Workers < 0 {
		return fmt.Errorf("queue limits must be positive: %w", protocol.ErrInvalidConfig)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key go together: %w", protocol.ErrInvalidConfig)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log format %q is neither json nor console: %w", c.LogFormat, protocol.ErrInvalidConfig)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrInvalidConfig, err)
	}
	return c.Session().Validate()
}

// TickInterval is the time between two ticks.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

func (c Config) Level() log.Level {
	level, _ := log.ParseLevel(c.LogLevel)
	return level
}

// Session is the per-connection endpoint configuration.
func (c Config) Session() session.Config {
	return session.Config{
		MaxDatagramSize:   c.MaxDatagramSize,
		ResendTimeout:     c.ResendTimeout,
		IdleTimeout:       c.IdleTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		AckWindow:         c.AckWindow,
		ReliableWindow:    c.ReliableWindow,
		FragmentTimeout:   c.FragmentTimeout,
		MaxReassembly:     c.MaxReassembly,
		MaxSentPackets:    c.MaxSentPackets,
		RTTSmoothing:      c.RTTSmoothing,
		RTTMax:            c.RTTMax,
	}
}

// YAML renders the configuration as a loadable document.
func (c Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
