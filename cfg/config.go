package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SourcesConfiguration names the three inputs the notifier watches
type SourcesConfiguration struct {
	ListenerPath string `toml:"listener_path"` // transaction stream written by the listener
	ReplogPath   string `toml:"replog_path"`   // replog written by the directory server
	SchemaPath   string `toml:"schema_path"`   // schema file; changes bump the schema id

	// Committed replog blocks are copied here, empty disables
	ForwardPath string `toml:"orf_path"`  // outgoing replog for a downstream replication daemon
	SavePath    string `toml:"save_path"` // archive of processed replog blocks

	MaxPendingBytes int `toml:"max_pending_bytes"` // source bytes read per pass (0 = unbounded)
}

// TransactionLogConfiguration controls the transaction log and its index
type TransactionLogConfiguration struct {
	LogPath          string `toml:"log_path"`
	IndexPath        string `toml:"index_path"`
	BaseID           uint64 `toml:"base_id"`            // id of the first record of a fresh index
	CacheEntries     int    `toml:"cache_entries"`      // decoded entries kept in memory
	CompressBodyOver int    `toml:"compress_body_over"` // bodies above this many bytes are zstd compressed (0 = never)
}

// WatcherConfiguration controls file change detection
type WatcherConfiguration struct {
	DebounceMS int `toml:"debounce_ms"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the operator HTTP endpoint
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // empty disables authentication
}

// SinkConfiguration describes one change-feed publisher sink
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka" or "nats"
	Format          string   `toml:"format"` // "json"
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterDNs       []string `toml:"filter_dns"` // glob patterns on the entry DN; empty matches all
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// PublisherConfiguration lists the configured sinks
type PublisherConfiguration struct {
	Sinks []SinkConfiguration `toml:"sinks"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Sources        SourcesConfiguration        `toml:"sources"`
	TransactionLog TransactionLogConfiguration `toml:"transaction_log"`
	Watcher        WatcherConfiguration        `toml:"watcher"`
	Logging        LoggingConfiguration        `toml:"logging"`
	Prometheus     PrometheusConfiguration     `toml:"prometheus"`
	Admin          AdminConfiguration          `toml:"admin"`
	Publisher      PublisherConfiguration      `toml:"publisher"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "/etc/ldapnotify/config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default returns the built-in configuration.
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "/var/lib/univention-ldap/notify/state",

		Sources: SourcesConfiguration{
			ListenerPath: "/var/lib/univention-ldap/listener/listener",
			ReplogPath:   "/var/lib/univention-ldap/replog/replog",
			SchemaPath:   "/var/lib/univention-ldap/schema.conf",

			MaxPendingBytes: 8 << 20,
		},

		TransactionLog: TransactionLogConfiguration{
			LogPath:          "/var/lib/univention-ldap/notify/transaction",
			IndexPath:        "/var/lib/univention-ldap/notify/transaction.index",
			BaseID:           1,
			CacheEntries:     4096,
			CompressBodyOver: 4096,
		},

		Watcher: WatcherConfiguration{
			DebounceMS: 20,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        6670,
		},
	}
}

// Config is the process-wide configuration, populated by Load.
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	for _, p := range []string{Config.TransactionLog.LogPath, Config.TransactionLog.IndexPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("ldapnotify")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks c for errors
func (c *Configuration) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Sources.ListenerPath == "" && c.Sources.ReplogPath == "" {
		return fmt.Errorf("at least one of sources.listener_path and sources.replog_path is required")
	}

	if c.Sources.MaxPendingBytes < 0 {
		return fmt.Errorf("sources.max_pending_bytes must be >= 0")
	}

	for _, p := range []string{c.Sources.ForwardPath, c.Sources.SavePath} {
		if p != "" && p == c.Sources.ReplogPath {
			return fmt.Errorf("replog archive %s must differ from sources.replog_path", p)
		}
	}
	if c.Sources.ForwardPath != "" && c.Sources.ForwardPath == c.Sources.SavePath {
		return fmt.Errorf("sources.orf_path and sources.save_path must be different files")
	}

	if c.TransactionLog.LogPath == "" || c.TransactionLog.IndexPath == "" {
		return fmt.Errorf("transaction_log.log_path and transaction_log.index_path are required")
	}

	if c.TransactionLog.LogPath == c.TransactionLog.IndexPath {
		return fmt.Errorf("transaction log and index must be different files")
	}

	if c.TransactionLog.BaseID == 0 {
		return fmt.Errorf("transaction_log.base_id must be >= 1")
	}

	if c.TransactionLog.CacheEntries < 0 {
		return fmt.Errorf("transaction_log.cache_entries must be >= 0")
	}

	if c.TransactionLog.CompressBodyOver < 0 {
		return fmt.Errorf("transaction_log.compress_body_over must be >= 0")
	}

	if c.Watcher.DebounceMS < 0 {
		return fmt.Errorf("watcher.debounce_ms must be >= 0")
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}

	seen := make(map[string]bool, len(c.Publisher.Sinks))
	for _, s := range c.Publisher.Sinks {
		if s.Name == "" {
			return fmt.Errorf("publisher sink name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate publisher sink name: %s", s.Name)
		}
		seen[s.Name] = true

		switch s.Type {
		case "kafka":
			if len(s.Brokers) == 0 {
				return fmt.Errorf("sink %s: kafka requires brokers", s.Name)
			}
		case "nats":
			if s.NatsURL == "" {
				return fmt.Errorf("sink %s: nats requires nats_url", s.Name)
			}
		default:
			return fmt.Errorf("sink %s: unknown type %q", s.Name, s.Type)
		}
	}

	return nil
}
