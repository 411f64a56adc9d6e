// Package config provides the data-plane service's own viper-backed
// configuration file plus a ConfigCategory shape for the externally
// owned configuration categories of spec §6 (pollInterval,
// bufferThreshold, maxSendLatency, source, filter, …). The categories
// themselves are owned by the management layer (out of scope per §1);
// this package only specifies what a (category_name, json_blob)
// notification decodes into.
package config

import (
	"encoding/json"
	"os"

	"github.com/spf13/viper"
)

// Config holds the service's own bootstrap configuration: where to
// find plugins, how to reach storage, and which north destination to
// start.
type Config struct {
	ServiceName string `mapstructure:"service_name"`
	DataDir     string `mapstructure:"data_dir"`

	PluginDirs []string `mapstructure:"plugin_dirs"`

	StorageDSN      string `mapstructure:"storage_dsn"`
	StorageDriver   string `mapstructure:"storage_driver"` // "pgx" or "sqlite"
	PoolMaxIdle     int    `mapstructure:"pool_max_idle"`
	PoolMaxInUse    int    `mapstructure:"pool_max_in_use"`
	VacuumInterval  int    `mapstructure:"vacuum_interval_s"`

	SouthPlugin string `mapstructure:"south_plugin"`
	SouthKind   string `mapstructure:"south_kind"` // "poll" or "async"

	NorthKind     string `mapstructure:"north_kind"` // "omf", "kafka" or "http"
	NorthEndpoint string `mapstructure:"north_endpoint"`
	NorthToken    string `mapstructure:"north_token"`

	StreamListenHost string `mapstructure:"stream_listen_host"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		ServiceName:      hostname,
		DataDir:          "./data",
		PluginDirs:       []string{"./plugins/south", "./plugins/north", "./plugins/filter", "./plugins/storage"},
		StorageDriver:    "pgx",
		PoolMaxIdle:      4,
		PoolMaxInUse:     16,
		VacuumInterval:   3600,
		SouthKind:        "poll",
		NorthKind:        "omf",
		StreamListenHost: "127.0.0.1",
	}
}

// LoadConfig loads configuration from a file, falling back to
// DefaultConfig for any field the file omits.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Category is the decoded shape of one externally-owned configuration
// category notification, per §6: `(category_name, json_blob)`. The
// category's own schema is opaque to the core; components that care
// about specific keys (pollInterval, bufferThreshold, …) unmarshal
// Value themselves.
type Category struct {
	Name  string
	Value json.RawMessage
}

// IngestConfig is the subset of a service's parent category the south
// ingest engine (C4) consumes.
type IngestConfig struct {
	PollInterval    int `json:"pollInterval"`    // milliseconds, poll-mode south plugins only
	BufferThreshold int `json:"bufferThreshold"` // flush when queue length reaches this
	MaxSendLatency  int `json:"maxSendLatency"`  // milliseconds, flush timeout regardless of threshold
}

// NorthConfig is the subset a north service's parent category carries.
type NorthConfig struct {
	Source    string `json:"source"` // "readings" | "statistics" | "audit"
	BlockSize int    `json:"blockSize"`
}

// FilterPipeline is the ordered list of filter category names a
// service's "filter" category carries, per §4.3.
type FilterPipeline struct {
	Filters []string `json:"filter"`
}

// Decode unmarshals a category's JSON blob into dst.
func (c Category) Decode(dst interface{}) error {
	return json.Unmarshal(c.Value, dst)
}
