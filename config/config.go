package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// DefaultLogLevel defines a default log level as INFO.
	DefaultLogLevel = "info"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultForksyncDir = ".forksync"
	defaultConfigDir   = "config"
	defaultDataDir     = "data"

	defaultConfigFileName = "config.toml"
	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a forksync node.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Sync            *SyncConfig            `mapstructure:"sync"`
	PeerSet         *PeerSetConfig         `mapstructure:"peerset"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a forksync node.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Sync:            DefaultSyncConfig(),
		PeerSet:         DefaultPeerSetConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Sync:            TestSyncConfig(),
		PeerSet:         TestPeerSetConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [sync] section: %w", err)
	}
	if err := cfg.PeerSet.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [peerset] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a forksync node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Chain identifier, mixed into the genesis header. Peers reporting
	// another genesis are disconnected.
	ChainID string `mapstructure:"chain_id"`

	// Database backend: goleveldb | cleveldb | boltdb | rocksdb | badgerdb | memdb
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration for a forksync node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   defaultMoniker,
		ChainID:   "forksync",
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a forksync node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.ChainID = "forksync_test"
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log format (must be 'plain' or 'json')")
	}
	if cfg.ChainID == "" {
		return errors.New("chain_id can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the configuration for the block sync engine.
type SyncConfig struct {
	// Maximum number of blocks asked for in one range request.
	MaxBlocksPerRequest int `mapstructure:"max_blocks_per_request"`

	// Ceiling on requests outstanding across all peers.
	MaxInflightRequests int `mapstructure:"max_inflight_requests"`

	// A request not answered within this interval penalizes the peer.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// After this long without a response the same request is also sent to a
	// standby peer sharing the target.
	RedundantRequestGrace time.Duration `mapstructure:"redundant_request_grace"`

	// Scheduling cadence of the sync engine.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Interval of the status broadcast to all peers.
	StatusInterval time.Duration `mapstructure:"status_interval"`

	// Maximum number of blocks buffered for import.
	ImportQueueCapacity int `mapstructure:"import_queue_capacity"`

	// Maximum number of validation hook calls in flight.
	MaxConcurrentValidations int `mapstructure:"max_concurrent_validations"`

	// Deadline of a single validation hook call.
	ValidationTimeout time.Duration `mapstructure:"validation_timeout"`

	// A block rejected by the validation hook is not requested again from
	// the peer that supplied it within this window.
	RejectCooldown time.Duration `mapstructure:"reject_cooldown"`

	// The node is major syncing while a peer's best block is more than this
	// many blocks above the local best.
	MajorSyncThreshold int64 `mapstructure:"major_sync_threshold"`

	// Rate at which block requests from a single peer are served.
	ServedRequestsPerSecond float64 `mapstructure:"served_requests_per_second"`

	// Burst of block requests served from a single peer.
	ServedRequestsBurst int `mapstructure:"served_requests_burst"`
}

// DefaultSyncConfig returns a default configuration for the sync engine.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		MaxBlocksPerRequest:      64,
		MaxInflightRequests:      16,
		RequestTimeout:           10 * time.Second,
		RedundantRequestGrace:    4 * time.Second,
		PollInterval:             100 * time.Millisecond,
		StatusInterval:           10 * time.Second,
		ImportQueueCapacity:      4096,
		MaxConcurrentValidations: 4,
		ValidationTimeout:        30 * time.Second,
		RejectCooldown:           10 * time.Minute,
		MajorSyncThreshold:       5,
		ServedRequestsPerSecond:  20,
		ServedRequestsBurst:      40,
	}
}

// TestSyncConfig returns a configuration for testing the sync engine.
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.MaxBlocksPerRequest = 16
	cfg.RequestTimeout = 2 * time.Second
	cfg.RedundantRequestGrace = 500 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.StatusInterval = time.Second
	cfg.ImportQueueCapacity = 512
	cfg.ValidationTimeout = time.Second
	cfg.RejectCooldown = time.Minute
	cfg.ServedRequestsPerSecond = 1000
	cfg.ServedRequestsBurst = 1000
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *SyncConfig) ValidateBasic() error {
	switch {
	case cfg.MaxBlocksPerRequest <= 0:
		return errors.New("max_blocks_per_request must be positive")
	case cfg.MaxBlocksPerRequest > maxBlocksPerRequest:
		return fmt.Errorf("max_blocks_per_request can't be greater than %d", maxBlocksPerRequest)
	case cfg.MaxInflightRequests <= 0:
		return errors.New("max_inflight_requests must be positive")
	case cfg.RequestTimeout <= 0:
		return errors.New("request_timeout must be positive")
	case cfg.RedundantRequestGrace <= 0:
		return errors.New("redundant_request_grace must be positive")
	case cfg.RedundantRequestGrace >= cfg.RequestTimeout:
		return errors.New("redundant_request_grace must be less than request_timeout")
	case cfg.PollInterval <= 0:
		return errors.New("poll_interval must be positive")
	case cfg.StatusInterval <= 0:
		return errors.New("status_interval must be positive")
	case cfg.ImportQueueCapacity < cfg.MaxBlocksPerRequest:
		return errors.New("import_queue_capacity can't be less than max_blocks_per_request")
	case cfg.MaxConcurrentValidations <= 0:
		return errors.New("max_concurrent_validations must be positive")
	case cfg.ValidationTimeout <= 0:
		return errors.New("validation_timeout must be positive")
	case cfg.RejectCooldown < 0:
		return errors.New("reject_cooldown can't be negative")
	case cfg.MajorSyncThreshold < 0:
		return errors.New("major_sync_threshold can't be negative")
	case cfg.ServedRequestsPerSecond <= 0:
		return errors.New("served_requests_per_second must be positive")
	case cfg.ServedRequestsBurst <= 0:
		return errors.New("served_requests_burst must be positive")
	}
	return nil
}

// mirrors types.MaxBlocksPerResponse; config does not import types.
const maxBlocksPerRequest = 128

//-----------------------------------------------------------------------------
// PeerSetConfig

// PeerSetConfig defines the admission and reputation policy for peers.
type PeerSetConfig struct {
	// Maximum number of inbound peers.
	MaxInbound int `mapstructure:"max_inbound"`

	// Maximum number of outbound peers.
	MaxOutbound int `mapstructure:"max_outbound"`

	// Reputation bounds. Scores are clamped to [min_reputation, max_reputation].
	MinReputation int32 `mapstructure:"min_reputation"`
	MaxReputation int32 `mapstructure:"max_reputation"`

	// A penalty leaving the score below this threshold bans the peer.
	BanThreshold int32 `mapstructure:"ban_threshold"`

	// Length of the first ban. Each repeated ban doubles it, up to
	// max_ban_duration.
	BanDuration    time.Duration `mapstructure:"ban_duration"`
	MaxBanDuration time.Duration `mapstructure:"max_ban_duration"`

	// Every interval reputations are halved toward zero. 0 disables decay.
	ReputationDecayInterval time.Duration `mapstructure:"reputation_decay_interval"`
}

// DefaultPeerSetConfig returns the default peer set configuration.
func DefaultPeerSetConfig() *PeerSetConfig {
	return &PeerSetConfig{
		MaxInbound:              25,
		MaxOutbound:             10,
		MinReputation:           -1000,
		MaxReputation:           1000,
		BanThreshold:            -500,
		BanDuration:             time.Minute,
		MaxBanDuration:          time.Hour,
		ReputationDecayInterval: time.Minute,
	}
}

// TestPeerSetConfig returns a peer set configuration for testing.
func TestPeerSetConfig() *PeerSetConfig {
	cfg := DefaultPeerSetConfig()
	cfg.MaxInbound = 8
	cfg.MaxOutbound = 8
	cfg.BanDuration = 100 * time.Millisecond
	cfg.MaxBanDuration = time.Second
	cfg.ReputationDecayInterval = 0
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *PeerSetConfig) ValidateBasic() error {
	switch {
	case cfg.MaxInbound < 0:
		return errors.New("max_inbound can't be negative")
	case cfg.MaxOutbound < 0:
		return errors.New("max_outbound can't be negative")
	case cfg.MaxInbound+cfg.MaxOutbound == 0:
		return errors.New("at least one inbound or outbound slot is required")
	case cfg.MinReputation >= 0:
		return errors.New("min_reputation must be negative")
	case cfg.MaxReputation <= 0:
		return errors.New("max_reputation must be positive")
	case cfg.BanThreshold <= cfg.MinReputation || cfg.BanThreshold >= 0:
		return errors.New("ban_threshold must be between min_reputation and zero")
	case cfg.BanDuration <= 0:
		return errors.New("ban_duration must be positive")
	case cfg.MaxBanDuration < cfg.BanDuration:
		return errors.New("max_ban_duration can't be less than ban_duration")
	case cfg.ReputationDecayInterval < 0:
		return errors.New("reputation_decay_interval can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "forksync",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr can't be empty when prometheus is enabled")
	}
	if cfg.Namespace == "" {
		return errors.New("namespace can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
