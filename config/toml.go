package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/creachadair/atomicfile"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't
// exist, and writes a default config file if there is none.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return fmt.Errorf("could not create directory %q: %w", dir, err)
		}
	}
	return writeDefaultConfigFileIfNone(rootDir)
}

// ConfigFile returns the path of the config file below rootDir.
func ConfigFile(rootDir string) string {
	return filepath.Join(rootDir, defaultConfigFilePath)
}

// WriteConfigFile renders config using the template and writes it to
// the config file below rootDir.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(ConfigFile(rootDir))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	if _, err := atomicfile.WriteAll(path, &buffer, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func writeDefaultConfigFileIfNone(rootDir string) error {
	if _, err := os.Stat(ConfigFile(rootDir)); os.IsNotExist(err) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/forksync/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.forksync" by default, but could be changed via $FSHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Chain identifier. Peers on a different genesis are disconnected.
chain_id = "{{ .BaseConfig.ChainID }}"

# Database backend: goleveldb | cleveldb | boltdb | rocksdb | badgerdb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging: debug | info | warn | error
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###          Block Sync Configuration Options       ###
#######################################################
[sync]

# Maximum number of blocks asked for in one range request (at most 128)
max_blocks_per_request = {{ .Sync.MaxBlocksPerRequest }}

# Ceiling on requests outstanding across all peers
max_inflight_requests = {{ .Sync.MaxInflightRequests }}

# A request not answered within this interval penalizes the peer
request_timeout = "{{ .Sync.RequestTimeout }}"

# After this long without a response the same request is also sent to a
# standby peer following the same chain
redundant_request_grace = "{{ .Sync.RedundantRequestGrace }}"

# Scheduling cadence of the sync engine
poll_interval = "{{ .Sync.PollInterval }}"

# Interval of the status broadcast to all peers
status_interval = "{{ .Sync.StatusInterval }}"

# Maximum number of blocks buffered for import
import_queue_capacity = {{ .Sync.ImportQueueCapacity }}

# Maximum number of validation calls in flight, and the deadline of each
max_concurrent_validations = {{ .Sync.MaxConcurrentValidations }}
validation_timeout = "{{ .Sync.ValidationTimeout }}"

# A rejected block is not requested again from its supplier within this window
reject_cooldown = "{{ .Sync.RejectCooldown }}"

# The node reports major syncing while a peer is this many blocks ahead
major_sync_threshold = {{ .Sync.MajorSyncThreshold }}

# Rate and burst of block requests served to a single peer
served_requests_per_second = {{ .Sync.ServedRequestsPerSecond }}
served_requests_burst = {{ .Sync.ServedRequestsBurst }}

#######################################################
###            Peer Set Configuration Options       ###
#######################################################
[peerset]

# Maximum number of inbound and outbound peers
max_inbound = {{ .PeerSet.MaxInbound }}
max_outbound = {{ .PeerSet.MaxOutbound }}

# Reputation bounds
min_reputation = {{ .PeerSet.MinReputation }}
max_reputation = {{ .PeerSet.MaxReputation }}

# A penalty leaving a peer's reputation below this threshold bans it
ban_threshold = {{ .PeerSet.BanThreshold }}

# Length of the first ban; repeated bans double it up to max_ban_duration
ban_duration = "{{ .PeerSet.BanDuration }}"
max_ban_duration = "{{ .PeerSet.MaxBanDuration }}"

# Every interval reputations are halved toward zero ("0s" disables)
reputation_decay_interval = "{{ .PeerSet.ReputationDecayInterval }}"

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh root directory below dir holding the test
// configuration.
func ResetTestRoot(dir, testName string) (*Config, error) {
	// create a unique, concurrency-safe test directory under dir
	rootDir, err := os.MkdirTemp(dir, fmt.Sprintf("%s_", testName))
	if err != nil {
		return nil, err
	}

	cfg := TestConfig().SetRoot(rootDir)
	if err := os.MkdirAll(filepath.Join(rootDir, defaultConfigDir), defaultDirPerm); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(rootDir, defaultDataDir), defaultDirPerm); err != nil {
		return nil, err
	}
	if err := WriteConfigFile(rootDir, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
