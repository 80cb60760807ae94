// Package config handles configuration loading and validation for evidencelog.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evidencelog/evidencelog/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StoragePinata = "pinata"
	StorageLocal  = "local"
)

// Ledger backends.
const (
	LedgerBolt       = "bolt"
	LedgerTendermint = "tendermint"
)

// Validator policies.
const (
	PolicyCIDv0  = "cidv0"
	PolicyLength = "length"
	PolicyPrefix = "prefix"
	PolicyCID    = "cid"
)

// PinataConfig holds credentials and options for the Pinata pinning API.
type PinataConfig struct {
	APIURL     string `yaml:"api_url"`
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`
	JWT        string `yaml:"jwt"`         // Bearer token, used instead of the key pair when set
	CIDVersion int    `yaml:"cid_version"` // 0 or 1
}

// LocalStorageConfig configures the on-disk content store.
type LocalStorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// StorageConfig configures the content-addressed storage network.
type StorageConfig struct {
	Backend       string             `yaml:"backend"`
	Pinata        PinataConfig       `yaml:"pinata"`
	Local         LocalStorageConfig `yaml:"local"`
	GatewayURL    string             `yaml:"gateway_url"`   // e.g. https://gateway.pinata.cloud/ipfs
	GatewayToken  string             `yaml:"gateway_token"` // Optional access token appended to content URLs
	MaxUploadSize bytesize.Size      `yaml:"max_upload_size"`
	Timeout       string             `yaml:"timeout"` // Duration string, e.g. "60s"
}

// BoltLedgerConfig configures the embedded ledger.
type BoltLedgerConfig struct {
	Path string `yaml:"path"`
}

// TendermintLedgerConfig configures the RPC ledger backend.
type TendermintLedgerConfig struct {
	RPCURL       string `yaml:"rpc_url"`
	CountPath    string `yaml:"count_path"`
	RecordPath   string `yaml:"record_path"`
	PollInterval string `yaml:"poll_interval"` // How often to look for the committed tx
}

// LedgerConfig configures the ledger gateway and its backend.
type LedgerConfig struct {
	Backend          string                 `yaml:"backend"`
	IndexBase        uint64                 `yaml:"index_base"` // 0 or 1
	ConfirmTimeout   string                 `yaml:"confirm_timeout"`
	ReadConcurrency  int                    `yaml:"read_concurrency"`
	MaxRecords       uint64                 `yaml:"max_records"` // Upper bound on a full list read
	RejectDuplicates bool                   `yaml:"reject_duplicates"`
	Submitter        string                 `yaml:"submitter"`
	Bolt             BoltLedgerConfig       `yaml:"bolt"`
	Tendermint       TendermintLedgerConfig `yaml:"tendermint"`
}

// ValidatorConfig selects the content identifier policy.
type ValidatorConfig struct {
	Policy    string `yaml:"policy"`
	MinLength int    `yaml:"min_length"`
	Prefix    string `yaml:"prefix"`
}

// ClientConfig configures CLI commands that talk to a running server.
type ClientConfig struct {
	Server       string `yaml:"server"`
	PollInterval string `yaml:"poll_interval"`
	CacheDir     string `yaml:"cache_dir"` // Empty means a per-session temp dir
	Push         bool   `yaml:"push"`      // Refresh on server change feed instead of polling
	Timeout      string `yaml:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether metrics are enabled (default true).
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Config is the top-level evidencelog configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	LogLevel  string          `yaml:"log_level"`
	Storage   StorageConfig   `yaml:"storage"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Validator ValidatorConfig `yaml:"validator"`
	Client    ClientConfig    `yaml:"client"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Load reads configuration from a YAML file. ${VAR} references are expanded
// from the environment before parsing so secrets can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration for a fully local deployment.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":5000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// Storage
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageLocal
	}
	if c.Storage.Pinata.APIURL == "" {
		c.Storage.Pinata.APIURL = "https://api.pinata.cloud"
	}
	if c.Storage.Local.DataDir == "" {
		c.Storage.Local.DataDir = "~/.evidencelog/content"
	}
	c.Storage.Local.DataDir = expandHome(c.Storage.Local.DataDir)
	if c.Storage.GatewayURL == "" {
		if c.Storage.Backend == StorageLocal {
			c.Storage.GatewayURL = localURL(c.Listen) + "/ipfs"
		} else {
			c.Storage.GatewayURL = "https://gateway.pinata.cloud/ipfs"
		}
	}
	c.Storage.GatewayURL = strings.TrimRight(c.Storage.GatewayURL, "/")
	if c.Storage.MaxUploadSize == 0 {
		c.Storage.MaxUploadSize = bytesize.Size(100 * bytesize.MB)
	}
	if c.Storage.Timeout == "" {
		c.Storage.Timeout = "120s"
	}

	// Ledger
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = LedgerBolt
	}
	if c.Ledger.ConfirmTimeout == "" {
		c.Ledger.ConfirmTimeout = "60s"
	}
	if c.Ledger.ReadConcurrency == 0 {
		c.Ledger.ReadConcurrency = 16
	}
	if c.Ledger.MaxRecords == 0 {
		c.Ledger.MaxRecords = 1 << 20
	}
	if c.Ledger.Bolt.Path == "" {
		c.Ledger.Bolt.Path = "~/.evidencelog/ledger.db"
	}
	c.Ledger.Bolt.Path = expandHome(c.Ledger.Bolt.Path)
	if c.Ledger.Tendermint.RPCURL == "" {
		c.Ledger.Tendermint.RPCURL = "http://127.0.0.1:26657"
	}
	if c.Ledger.Tendermint.CountPath == "" {
		c.Ledger.Tendermint.CountPath = "/evidence/count"
	}
	if c.Ledger.Tendermint.RecordPath == "" {
		c.Ledger.Tendermint.RecordPath = "/evidence/record"
	}
	if c.Ledger.Tendermint.PollInterval == "" {
		c.Ledger.Tendermint.PollInterval = "500ms"
	}

	// Validator
	if c.Validator.Policy == "" {
		c.Validator.Policy = PolicyCIDv0
	}
	if c.Validator.MinLength == 0 {
		c.Validator.MinLength = 5
	}

	// Client
	if c.Client.Server == "" {
		c.Client.Server = localURL(c.Listen)
	}
	if c.Client.PollInterval == "" {
		c.Client.PollInterval = "20s"
	}
	if c.Client.Timeout == "" {
		c.Client.Timeout = "30s"
	}
	if c.Client.CacheDir != "" {
		c.Client.CacheDir = expandHome(c.Client.CacheDir)
	}
}

// localURL returns the loopback URL of a server listening on listen. Only the
// port is kept, so wildcard and explicit hosts both resolve locally.
func localURL(listen string) string {
	port := strings.TrimPrefix(listen, ":")
	if _, p, err := net.SplitHostPort(listen); err == nil {
		port = p
	}
	return "http://" + net.JoinHostPort("localhost", port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}

	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.Local.DataDir == "" {
			return fmt.Errorf("storage.local.data_dir is required")
		}
	case StoragePinata:
		p := c.Storage.Pinata
		if p.JWT == "" && (p.APIKey == "" || p.SecretKey == "") {
			return fmt.Errorf("storage.pinata requires jwt or api_key and secret_key")
		}
		if p.CIDVersion != 0 && p.CIDVersion != 1 {
			return fmt.Errorf("storage.pinata.cid_version must be 0 or 1")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.MaxUploadSize < 0 {
		return fmt.Errorf("storage.max_upload_size must not be negative")
	}
	if err := validDuration("storage.timeout", c.Storage.Timeout); err != nil {
		return err
	}

	switch c.Ledger.Backend {
	case LedgerBolt:
		if c.Ledger.MaxRecords == 0 {
		c.Ledger.MaxRecords = 1 << 20
	}
	if c.Ledger.Bolt.Path == "" {
			return fmt.Errorf("ledger.bolt.path is required")
		}
	case LedgerTendermint:
		if c.Ledger.Tendermint.RPCURL == "" {
			return fmt.Errorf("ledger.tendermint.rpc_url is required")
		}
		if err := validDuration("ledger.tendermint.poll_interval", c.Ledger.Tendermint.PollInterval); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}
	if c.Ledger.IndexBase > 1 {
		return fmt.Errorf("ledger.index_base must be 0 or 1")
	}
	if c.Ledger.ReadConcurrency < 1 {
		return fmt.Errorf("ledger.read_concurrency must be at least 1")
	}
	if err := validDuration("ledger.confirm_timeout", c.Ledger.ConfirmTimeout); err != nil {
		return err
	}

	switch c.Validator.Policy {
	case PolicyCIDv0, PolicyCID:
	case PolicyLength:
		if c.Validator.MinLength < 1 {
			return fmt.Errorf("validator.min_length must be at least 1")
		}
	case PolicyPrefix:
		if c.Validator.Prefix == "" {
			return fmt.Errorf("validator.prefix is required for the prefix policy")
		}
	default:
		return fmt.Errorf("unknown validator.policy %q", c.Validator.Policy)
	}

	if err := validDuration("client.poll_interval", c.Client.PollInterval); err != nil {
		return err
	}
	return validDuration("client.timeout", c.Client.Timeout)
}

// StorageTimeout returns the storage request timeout.
func (c *Config) StorageTimeout() time.Duration {
	return mustDuration(c.Storage.Timeout, 120*time.Second)
}

// ConfirmTimeout returns how long a commit waits for ledger confirmation.
func (c *Config) ConfirmTimeout() time.Duration {
	return mustDuration(c.Ledger.ConfirmTimeout, 60*time.Second)
}

// TendermintPollInterval returns the tx lookup interval for the RPC backend.
func (c *Config) TendermintPollInterval() time.Duration {
	return mustDuration(c.Ledger.Tendermint.PollInterval, 500*time.Millisecond)
}

// PollInterval returns the client refresh interval.
func (c *Config) PollInterval() time.Duration {
	return mustDuration(c.Client.PollInterval, 20*time.Second)
}

// ClientTimeout returns the HTTP client timeout.
func (c *Config) ClientTimeout() time.Duration {
	return mustDuration(c.Client.Timeout, 30*time.Second)
}

func validDuration(field, s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}

// mustDuration parses s, falling back to def when s is invalid. Validate
// reports invalid values; callers that skip it get the default.
func mustDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
