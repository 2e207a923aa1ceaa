// Package config handles configuration loading, validation, and the
// serialized read-mutate-write path for the farmer's admin-mutable
// settings (reward targets, payout instructions, pool URLs).
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/seanb95531/chia-farmer/internal/pospace"
	"github.com/seanb95531/chia-farmer/internal/util"
)

// Config holds the farmer's full configuration.
type Config struct {
	Farmer           FarmerConfig           `mapstructure:"farmer" yaml:"farmer"`
	Pool             PoolSectionConfig      `mapstructure:"pool" yaml:"pool"`
	FullNode         FullNodeConfig         `mapstructure:"full_node" yaml:"full_node"`
	NetworkOverrides NetworkOverridesConfig `mapstructure:"network_overrides" yaml:"network_overrides"`
	Harvester        HarvesterSectionConfig `mapstructure:"harvester" yaml:"harvester"`
	API              APIConfig              `mapstructure:"api" yaml:"api"`
	Log              LogConfig              `mapstructure:"log" yaml:"log"`
	NewRelic         NewRelicConfig         `mapstructure:"newrelic" yaml:"newrelic,omitempty"`
	Profiling        ProfilingConfig        `mapstructure:"profiling" yaml:"profiling,omitempty"`
	Notify           NotifyConfig           `mapstructure:"notify" yaml:"notify,omitempty"`

	path string
	mu   sync.Mutex
}

// FarmerConfig holds the farmer's own reward target and key settings.
type FarmerConfig struct {
	XCHTargetAddress string   `mapstructure:"xch_target_address" yaml:"xch_target_address"`
	PoolPublicKeys   []string `mapstructure:"pool_public_keys" yaml:"pool_public_keys,omitempty"`
	EnableProfiler   bool     `mapstructure:"enable_profiler" yaml:"enable_profiler"`
	KeychainDir      string   `mapstructure:"keychain_dir" yaml:"keychain_dir"`
}

// PoolSectionConfig holds the farmer's default pool reward target and
// the list of p2-singleton pool memberships.
type PoolSectionConfig struct {
	XCHTargetAddress string          `mapstructure:"xch_target_address" yaml:"xch_target_address,omitempty"`
	PoolList         []PoolListEntry `mapstructure:"pool_list" yaml:"pool_list"`
}

// PoolListEntry is one configured p2-singleton/pool membership.
type PoolListEntry struct {
	LauncherID            string `mapstructure:"launcher_id" yaml:"launcher_id"`
	PoolURL               string `mapstructure:"pool_url" yaml:"pool_url"`
	TargetPuzzleHash      string `mapstructure:"target_puzzle_hash" yaml:"target_puzzle_hash,omitempty"`
	PayoutInstructions    string `mapstructure:"payout_instructions" yaml:"payout_instructions,omitempty"`
	OwnerPublicKey        string `mapstructure:"owner_public_key" yaml:"owner_public_key,omitempty"`
	P2SingletonPuzzleHash string `mapstructure:"p2_singleton_puzzle_hash" yaml:"p2_singleton_puzzle_hash,omitempty"`
}

// FullNodeConfig governs which network this farmer tracks; selected
// network decides whether pool URLs must be HTTPS.
type FullNodeConfig struct {
	SelectedNetwork string `mapstructure:"selected_network" yaml:"selected_network"`
}

// NetworkOverridesConfig carries per-network cosmetic settings, namely
// the bech32m address prefix used for logging and address encoding.
type NetworkOverridesConfig struct {
	Config map[string]NetworkConfig `mapstructure:"config" yaml:"config,omitempty"`
}

// NetworkConfig is one named network's overrides.
type NetworkConfig struct {
	AddressPrefix string `mapstructure:"address_prefix" yaml:"address_prefix"`
}

// HarvesterSectionConfig configures the harvester session listener.
type HarvesterSectionConfig struct {
	Bind        string `mapstructure:"bind" yaml:"bind"`
	MaxSessions int    `mapstructure:"max_sessions" yaml:"max_sessions"`
}

// APIConfig defines the admin/public HTTP API server settings.
type APIConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled"`
	Bind        string   `mapstructure:"bind" yaml:"bind"`
	AdminSecret string   `mapstructure:"admin_secret" yaml:"admin_secret,omitempty"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins,omitempty"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// NewRelicConfig configures optional New Relic APM instrumentation
// around the signage-point dispatch pipeline and pool HTTP calls.
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	AppName    string `mapstructure:"app_name" yaml:"app_name,omitempty"`
	LicenseKey string `mapstructure:"license_key" yaml:"license_key,omitempty"`
}

// ProfilingConfig configures the optional pprof debugging server.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Bind    string `mapstructure:"bind" yaml:"bind,omitempty"`
}

// NotifyConfig configures Discord/Telegram webhook notifications for
// pool errors and harvester connect/disconnect events.
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	DiscordURL   string `mapstructure:"discord_url" yaml:"discord_url,omitempty"`
	TelegramBot  string `mapstructure:"telegram_bot" yaml:"telegram_bot,omitempty"`
	TelegramChat string `mapstructure:"telegram_chat" yaml:"telegram_chat,omitempty"`
	FarmerName   string `mapstructure:"farmer_name" yaml:"farmer_name,omitempty"`
}

// Load reads configuration from file and environment. The returned
// Config remembers its source path so Save can later serialize writes
// back to the same file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/chiafarmer")
	}

	v.SetEnvPrefix("CHIA_FARMER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("farmer.enable_profiler", false)
	v.SetDefault("farmer.keychain_dir", "./keys")

	v.SetDefault("full_node.selected_network", "mainnet")

	v.SetDefault("harvester.bind", "0.0.0.0:8448")
	v.SetDefault("harvester.max_sessions", 256)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "127.0.0.1:8559")
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "chia-farmer")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.farmer_name", "chia-farmer")
}

// addressPrefixFor returns the expected bech32m human-readable prefix
// for the configured network, defaulting to "xch"/"txch" the way the
// reference implementation's DEFAULT_CONSTANTS does when no override
// is present.
func (c *Config) addressPrefixFor(network string) string {
	if override, ok := c.NetworkOverrides.Config[network]; ok && override.AddressPrefix != "" {
		return override.AddressPrefix
	}
	if network == "mainnet" {
		return "xch"
	}
	return "txch"
}

// Validate checks configuration for errors, including that every
// bech32m address decodes against the selected network's prefix.
func (c *Config) Validate() error {
	if c.Farmer.XCHTargetAddress == "" {
		return fmt.Errorf("farmer.xch_target_address is required")
	}
	prefix := c.addressPrefixFor(c.FullNode.SelectedNetwork)
	if !util.ValidateAddress(c.Farmer.XCHTargetAddress, prefix) {
		return fmt.Errorf("farmer.xch_target_address is not a valid %s bech32m address", prefix)
	}
	if c.Pool.XCHTargetAddress != "" && !util.ValidateAddress(c.Pool.XCHTargetAddress, prefix) {
		return fmt.Errorf("pool.xch_target_address is not a valid %s bech32m address", prefix)
	}

	mainnet := c.IsMainnet()
	for i, entry := range c.Pool.PoolList {
		if entry.LauncherID == "" {
			return fmt.Errorf("pool.pool_list[%d].launcher_id is required", i)
		}
		if mainnet && entry.PoolURL != "" && !httpsURL(entry.PoolURL) {
			return fmt.Errorf("pool.pool_list[%d].pool_url must be https on mainnet", i)
		}
	}

	if c.Harvester.MaxSessions <= 0 {
		return fmt.Errorf("harvester.max_sessions must be > 0")
	}

	return nil
}

func httpsURL(url string) bool {
	return len(url) >= 8 && url[:8] == "https://"
}

// IsMainnet reports whether the selected network is the production
// mainnet, gating pool-URL HTTPS enforcement per spec.
func (c *Config) IsMainnet() bool {
	return c.FullNode.SelectedNetwork == "mainnet"
}

// Save serializes the in-memory Config back to its source file under
// an advisory flock, implementing the lock-and-load pattern: writer
// tasks (set_reward_targets, set_payout_instructions, update_pool_url)
// call this after mutating fields, so concurrent writers never
// interleave a read-modify-write cycle.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		return fmt.Errorf("config: no source file to save to")
	}

	f, err := os.OpenFile(c.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("config: open for save: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("config: lock: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if _, err := f.WriteAt(out, 0); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	if err := f.Truncate(int64(len(out))); err != nil {
		return fmt.Errorf("config: truncate: %w", err)
	}
	return nil
}

// SetRewardTargets implements the admin surface's set_reward_targets:
// replaces the farmer default reward address and, when poolAddress is
// non-empty, the pool default reward address, then persists. An empty
// poolAddress leaves the pool reward address unchanged.
func (c *Config) SetRewardTargets(farmerAddress, poolAddress string) error {
	prefix := c.addressPrefixFor(c.FullNode.SelectedNetwork)
	if !util.ValidateAddress(farmerAddress, prefix) {
		return fmt.Errorf("invalid farmer reward address")
	}
	if poolAddress != "" && !util.ValidateAddress(poolAddress, prefix) {
		return fmt.Errorf("invalid pool reward address")
	}

	c.mu.Lock()
	c.Farmer.XCHTargetAddress = farmerAddress
	if poolAddress != "" {
		c.Pool.XCHTargetAddress = poolAddress
	}
	c.mu.Unlock()

	return c.Save()
}

// SetPayoutInstructions implements the admin surface's
// set_payout_instructions for one configured pool membership,
// identified by launcher id.
func (c *Config) SetPayoutInstructions(launcherID, instructions string) error {
	c.mu.Lock()
	found := false
	for i := range c.Pool.PoolList {
		if c.Pool.PoolList[i].LauncherID == launcherID {
			c.Pool.PoolList[i].PayoutInstructions = instructions
			found = true
			break
		}
	}
	c.mu.Unlock()

	if !found {
		return fmt.Errorf("no pool_list entry for launcher_id %q", launcherID)
	}
	return c.Save()
}

// UpdatePoolURL implements pool.URLPersister: rewrites the configured
// pool_url for the pool_list entry matching launcherID and persists it,
// the write side of the redirect-driven URL migration in internal/pool.
func (c *Config) UpdatePoolURL(launcherID pospace.Hash32, newURL string) error {
	launcherIDHex := hex.EncodeToString(launcherID[:])

	c.mu.Lock()
	found := false
	for i := range c.Pool.PoolList {
		if c.Pool.PoolList[i].LauncherID == launcherIDHex {
			c.Pool.PoolList[i].PoolURL = newURL
			found = true
			break
		}
	}
	c.mu.Unlock()

	if !found {
		return fmt.Errorf("no pool_list entry for launcher_id %q", launcherIDHex)
	}
	return c.Save()
}
