package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/onexay/revcache/internal/storage"
)

// StorageBackend enumerates supported cache stores.
type StorageBackend string

const (
	// StorageBackendMemory keeps revisions in-process.
	StorageBackendMemory StorageBackend = "memory"
	// StorageBackendKeyDB persists revisions to KeyDB/Redis.
	StorageBackendKeyDB StorageBackend = "keydb"
	// StorageBackendBolt persists revisions to a local bbolt file.
	StorageBackendBolt StorageBackend = "bolt"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "REVCACHE"

// Config aggregates runtime configuration.
type Config struct {
	APIAddr  string         `mapstructure:"api_addr"`
	LogLevel string         `mapstructure:"log_level"`
	Storage  StorageConfig  `mapstructure:"storage"`
	HG       HGConfig       `mapstructure:"hg"`
	Branches BranchesConfig `mapstructure:"branches"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Resolver ResolverConfig `mapstructure:"resolver"`
}

// StorageConfig contains backend selection and nested settings.
type StorageConfig struct {
	Backend  StorageBackend `mapstructure:"backend"`
	KeyDB    storage.Config `mapstructure:"keydb"`
	BoltPath string         `mapstructure:"bolt_path"`
	TTL      time.Duration  `mapstructure:"ttl"`
}

// HGConfig tunes the repository client.
type HGConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// BranchesConfig locates the branch list.
type BranchesConfig struct {
	File   string        `mapstructure:"file"`
	OldAge time.Duration `mapstructure:"old_age"`
	Watch  bool          `mapstructure:"watch"`
}

// CacheConfig tunes memoization and cache-store retries.
type CacheConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Attempts int           `mapstructure:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff"`
}

// ScannerConfig sizes the branch scanner.
type ScannerConfig struct {
	Workers int `mapstructure:"workers"`
}

// ResolverConfig holds resolution defaults.
type ResolverConfig struct {
	DefaultLocale string        `mapstructure:"default_locale"`
	Machine       string        `mapstructure:"machine"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("storage.backend", string(StorageBackendMemory))
	v.SetDefault("storage.keydb.addr", "")
	v.SetDefault("storage.keydb.username", "")
	v.SetDefault("storage.keydb.password", "")
	v.SetDefault("storage.keydb.database", 0)
	v.SetDefault("storage.bolt_path", "data/revisions.db")
	v.SetDefault("storage.ttl", time.Duration(0))
	v.SetDefault("hg.timeout", 30*time.Second)
	v.SetDefault("hg.retry_delay", 5*time.Second)
	v.SetDefault("branches.file", "branches.yaml")
	v.SetDefault("branches.old_age", 24*time.Hour)
	v.SetDefault("branches.watch", false)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.attempts", 3)
	v.SetDefault("cache.backoff", 30*time.Second)
	v.SetDefault("scanner.workers", 20)
	v.SetDefault("resolver.default_locale", "en-US")
	v.SetDefault("resolver.machine", "")
	v.SetDefault("resolver.timeout", 2*time.Minute)
}

// Load reads configuration from defaults, an optional file named by
// REVCACHE_CONFIG, and REVCACHE_* environment variables, in increasing
// precedence. Nested keys map to env vars with "_", e.g. REVCACHE_HG_TIMEOUT.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Storage.Backend = StorageBackend(strings.ToLower(string(cfg.Storage.Backend)))

	switch cfg.Storage.Backend {
	case StorageBackendMemory, StorageBackendKeyDB, StorageBackendBolt:
	default:
		return Config{}, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == StorageBackendKeyDB && cfg.Storage.KeyDB.Addr == "" {
		return Config{}, fmt.Errorf("storage.keydb.addr is required for the keydb backend")
	}
	return cfg, nil
}
