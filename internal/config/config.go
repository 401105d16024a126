package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"internline/internal/codec"
	"internline/internal/domain"
	"internline/internal/events"
)

const (
	FileName  = "internline.yml"
	EnvPrefix = "INTERNLINE"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"
	BackendDynamoDB = "dynamodb"
)

// Sequence sources.
const (
	SequenceMemory  = "memory"
	SequenceBackend = "backend"
	SequenceRedis   = "redis"
)

// Cache kinds.
const (
	CacheNone  = "none"
	CacheLRU   = "lru"
	CacheRedis = "redis"
)

// Config models internline.yml.
type Config struct {
	Storage  StorageConfig   `yaml:"storage" mapstructure:"storage"`
	IDs      IDsConfig       `yaml:"ids" mapstructure:"ids"`
	Policy   PolicyConfig    `yaml:"policy" mapstructure:"policy"`
	Redis    RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Cache    CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Quota    QuotaConfig     `yaml:"quota" mapstructure:"quota"`
	Server   ServerConfig    `yaml:"server" mapstructure:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks" mapstructure:"webhooks"`
	Logging  LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
	// Path is the database file for sqlite or the directory for pebble.
	Path     string `yaml:"path" mapstructure:"path"`
	DSN      string `yaml:"dsn" mapstructure:"dsn"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	Table    string `yaml:"table" mapstructure:"table"`
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

type IDsConfig struct {
	Version   int    `yaml:"version" mapstructure:"version"`
	Sequence  string `yaml:"sequence" mapstructure:"sequence"`
	BlockSize uint64 `yaml:"block_size" mapstructure:"block_size"`
	// Codec overrides the backend's default key codec.
	Codec string `yaml:"codec" mapstructure:"codec"`
}

type PolicyConfig struct {
	MaxStringLength int      `yaml:"max_string_length" mapstructure:"max_string_length"`
	UseCases        []string `yaml:"use_cases" mapstructure:"use_cases"`
	Workers         int      `yaml:"workers" mapstructure:"workers"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

type CacheConfig struct {
	Kind string        `yaml:"kind" mapstructure:"kind"`
	Size int           `yaml:"size" mapstructure:"size"`
	TTL  time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

type QuotaConfig struct {
	Enabled            bool          `yaml:"enabled" mapstructure:"enabled"`
	PerStringAllowance int64         `yaml:"per_string_allowance" mapstructure:"per_string_allowance"`
	Minimum            int64         `yaml:"minimum" mapstructure:"minimum"`
	TTL                time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Window             time.Duration `yaml:"window" mapstructure:"window"`
}

type ServerConfig struct {
	Addr      string         `yaml:"addr" mapstructure:"addr"`
	BasePath  string         `yaml:"base_path" mapstructure:"base_path"`
	JWTSecret string         `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	APIKeys   []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys"`
}

// APIKeyConfig stores the sha256 hex digest of a key, never the key itself.
type APIKeyConfig struct {
	Name        string   `yaml:"name" mapstructure:"name"`
	KeyHash     string   `yaml:"key_hash" mapstructure:"key_hash"`
	Permissions []string `yaml:"permissions" mapstructure:"permissions"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url" mapstructure:"url"`
	Secret  string        `yaml:"secret" mapstructure:"secret"`
	Events  []string      `yaml:"events" mapstructure:"events"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Permissions understood by the HTTP API.
const (
	PermRead  = "strings.read"
	PermWrite = "strings.write"
	PermQuota = "quota.read"
)

var knownPermissions = map[string]bool{PermRead: true, PermWrite: true, PermQuota: true}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !oneOf(c.Storage.Backend, BackendMemory, BackendSQLite, BackendPostgres, BackendPebble, BackendDynamoDB) {
		add("config.storage.backend must be one of memory, sqlite, postgres, pebble, dynamodb (got %q)", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendPostgres && c.Storage.DSN == "" {
		add("config.storage.dsn is required for postgres")
	}
	if c.Storage.Backend == BackendDynamoDB && c.Storage.Table == "" {
		add("config.storage.table is required for dynamodb")
	}

	if c.IDs.Version < 1 || c.IDs.Version > 15 {
		add("config.ids.version must be between 1 and 15")
	}
	if !oneOf(c.IDs.Sequence, SequenceMemory, SequenceBackend, SequenceRedis) {
		add("config.ids.sequence must be one of memory, backend, redis (got %q)", c.IDs.Sequence)
	}
	if c.IDs.Sequence == SequenceMemory && c.Storage.Backend != BackendMemory {
		add("config.ids.sequence memory restarts from zero and needs the memory backend")
	}
	if c.IDs.Sequence != SequenceMemory && c.IDs.BlockSize == 0 {
		add("config.ids.block_size must be positive")
	}
	if c.IDs.Codec != "" {
		if _, err := codec.ByName(c.IDs.Codec); err != nil {
			add("config.ids.codec: %v", err)
		}
	}

	if c.Policy.MaxStringLength <= 0 {
		add("config.policy.max_string_length must be positive")
	}
	if len(c.Policy.UseCases) == 0 {
		add("config.policy.use_cases must not be empty")
	}
	seen := map[string]bool{}
	for _, uc := range c.Policy.UseCases {
		switch {
		case uc == "":
			add("config.policy.use_cases contains an empty use case")
		case seen[uc]:
			add("config.policy.use_cases lists %s twice", uc)
		case strings.ContainsAny(uc, ":#\x00"):
			add("use case %s contains a reserved character", uc)
		}
		seen[uc] = true
	}
	if c.Policy.Workers < 0 {
		add("config.policy.workers must not be negative")
	}

	if !oneOf(c.Cache.Kind, CacheNone, CacheLRU, CacheRedis) {
		add("config.cache.kind must be one of none, lru, redis (got %q)", c.Cache.Kind)
	}
	if (c.Cache.Kind == CacheRedis || c.IDs.Sequence == SequenceRedis) && c.Redis.Addr == "" {
		add("config.redis.addr is required when redis is used")
	}

	if c.Quota.PerStringAllowance < 0 || c.Quota.Minimum < 0 {
		add("config.quota values must not be negative")
	}
	if c.Quota.Enabled && c.Quota.Window <= 0 {
		add("config.quota.window must be positive")
	}

	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		add("config.server.base_path must start with /")
	}
	for i, k := range c.Server.APIKeys {
		if k.Name == "" {
			add("config.server.api_keys[%d].name is required", i)
		}
		if len(k.KeyHash) != 64 {
			add("api key %s: key_hash must be a sha256 hex digest", k.Name)
		}
		for _, p := range k.Permissions {
			if !knownPermissions[p] && p != "*" {
				add("api key %s has unknown permission %s", k.Name, p)
			}
		}
	}

	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			add("config.webhooks[%d].url is required", i)
		}
		for _, evt := range wh.Events {
			if evt != events.TypeStringInterned && evt != "*" {
				add("config.webhooks[%d] has unknown event %s", i, evt)
			}
		}
	}

	if c.Logging.Level != "" && !oneOf(strings.ToLower(c.Logging.Level), "debug", "info", "warn", "warning", "error") {
		add("config.logging.level must be one of debug, info, warn, error")
	}
	if c.Logging.Format != "" && !oneOf(c.Logging.Format, "text", "json") {
		add("config.logging.format must be text or json")
	}
	return errors.Join(errs...)
}

// UseCases returns the configured use cases as domain keys.
func (c *Config) UseCases() []domain.UseCaseKey {
	out := make([]domain.UseCaseKey, 0, len(c.Policy.UseCases))
	for _, uc := range c.Policy.UseCases {
		out = append(out, domain.UseCaseKey(uc))
	}
	return out
}

// CodecName returns the key codec for the storage backend. Backends that
// partition or range-split on the key scatter sequential ids; embedded
// stores keep them ordered.
func (c *Config) CodecName() string {
	if c.IDs.Codec != "" {
		return c.IDs.Codec
	}
	switch c.Storage.Backend {
	case BackendPostgres, BackendDynamoDB:
		return codec.NameReversed
	}
	return codec.NameIdentity
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads the file at path over the defaults and applies INTERNLINE_*
// environment overrides (INTERNLINE_STORAGE_DSN for storage.dsn). A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBufferString(defaultTemplate)); err != nil {
		return nil, fmt.Errorf("read default config: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("invalid config yaml %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders cfg.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

const defaultTemplate = `storage:
  backend: sqlite
  path: .internline/internline.db
  dsn: ""
  max_conns: 10
  table: internline
  region: ""
  endpoint: ""

ids:
  version: 2
  sequence: backend
  block_size: 1000
  codec: ""

policy:
  max_string_length: 200
  use_cases: [release-health, performance]
  workers: 8

redis:
  addr: ""
  password: ""
  db: 0

cache:
  kind: lru
  size: 100000
  ttl: 10m

quota:
  enabled: false
  per_string_allowance: 5
  minimum: 50
  ttl: 10m
  window: 10m

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
  api_keys: []

webhooks: []

logging:
  level: info
  format: text
`
