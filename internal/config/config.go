// Package config loads conductor settings.
// Priority: env vars > settings file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONDUCTOR_"

// Config holds all conductor configuration.
type Config struct {
	Engine  EngineConfig   `koanf:"engine"`
	Store   StoreConfig    `koanf:"store"`
	Redis   RedisConfig    `koanf:"redis"`
	LLM     LLMConfig      `koanf:"llm"`
	Prompts PromptsConfig  `koanf:"prompts"`
	Policy  PolicyConfig   `koanf:"policy"`
	Plugins []PluginConfig `koanf:"plugins" validate:"dive"`
	Events  EventsConfig   `koanf:"events"`
	Log     LogConfig      `koanf:"log"`
}

type EngineConfig struct {
	MaxActionsPerPlan  int                  `koanf:"max_actions_per_plan" validate:"min=1"`
	ActionTimeout      time.Duration        `koanf:"action_timeout" validate:"gt=0"`
	SubstitutionPasses int                  `koanf:"substitution_passes" validate:"min=1,max=20"`
	PoolSize           int                  `koanf:"pool_size" validate:"min=1"`
	HistoryLimit       int                  `koanf:"history_limit" validate:"min=100"`
	CircuitBreaker     CircuitBreakerConfig `koanf:"circuit_breaker"`
}

// CircuitBreakerConfig configures per-action breakers. A zero threshold
// disables them.
type CircuitBreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"min=0"`
	Cooldown         time.Duration `koanf:"cooldown" validate:"min=0"`
}

type StoreConfig struct {
	Driver      string        `koanf:"driver" validate:"oneof=memory redis libsql"`
	TTL         time.Duration `koanf:"ttl" validate:"min=0"`
	MaxSessions int           `koanf:"max_sessions" validate:"min=0"`
	Prefix      string        `koanf:"prefix"`
	LibSQLPath  string        `koanf:"libsql_path"`
	JanitorSpec string        `koanf:"janitor_spec"`
}

// RedisConfig is shared by the redis store and the redis event hub.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"min=0"`
}

type LLMConfig struct {
	Provider    string  `koanf:"provider" validate:"oneof=openai"`
	Model       string  `koanf:"model" validate:"required"`
	APIKey      string  `koanf:"api_key"`
	BaseURL     string  `koanf:"base_url" validate:"omitempty,url"`
	Temperature float64 `koanf:"temperature" validate:"min=0,max=2"`
}

type PromptsConfig struct {
	Path string `koanf:"path"`
}

type PolicyConfig struct {
	Rules []RuleConfig `koanf:"rules" validate:"dive"`
}

type RuleConfig struct {
	Name string `koanf:"name" validate:"required"`
	Expr string `koanf:"expr" validate:"required"`
}

// PluginConfig describes an MCP server started over stdio.
type PluginConfig struct {
	Name    string   `koanf:"name" validate:"required"`
	Command string   `koanf:"command" validate:"required"`
	Args    []string `koanf:"args"`
	Env     []string `koanf:"env"`
}

type EventsConfig struct {
	Driver string `koanf:"driver" validate:"oneof=memory redis none"`
	Prefix string `koanf:"prefix"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxActionsPerPlan:  3,
			ActionTimeout:      30 * time.Second,
			SubstitutionPasses: 5,
			PoolSize:           10,
			HistoryLimit:       2000,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
		},
		Store: StoreConfig{
			Driver:      "memory",
			TTL:         24 * time.Hour,
			MaxSessions: 10000,
			LibSQLPath:  filepath.Join(Dir(), "conductor.db"),
			JanitorSpec: "@every 10m",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Events: EventsConfig{Driver: "memory"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Dir is the per-user conductor directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// DefaultPath is the settings file read when no path is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "settings.yaml")
}

// Load builds the configuration from defaults, the YAML settings file at
// path and CONDUCTOR_ environment variables. An empty path reads
// DefaultPath when it exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := loadFile(k, path); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: transformEnvKey,
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read settings %s: %w", path, err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}
	if len(m) == 0 {
		return nil
	}
	if err := k.Load(rawMap(m), nil); err != nil {
		return fmt.Errorf("apply settings %s: %w", path, err)
	}
	return nil
}

// transformEnvKey maps CONDUCTOR_ENGINE_ACTION_TIMEOUT to
// engine.action_timeout: the first segment names the section.
func transformEnvKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return key, value
	}
	return section + "." + field, value
}

var validate = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if (cfg.Store.Driver == "redis" || cfg.Events.Driver == "redis") && cfg.Redis.Addr == "" {
		return errors.New("invalid configuration: redis.addr is required by the redis driver")
	}
	if cfg.Store.Driver == "libsql" && cfg.Store.LibSQLPath == "" {
		return errors.New("invalid configuration: store.libsql_path is required by the libsql driver")
	}
	seen := make(map[string]bool, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		if seen[p.Name] {
			return fmt.Errorf("invalid configuration: duplicate plugin %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
