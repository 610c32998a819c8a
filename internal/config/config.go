package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/redcoll/internal/retry"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the redcolld runtime configuration.
type Config struct {
	Service string `env:"REDCOLL_SERVICE"`
	Redis   RedisConfig
	Remote  RemoteConfig
	Retain  RetainConfig
	Admin   AdminConfig
}

// RedisConfig selects the backing store. An empty Addr runs on the in-process store.
type RedisConfig struct {
	Addr        string        `env:"REDCOLL_REDIS_ADDR"`
	DB          int           `env:"REDCOLL_REDIS_DB"`
	Password    string        `env:"REDCOLL_REDIS_PASSWORD"`
	DialTimeout time.Duration `env:"REDCOLL_REDIS_DIAL_TIMEOUT"`
}

type RemoteConfig struct {
	CallTimeout       time.Duration `env:"REDCOLL_CALL_TIMEOUT"`
	WorkerConcurrency int           `env:"REDCOLL_WORKER_CONCURRENCY"`
	PopWait           time.Duration `env:"REDCOLL_POP_WAIT"`
}

// RetainConfig shapes the pause between conflicting retain attempts.
type RetainConfig struct {
	InitialBackoff time.Duration `env:"REDCOLL_RETAIN_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `env:"REDCOLL_RETAIN_MAX_BACKOFF"`
	Multiplier     float64       `env:"REDCOLL_RETAIN_MULTIPLIER"`
	Jitter         bool          `env:"REDCOLL_RETAIN_JITTER"`
}

// AdminConfig controls the HTTP admin surface. An empty Addr disables it.
type AdminConfig struct {
	Addr        string   `env:"REDCOLL_ADMIN_ADDR"`
	NodeID      string   `env:"REDCOLL_NODE_ID"`
	CORSOrigins []string `env:"REDCOLL_ADMIN_CORS_ORIGINS" envSeparator:","`
	Token       string   `env:"REDCOLL_ADMIN_TOKEN"`
}

func DefaultConfig() Config {
	backoff := retry.DefaultConflictBackoff()
	return Config{
		Service: "redcoll",
		Redis: RedisConfig{
			DialTimeout: 5 * time.Second,
		},
		Remote: RemoteConfig{
			CallTimeout:       10 * time.Second,
			WorkerConcurrency: 8,
			PopWait:           time.Second,
		},
		Retain: RetainConfig{
			InitialBackoff: backoff.InitialDelay,
			MaxBackoff:     backoff.MaxDelay,
			Multiplier:     backoff.Multiplier,
			Jitter:         backoff.Jitter,
		},
		Admin: AdminConfig{
			Addr:        ":9400",
			NodeID:      "redcolld",
			CORSOrigins: []string{"http://localhost:3000"},
		},
	}
}

// Backoff converts the retain section for the collection mutator.
func (c RetainConfig) Backoff() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialDelay: c.InitialBackoff,
		Multiplier:   c.Multiplier,
		MaxDelay:     c.MaxBackoff,
		Jitter:       c.Jitter,
	}
}

// redcolld config.toml layout.
type fileConfig struct {
	Service string `toml:"service"`
	Redis   struct {
		Addr        string `toml:"addr"`
		DB          int    `toml:"db"`
		Password    string `toml:"password"`
		DialTimeout string `toml:"dial_timeout"`
	} `toml:"redis"`
	Remote struct {
		CallTimeout       string `toml:"call_timeout"`
		WorkerConcurrency int    `toml:"worker_concurrency"`
		PopWait           string `toml:"pop_wait"`
	} `toml:"remote"`
	Retain struct {
		InitialBackoff string  `toml:"initial_backoff"`
		MaxBackoff     string  `toml:"max_backoff"`
		Multiplier     float64 `toml:"multiplier"`
		Jitter         bool    `toml:"jitter"`
	} `toml:"retain"`
	Admin struct {
		Addr        string   `toml:"addr"`
		NodeID      string   `toml:"node_id"`
		CORSOrigins []string `toml:"cors_origins"`
		Token       string   `toml:"token"`
	} `toml:"admin"`
}

// Load overlays the TOML file at path (if any) and then the environment onto
// DefaultConfig, and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		var err error
		if cfg, err = overlayFile(cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any REDCOLL_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}

func overlayFile(cfg Config, path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}

	durations := []struct {
		key  []string
		raw  string
		dest *time.Duration
	}{
		{[]string{"redis", "dial_timeout"}, raw.Redis.DialTimeout, &cfg.Redis.DialTimeout},
		{[]string{"remote", "call_timeout"}, raw.Remote.CallTimeout, &cfg.Remote.CallTimeout},
		{[]string{"remote", "pop_wait"}, raw.Remote.PopWait, &cfg.Remote.PopWait},
		{[]string{"retain", "initial_backoff"}, raw.Retain.InitialBackoff, &cfg.Retain.InitialBackoff},
		{[]string{"retain", "max_backoff"}, raw.Retain.MaxBackoff, &cfg.Retain.MaxBackoff},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, strings.Join(d.key, "."), err)
		}
		*d.dest = v
	}

	if meta.IsDefined("service") {
		cfg.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("redis", "addr") {
		cfg.Redis.Addr = strings.TrimSpace(raw.Redis.Addr)
	}
	if meta.IsDefined("redis", "db") {
		cfg.Redis.DB = raw.Redis.DB
	}
	if meta.IsDefined("redis", "password") {
		cfg.Redis.Password = raw.Redis.Password
	}
	if meta.IsDefined("remote", "worker_concurrency") {
		cfg.Remote.WorkerConcurrency = raw.Remote.WorkerConcurrency
	}
	if meta.IsDefined("retain", "multiplier") {
		cfg.Retain.Multiplier = raw.Retain.Multiplier
	}
	if meta.IsDefined("retain", "jitter") {
		cfg.Retain.Jitter = raw.Retain.Jitter
	}
	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "node_id") {
		cfg.Admin.NodeID = strings.TrimSpace(raw.Admin.NodeID)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CORSOrigins = raw.Admin.CORSOrigins
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Service) == "" {
		return fmt.Errorf("%w: service is required", ErrInvalidConfig)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("%w: redis.db must be >= 0", ErrInvalidConfig)
	}
	if c.Redis.DialTimeout < 0 {
		return fmt.Errorf("%w: redis.dial_timeout must be >= 0", ErrInvalidConfig)
	}
	if c.Remote.CallTimeout < 0 {
		return fmt.Errorf("%w: remote.call_timeout must be >= 0", ErrInvalidConfig)
	}
	if c.Remote.WorkerConcurrency <= 0 {
		return fmt.Errorf("%w: remote.worker_concurrency must be > 0", ErrInvalidConfig)
	}
	if c.Remote.PopWait <= 0 {
		return fmt.Errorf("%w: remote.pop_wait must be > 0", ErrInvalidConfig)
	}
	if c.Retain.InitialBackoff < 0 || c.Retain.MaxBackoff < 0 {
		return fmt.Errorf("%w: retain backoff must be >= 0", ErrInvalidConfig)
	}
	if c.Retain.MaxBackoff > 0 && c.Retain.InitialBackoff > c.Retain.MaxBackoff {
		return fmt.Errorf("%w: retain.initial_backoff exceeds retain.max_backoff", ErrInvalidConfig)
	}
	if c.Retain.InitialBackoff > 0 && c.Retain.Multiplier < 1 {
		return fmt.Errorf("%w: retain.multiplier must be >= 1", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Admin.Addr) != "" && strings.TrimSpace(c.Admin.NodeID) == "" {
		return fmt.Errorf("%w: admin.node_id required when admin.addr is set", ErrInvalidConfig)
	}
	return nil
}
