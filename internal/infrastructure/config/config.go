package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	App struct {
		Portfolios []string `toml:"portfolios"`
		LogLevel   string   `toml:"log_level"`
	} `toml:"app"`

	Cache struct {
		StaleTimeMs   int `toml:"stale_time_ms"`
		GCTimeMs      int `toml:"gc_time_ms"`
		DedupWindowMs int `toml:"dedup_window_ms"`
		DebounceMs    int `toml:"debounce_ms"`
	} `toml:"cache"`

	Store struct {
		BaseURL      string  `toml:"base_url"`
		TimeoutMs    int     `toml:"timeout_ms"`
		RateLimitRPS float64 `toml:"rate_limit_rps"`
	} `toml:"store"`

	Sync struct {
		RetryInitialMs  int    `toml:"retry_initial_ms"`
		RetryMaxMs      int    `toml:"retry_max_ms"`
		MaxRetries      int    `toml:"max_retries"`
		ProbeIntervalMs int    `toml:"probe_interval_ms"`
		ProbeURL        string `toml:"probe_url"`
		// Queue 离线队列后端: sqlite | redis | memory
		Queue string `toml:"queue"`
	} `toml:"sync"`

	Push struct {
		Redis struct {
			Enabled bool   `toml:"enabled"`
			Channel string `toml:"channel"` // 频道前缀，实际频道为 <channel>:<portfolio>
		} `toml:"redis"`
		WebSocket struct {
			Enabled bool   `toml:"enabled"`
			URL     string `toml:"url"`
		} `toml:"websocket"`
	} `toml:"push"`

	Storage struct {
		SQLite struct {
			Enabled bool   `toml:"enabled"`
			Path    string `toml:"path"`
		} `toml:"sqlite"`

		Redis struct {
			Enabled  bool   `toml:"enabled"`
			Addr     string `toml:"addr"`
			Password string `toml:"password"`
			DB       int    `toml:"db"`
			Prefix   string `toml:"prefix"`
		} `toml:"redis"`

		Postgres struct {
			Enabled bool   `toml:"enabled"`
			DSN     string `toml:"dsn"`
		} `toml:"postgres"`
	} `toml:"storage"`

	Server struct {
		Addr string `toml:"addr"`
		// Backend 服务端持仓表: memory | postgres
		Backend string `toml:"backend"`
	} `toml:"server"`

	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse 从字符串加载，便于测试
func Parse(data string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}

	if cfg.Cache.StaleTimeMs <= 0 {
		cfg.Cache.StaleTimeMs = 30_000
	}
	if cfg.Cache.GCTimeMs <= 0 {
		cfg.Cache.GCTimeMs = 300_000
	}
	if cfg.Cache.DedupWindowMs <= 0 {
		cfg.Cache.DedupWindowMs = 1_000
	}
	if cfg.Cache.DebounceMs <= 0 {
		cfg.Cache.DebounceMs = 100
	}

	if cfg.Store.TimeoutMs <= 0 {
		cfg.Store.TimeoutMs = 10_000
	}
	if cfg.Store.RateLimitRPS <= 0 {
		cfg.Store.RateLimitRPS = 20
	}

	if cfg.Sync.RetryInitialMs <= 0 {
		cfg.Sync.RetryInitialMs = 1_000
	}
	if cfg.Sync.RetryMaxMs <= 0 {
		cfg.Sync.RetryMaxMs = 30_000
	}
	if cfg.Sync.MaxRetries <= 0 {
		cfg.Sync.MaxRetries = 5
	}
	if cfg.Sync.ProbeIntervalMs <= 0 {
		cfg.Sync.ProbeIntervalMs = 5_000
	}
	if cfg.Sync.ProbeURL == "" && cfg.Store.BaseURL != "" {
		cfg.Sync.ProbeURL = strings.TrimRight(cfg.Store.BaseURL, "/") + "/healthz"
	}
	if cfg.Sync.Queue == "" {
		cfg.Sync.Queue = "sqlite"
	}

	if cfg.Push.Redis.Channel == "" {
		cfg.Push.Redis.Channel = "posledger:push"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "data/posledger.db"
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = "posledger"
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.Backend == "" {
		cfg.Server.Backend = "memory"
	}
}

func validate(cfg *Config) error {
	cfg.App.Portfolios = normalizePortfolios(cfg.App.Portfolios)

	switch strings.ToLower(cfg.App.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level %q is not a known level", cfg.App.LogLevel)
	}

	if cfg.Sync.RetryMaxMs < cfg.Sync.RetryInitialMs {
		return errors.New("sync.retry_max_ms must not be less than sync.retry_initial_ms")
	}

	switch cfg.Sync.Queue {
	case "sqlite":
		if !cfg.Storage.SQLite.Enabled {
			return errors.New("sync.queue is sqlite but storage.sqlite is disabled")
		}
	case "redis":
		if !cfg.Storage.Redis.Enabled {
			return errors.New("sync.queue is redis but storage.redis is disabled")
		}
	case "memory":
	default:
		return fmt.Errorf("sync.queue %q is not one of sqlite, redis, memory", cfg.Sync.Queue)
	}

	if cfg.Push.Redis.Enabled && !cfg.Storage.Redis.Enabled {
		return errors.New("push.redis enabled but storage.redis is disabled")
	}
	if cfg.Push.WebSocket.Enabled && strings.TrimSpace(cfg.Push.WebSocket.URL) == "" {
		return errors.New("push.websocket.url empty but enabled")
	}

	switch cfg.Server.Backend {
	case "memory":
	case "postgres":
		if !cfg.Storage.Postgres.Enabled || strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
			return errors.New("server.backend is postgres but storage.postgres is not configured")
		}
	default:
		return fmt.Errorf("server.backend %q is not one of memory, postgres", cfg.Server.Backend)
	}
	return nil
}

// ClientEnabled 是否配置了远端持仓服务
func (c *Config) ClientEnabled() bool {
	return strings.TrimSpace(c.Store.BaseURL) != ""
}

func (c *Config) StaleTime() time.Duration   { return ms(c.Cache.StaleTimeMs) }
func (c *Config) GCTime() time.Duration      { return ms(c.Cache.GCTimeMs) }
func (c *Config) DedupWindow() time.Duration { return ms(c.Cache.DedupWindowMs) }
func (c *Config) Debounce() time.Duration    { return ms(c.Cache.DebounceMs) }
func (c *Config) StoreTimeout() time.Duration {
	return ms(c.Store.TimeoutMs)
}
func (c *Config) RetryInitial() time.Duration  { return ms(c.Sync.RetryInitialMs) }
func (c *Config) RetryMax() time.Duration      { return ms(c.Sync.RetryMaxMs) }
func (c *Config) ProbeInterval() time.Duration { return ms(c.Sync.ProbeIntervalMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func normalizePortfolios(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		p := strings.TrimSpace(s)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
