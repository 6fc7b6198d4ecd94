package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PREFETCHD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PREFETCHD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "PREFETCHD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "cache.ttl", typ: kString, env: "PREFETCHD_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.sweep_interval", typ: kString, env: "PREFETCHD_CACHE_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cache.SweepInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.SweepInterval },
	},
	{
		key: "predict.max_candidates", typ: kInt, env: "PREFETCHD_PREDICT_MAX_CANDIDATES",
		apply:   func(cfg *Config, v any) { cfg.Predict.MaxCandidates = v.(int) },
		extract: func(cfg Config) any { return cfg.Predict.MaxCandidates },
	},
	{
		key: "patterns.limit", typ: kInt, env: "PREFETCHD_PATTERNS_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Predict.PatternsLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Predict.PatternsLimit },
	},
	{
		key: "redis.addr", typ: kString, env: "PREFETCHD_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "redis.key_prefix", typ: kString, env: "PREFETCHD_REDIS_KEY_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Redis.KeyPrefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.KeyPrefix },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
