package config

import "time"

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Cache   CacheConfig
	Predict PredictConfig
	Redis   RedisConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// CacheConfig durations are Go duration strings ("24h", "90m").
type CacheConfig struct {
	TTL           string
	SweepInterval string
}

type PredictConfig struct {
	MaxCandidates int
	PatternsLimit int
}

// RedisConfig enables the Redis prediction mirror when Addr is non-empty.
type RedisConfig struct {
	Addr      string
	KeyPrefix string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			TTL:           "24h",
			SweepInterval: "1h",
		},
		Predict: PredictConfig{
			MaxCandidates: 5,
			PatternsLimit: 20,
		},
		Redis: RedisConfig{
			KeyPrefix: "prefetchd",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/prefetchd/config.json and then applies environment
// variables (PREFETCHD_*), which win over file values.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	return cfg, nil
}

// Duration parses value, returning fallback when it is empty, malformed or not positive.
func Duration(value string, fallback time.Duration) (time.Duration, bool) {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback, false
	}
	return d, true
}
