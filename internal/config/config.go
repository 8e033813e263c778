package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration.
type Config struct {
	Port            int           `toml:"port"`
	DBPath          string        `toml:"db_path"`
	DataDir         string        `toml:"data_dir"`
	RedisAddr       string        `toml:"redis_addr"`
	RedisPassword   string        `toml:"redis_password"`
	RedisDB         int           `toml:"redis_db"`
	YtDlpPath       string        `toml:"ytdlp_path"`
	MaxConcurrent   int           `toml:"max_concurrent"`
	StartsPerSecond int           `toml:"starts_per_second"`
	MaxAttempts     int           `toml:"max_attempts"`
	RetryBaseDelay  duration      `toml:"retry_base_delay"`
	CacheTTL        duration      `toml:"cache_ttl"`
	Retention       duration      `toml:"retention"`
	SweepInterval   duration      `toml:"sweep_interval"`
}

// duration lets TOML carry values like "24h".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) Std() time.Duration { return time.Duration(d) }

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "mediaflow", "jobs.db")
}

// DefaultDataDir returns the default output directory root.
func DefaultDataDir() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "mediaflow", "downloads")
}

func defaults() *Config {
	return &Config{
		Port:            8080,
		DBPath:          DefaultDBPath(),
		DataDir:         DefaultDataDir(),
		YtDlpPath:       "yt-dlp",
		MaxConcurrent:   5,
		StartsPerSecond: 5,
		MaxAttempts:     3,
		RetryBaseDelay:  duration(5 * time.Second),
		CacheTTL:        duration(24 * time.Hour),
		Retention:       duration(24 * time.Hour),
		SweepInterval:   duration(30 * time.Minute),
	}
}

// Load builds Config from defaults, an optional TOML file, flags, and
// environment overrides, in that order.
func Load() (*Config, error) {
	cfg := defaults()

	var configPath string
	flag.StringVar(&configPath, "config", "", "TOML config file path")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Download output directory")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address (empty = in-memory cache/limits)")
	flag.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "Maximum simultaneously active jobs")
	flag.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum execution attempts per job")
	flag.Parse()

	if configPath != "" {
		if err := ApplyFile(cfg, configPath); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// ApplyFile overlays values from a TOML file onto cfg.
func ApplyFile(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("MEDIAFLOW_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if db := os.Getenv("MEDIAFLOW_DB"); db != "" {
		cfg.DBPath = db
	}
	if dir := os.Getenv("MEDIAFLOW_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if addr := os.Getenv("MEDIAFLOW_REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	if pw := os.Getenv("MEDIAFLOW_REDIS_PASSWORD"); pw != "" {
		cfg.RedisPassword = pw
	}
	if db := os.Getenv("MEDIAFLOW_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil && n >= 0 {
			cfg.RedisDB = n
		}
	}
	if bin := os.Getenv("MEDIAFLOW_YTDLP"); bin != "" {
		cfg.YtDlpPath = bin
	}
}
