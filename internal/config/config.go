package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr         string
	BaseURL      string
	DataDir      string
	DBDriver     string
	SourceURL    string
	TickInterval time.Duration
	StaleAfter   time.Duration
	HTTPTimeout  time.Duration
	FetchTimeout time.Duration
	CacheSize    int
	SeedFile     string
	SeedKeys     []string
	LogLevel     string
	LogFormat    string
}

func Load() Config {
	return Config{
		Addr:         getenv("HARVEST_API_ADDR", ":8080"),
		BaseURL:      strings.TrimSpace(os.Getenv("HARVEST_BASE_URL")),
		DataDir:      getenv("HARVEST_DATA_DIR", "local-data"),
		DBDriver:     getenv("HARVEST_DB_DRIVER", "sqlite"),
		SourceURL:    getenv("HARVEST_SOURCE_URL", "http://localhost:9090"),
		TickInterval: getenvDuration("HARVEST_TICK_INTERVAL", time.Minute),
		StaleAfter:   getenvDuration("HARVEST_STALE_AFTER", time.Hour),
		HTTPTimeout:  getenvDuration("HARVEST_HTTP_TIMEOUT", 30*time.Second),
		FetchTimeout: getenvDuration("HARVEST_FETCH_TIMEOUT", 5*time.Minute),
		CacheSize:    getenvInt("HARVEST_CACHE_SIZE", 512),
		SeedFile:     strings.TrimSpace(os.Getenv("HARVEST_SEED_FILE")),
		SeedKeys:     getenvCSV("HARVEST_SEED_KEYS", nil),
		LogLevel:     getenv("HARVEST_LOG_LEVEL", "info"),
		LogFormat:    getenv("HARVEST_LOG_FORMAT", "text"),
	}
}

// Seed lists bundles to register at startup. check_interval is in seconds
// and, when set, overrides the scheduler interval.
type Seed struct {
	Bundles       []string `yaml:"bundles"`
	CheckInterval int      `yaml:"check_interval"`
}

func LoadSeed(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	if seed.CheckInterval < 0 {
		return Seed{}, fmt.Errorf("seed file %s: check_interval must not be negative", path)
	}
	seed.Bundles = trimAll(seed.Bundles)
	return seed, nil
}

// Apply merges seed into c.
func (c Config) Apply(seed Seed) Config {
	if seed.CheckInterval > 0 {
		c.TickInterval = time.Duration(seed.CheckInterval) * time.Second
	}
	keys := make([]string, 0, len(c.SeedKeys)+len(seed.Bundles))
	keys = append(keys, c.SeedKeys...)
	keys = append(keys, seed.Bundles...)
	c.SeedKeys = keys
	return c
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return n
	}
	return fallback
}

func getenvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	values := trimAll(strings.Split(raw, ","))
	if len(values) == 0 {
		return fallback
	}
	return values
}

func trimAll(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
