package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database    DatabaseConfig
	Scheduler   SchedulerConfig
	Ingest      IngestConfig
	JournalPath string
	LogLevel    string
	Sources     map[string]*SourceConfig
}

type DatabaseConfig struct {
	URL               string
	PoolSize          int
	ConnectTimeout    time.Duration
	KeepaliveIdle     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCount    int
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

// IngestConfig carries the run-level knobs shared by every source.
type IngestConfig struct {
	ScraperName      string
	BatchSize        int
	DetailWorkers    int
	RefreshEveryCats int
	MaxListings      int
	SearchQuery      string
	Location         string
	PriceMin         int
	PriceMax         int
}

// SourceConfig describes one classified-ads source, loaded from
// config/sources/*.yaml.
type SourceConfig struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name"`
	Categories     []string          `yaml:"categories"`
	Domains        map[string]string `yaml:"domains"` // category -> host
	DefaultDomain  string            `yaml:"default_domain"`
	PageSize       int               `yaml:"page_size"`
	ListingDelayMS int               `yaml:"listing_delay_ms"`
	DetailDelayMS  int               `yaml:"detail_delay_ms"`
	IncludeDetails bool              `yaml:"include_details"`
}

// BaseURL returns the https base URL for a category, falling back to the
// source's default domain for categories without a dedicated subdomain.
func (s *SourceConfig) BaseURL(category string) string {
	if host, ok := s.Domains[category]; ok {
		return "https://" + host
	}
	return "https://" + s.DefaultDomain
}

func (s *SourceConfig) ListingDelay() time.Duration {
	if s.ListingDelayMS <= 0 {
		return time.Second
	}
	return time.Duration(s.ListingDelayMS) * time.Millisecond
}

func (s *SourceConfig) DetailDelay() time.Duration {
	if s.DetailDelayMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(s.DetailDelayMS) * time.Millisecond
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			URL:               os.Getenv("DATABASE_URL"),
			PoolSize:          getEnvInt("DB_POOL_SIZE", 5),
			ConnectTimeout:    30 * time.Second,
			KeepaliveIdle:     10 * time.Minute,
			KeepaliveInterval: 30 * time.Second,
			KeepaliveCount:    3,
			MaxAttempts:       getEnvInt("DB_MAX_ATTEMPTS", 4),
			RetryBaseDelay:    500 * time.Millisecond,
			RetryMaxDelay:     10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Cron: os.Getenv("INGEST_CRON"),
		},
		Ingest: IngestConfig{
			ScraperName:      getEnv("SCRAPER_NAME", "bazos_scraper"),
			BatchSize:        getEnvInt("BATCH_SIZE", 100),
			DetailWorkers:    getEnvInt("DETAIL_WORKERS", 3),
			RefreshEveryCats: getEnvInt("POOL_REFRESH_CATEGORIES", 3),
			MaxListings:      getEnvInt("MAX_LISTINGS", 0),
			SearchQuery:      os.Getenv("SEARCH_QUERY"),
			Location:         os.Getenv("LOCATION_FILTER"),
			PriceMin:         getEnvInt("PRICE_MIN", 0),
			PriceMax:         getEnvInt("PRICE_MAX", 0),
		},
		JournalPath: getEnv("JOURNAL_PATH", "harvest.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Sources:     make(map[string]*SourceConfig),
	}

	if interval := os.Getenv("INGEST_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err == nil {
			cfg.Scheduler.Interval = d
		}
	}

	if err := cfg.loadSourceConfigs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadSourceConfigs() error {
	configDir := "config/sources"
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var source SourceConfig
		if err := yaml.Unmarshal(data, &source); err != nil {
			return err
		}
		if source.PageSize <= 0 {
			source.PageSize = 20
		}

		c.Sources[source.ID] = &source
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
