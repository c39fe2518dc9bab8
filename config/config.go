package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"market"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"market123"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"market_db"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`

	// CheckpointBackend is "file" or "redis".
	CheckpointBackend string `env:"CHECKPOINT_BACKEND" envDefault:"file"`
	CheckpointDir     string `env:"CHECKPOINT_DIR" envDefault:"./state"`
	RedisAddr         string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword     string `env:"REDIS_PASSWORD"`
	RedisPrefix       string `env:"REDIS_PREFIX" envDefault:"market"`

	// ArchiveBackend is "csv", "mongo" or "none".
	ArchiveBackend string `env:"ARCHIVE_BACKEND" envDefault:"csv"`
	CSVArchiveDir  string `env:"CSV_ARCHIVE_DIR" envDefault:"./output"`
	MongoURI       string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDB        string `env:"MONGO_DB" envDefault:"market_raw"`

	MaxConcurrency   int           `env:"MAX_CONCURRENCY" envDefault:"4"`
	RateLimitMs      int           `env:"RATE_LIMIT_MS" envDefault:"300"`
	JitterMs         int           `env:"JITTER_MS" envDefault:"400"`
	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"2s"`
	MaxPagesPerQuery int           `env:"MAX_PAGES_PER_QUERY" envDefault:"100"`
	SeenThreshold    int           `env:"CONSECUTIVE_SEEN_THRESHOLD" envDefault:"30"`
	ResumeWindow     time.Duration `env:"RESUME_WINDOW" envDefault:"6h"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"20s"`
	UserAgent        string        `env:"USER_AGENT" envDefault:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"`
	ChromeBin        string        `env:"CHROME_BIN"`

	StatsBucket   string        `env:"STATS_BUCKET" envDefault:"day"`
	StatsTimezone string        `env:"STATS_TIMEZONE" envDefault:"Asia/Seoul"`
	SKUBatchLimit int           `env:"SKU_BATCH_LIMIT" envDefault:"0"`
	TrendWindow   time.Duration `env:"TREND_WINDOW" envDefault:"672h"`
	LowestLimit   int           `env:"LOWEST_LIMIT" envDefault:"70"`
	DefaultSD     string        `env:"DEFAULT_SD" envDefault:"서울특별시"`

	CrawlInterval    time.Duration `env:"CRAWL_INTERVAL" envDefault:"1h"`
	PipelineInterval time.Duration `env:"PIPELINE_INTERVAL" envDefault:"30m"`
	LockTTL          time.Duration `env:"LOCK_TTL" envDefault:"2h"`
	Sources          []string      `env:"SOURCES" envSeparator:"," envDefault:"bunjang,joongna,daangn"`

	HTTPPort string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"false"`

	RulesFile string `env:"RULES_FILE"`
}

// Load reads the .env file and returns a populated Config struct.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if _, err := time.LoadLocation(cfg.StatsTimezone); err != nil {
		return nil, fmt.Errorf("config: STATS_TIMEZONE %q: %w", cfg.StatsTimezone, err)
	}
	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// Location returns the configured statistics timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.StatsTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
