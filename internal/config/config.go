package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/lalithlochan/wabroadcast/internal/db"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config. Empty host disables Redis; the send limiter then falls
	// back to Postgres counters.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS
	AWSRegion   string
	AWSEndpoint string // LocalStack / ElasticMQ

	// SQS dispatch queue. Empty URL selects the in-process queue.
	SQSRegion   string
	SQSQueueURL string

	// SNS topic for campaign lifecycle events. Empty disables events.
	SNSRegion   string
	SNSTopicARN string

	// Pipeline
	RunPipeline        bool
	SchedulerInterval  time.Duration
	SweepInterval      time.Duration
	SchedulerBatchSize int
	TenantBatchSize    int
	ProcessingTimeout  time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	MaxRetries         int
	SenderConcurrency  int
	DefaultRateLimit   int
	BusinessHoursStart int
	BusinessHoursEnd   int
	DefaultTimezone    string
	StoreTimeout       time.Duration

	// WhatsApp gateway transport. Empty URL logs instead of sending.
	TransportURL     string
	TransportToken   string
	TransportTimeout time.Duration

	// HTTP API limiter, requests per minute per tenant
	APIRateLimit int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBPassword: "",
		DBName:     "wabroadcast",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		RunPipeline:        true,
		SchedulerInterval:  5 * time.Second,
		SweepInterval:      time.Minute,
		SchedulerBatchSize: 100,
		TenantBatchSize:    20,
		ProcessingTimeout:  5 * time.Minute,
		RetryBaseDelay:     30 * time.Second,
		RetryMaxDelay:      30 * time.Minute,
		MaxRetries:         3,
		SenderConcurrency:  4,
		DefaultRateLimit:   30,
		BusinessHoursStart: 8,
		BusinessHoursEnd:   18,
		DefaultTimezone:    "UTC",
		StoreTimeout:       10 * time.Second,

		TransportTimeout: 15 * time.Second,

		APIRateLimit: 600,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config. REDIS_HOST="" is meaningful, so check presence.
	if host, ok := os.LookupEnv("REDIS_HOST"); ok {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
		cfg.AWSEndpoint = endpoint
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// SNS config
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("SNS_TOPIC_ARN"); arn != "" {
		cfg.SNSTopicARN = arn
	}

	// Pipeline config
	if run := os.Getenv("RUN_PIPELINE"); run != "" {
		b, err := strconv.ParseBool(run)
		if err != nil {
			return nil, fmt.Errorf("invalid RUN_PIPELINE: %w", err)
		}
		cfg.RunPipeline = b
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SCHEDULER_INTERVAL", &cfg.SchedulerInterval},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
		{"PROCESSING_TIMEOUT", &cfg.ProcessingTimeout},
		{"RETRY_BASE_DELAY", &cfg.RetryBaseDelay},
		{"RETRY_MAX_DELAY", &cfg.RetryMaxDelay},
		{"STORE_TIMEOUT", &cfg.StoreTimeout},
		{"TRANSPORT_TIMEOUT", &cfg.TransportTimeout},
	}
	for _, d := range durations {
		if err := durationEnv(d.key, d.dst); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DB_MAX_CONNS", &cfg.DBMaxConns},
		{"SCHEDULER_BATCH_SIZE", &cfg.SchedulerBatchSize},
		{"SCHEDULER_TENANT_BATCH_SIZE", &cfg.TenantBatchSize},
		{"MAX_RETRIES", &cfg.MaxRetries},
		{"SENDER_CONCURRENCY", &cfg.SenderConcurrency},
		{"DEFAULT_RATE_LIMIT", &cfg.DefaultRateLimit},
		{"BUSINESS_HOURS_START", &cfg.BusinessHoursStart},
		{"BUSINESS_HOURS_END", &cfg.BusinessHoursEnd},
		{"API_RATE_LIMIT", &cfg.APIRateLimit},
	}
	for _, i := range ints {
		if err := intEnv(i.key, i.dst); err != nil {
			return nil, err
		}
	}

	if tz := os.Getenv("DEFAULT_TIMEZONE"); tz != "" {
		cfg.DefaultTimezone = tz
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TIMEZONE: %w", err)
	}

	if cfg.BusinessHoursStart < 0 || cfg.BusinessHoursEnd > 24 || cfg.BusinessHoursStart >= cfg.BusinessHoursEnd {
		return nil, fmt.Errorf("invalid business hours: %d-%d", cfg.BusinessHoursStart, cfg.BusinessHoursEnd)
	}

	if url := os.Getenv("TRANSPORT_URL"); url != "" {
		cfg.TransportURL = url
	}

	if token := os.Getenv("TRANSPORT_TOKEN"); token != "" {
		cfg.TransportToken = token
	}

	return cfg, nil
}

// Database returns the connection settings for db.New
func (c *Config) Database() db.Config {
	return db.Config{
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		Database: c.DBName,
		SSLMode:  c.DBSSLMode,
		MaxConns: int32(c.DBMaxConns),
	}
}

func intEnv(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func durationEnv(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
