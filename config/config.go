// Package config loads service configuration from an optional YAML file,
// a .env file and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/feichai0017/shadowtwin/pkg/logger"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Redis         RedisConfig         `yaml:"redis"`
	Queue         QueueConfig         `yaml:"queue"`
	Storage       StorageConfig       `yaml:"storage"`
	Minio         MinioConfig         `yaml:"minio"`
	S3            S3Config            `yaml:"s3"`
	Provider      ProviderConfig      `yaml:"provider"`
	Watchdog      WatchdogConfig      `yaml:"watchdog"`
	Images        ImageConfig         `yaml:"images"`
	Fetch         FetchConfig         `yaml:"fetch"`
	Phases        PhasesConfig        `yaml:"phases"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Log           logger.Config       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	GinMode         string        `yaml:"ginMode"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// CallbackTimeout bounds processing of one worker callback.
	CallbackTimeout time.Duration `yaml:"callbackTimeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	// JobTTL of zero keeps job records until an operator deletes them.
	JobTTL time.Duration `yaml:"jobTTL"`
}

type QueueConfig struct {
	Concurrency int            `yaml:"concurrency"`
	Queues      map[string]int `yaml:"queues"`
}

type StorageConfig struct {
	// Type is one of minio, s3, memory.
	Type          string `yaml:"type"`
	PublicBaseURL string `yaml:"publicBaseURL"`
}

type ProviderConfig struct {
	// Type is one of local, objectstore.
	Type   string `yaml:"type"`
	Root   string `yaml:"root"`
	Prefix string `yaml:"prefix"`
}

type WatchdogConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// Policy is alert or fail.
	Policy string `yaml:"policy"`
	// Escalation is direct or queue.
	Escalation string `yaml:"escalation"`
}

type ImageConfig struct {
	BatchSize   int `yaml:"batchSize"`
	Parallelism int `yaml:"parallelism"`
	HashLength  int `yaml:"hashLength"`
}

type FetchConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxArchiveBytes int64         `yaml:"maxArchiveBytes"`
}

type PhasesConfig struct {
	TemplateEnabled bool `yaml:"templateEnabled"`
	IngestEnabled   bool `yaml:"ingestEnabled"`
}

type ElasticsearchConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Index     string   `yaml:"index"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			GinMode:         "release",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 5 * time.Second,
			CallbackTimeout: 5 * time.Minute,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			Concurrency: 5,
			Queues:      map[string]int{"critical": 6, "default": 3, "low": 1},
		},
		Storage:  StorageConfig{Type: "minio"},
		Minio:    MinioConfig{Endpoint: "localhost:9000", BucketName: "shadowtwin-images"},
		S3:       S3Config{Region: "us-east-1"},
		Provider: ProviderConfig{Type: "local", Root: "data/library"},
		Watchdog: WatchdogConfig{
			Timeout:    10 * time.Minute,
			Policy:     "alert",
			Escalation: "direct",
		},
		Images: ImageConfig{BatchSize: 10, Parallelism: 2, HashLength: 32},
		Fetch:  FetchConfig{Timeout: 60 * time.Second, MaxArchiveBytes: 512 << 20},
		Elasticsearch: ElasticsearchConfig{
			Addresses: []string{"http://localhost:9200"},
			Index:     "shadowtwin-documents",
		},
		Log: *logger.DefaultConfig(),
	}
}

// Load builds the configuration: defaults, then CONFIG_FILE (YAML), then .env
// and process environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	loadEnvFile()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadEnvFile loads .env from the working directory, falling back to the
// project root next to this package.
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	_, filename, _, _ := runtime.Caller(0)
	rootDir := filepath.Dir(filepath.Dir(filename))
	envPath := filepath.Join(rootDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: .env file not found at %s, falling back to environment variables", envPath)
	}
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	c.Server.GinMode = getEnv("GIN_MODE", c.Server.GinMode)
	c.Server.AllowedOrigins = getEnvAsList("CORS_ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.CallbackTimeout = getEnvAsDuration("CALLBACK_TIMEOUT", c.Server.CallbackTimeout)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.JobTTL = getEnvAsDuration("JOB_TTL", c.Redis.JobTTL)

	c.Queue.Concurrency = getEnvAsInt("QUEUE_CONCURRENCY", c.Queue.Concurrency)

	c.Storage.Type = getEnv("STORAGE_TYPE", c.Storage.Type)
	c.Storage.PublicBaseURL = getEnv("STORAGE_PUBLIC_BASE_URL", c.Storage.PublicBaseURL)
	c.Minio.applyEnv()
	c.S3.applyEnv()

	c.Provider.Type = getEnv("PROVIDER_TYPE", c.Provider.Type)
	c.Provider.Root = getEnv("PROVIDER_ROOT", c.Provider.Root)
	c.Provider.Prefix = getEnv("PROVIDER_PREFIX", c.Provider.Prefix)

	c.Watchdog.Timeout = getEnvAsDuration("WATCHDOG_TIMEOUT", c.Watchdog.Timeout)
	c.Watchdog.Policy = getEnv("WATCHDOG_POLICY", c.Watchdog.Policy)
	c.Watchdog.Escalation = getEnv("WATCHDOG_ESCALATION", c.Watchdog.Escalation)

	c.Images.BatchSize = getEnvAsInt("IMAGE_BATCH_SIZE", c.Images.BatchSize)
	c.Images.Parallelism = getEnvAsInt("IMAGE_PARALLELISM", c.Images.Parallelism)

	c.Fetch.Timeout = getEnvAsDuration("FETCH_TIMEOUT", c.Fetch.Timeout)

	c.Phases.TemplateEnabled = getEnvAsBool("PHASE_TEMPLATE_ENABLED", c.Phases.TemplateEnabled)
	c.Phases.IngestEnabled = getEnvAsBool("PHASE_INGEST_ENABLED", c.Phases.IngestEnabled)

	c.Elasticsearch.Enabled = getEnvAsBool("ELASTICSEARCH_ENABLED", c.Elasticsearch.Enabled)
	c.Elasticsearch.Addresses = getEnvAsList("ELASTICSEARCH_ADDRESSES", c.Elasticsearch.Addresses)
	c.Elasticsearch.Username = getEnv("ELASTICSEARCH_USERNAME", c.Elasticsearch.Username)
	c.Elasticsearch.Password = getEnv("ELASTICSEARCH_PASSWORD", c.Elasticsearch.Password)
	c.Elasticsearch.Index = getEnv("ELASTICSEARCH_INDEX", c.Elasticsearch.Index)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Encoding = getEnv("LOG_ENCODING", c.Log.Encoding)
}

// Validate checks enum settings and numeric bounds.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "minio", "s3", "memory":
	default:
		return fmt.Errorf("unsupported storage type: %q", c.Storage.Type)
	}
	switch c.Provider.Type {
	case "local", "objectstore":
	default:
		return fmt.Errorf("unsupported provider type: %q", c.Provider.Type)
	}
	switch c.Watchdog.Policy {
	case "alert", "fail":
	default:
		return fmt.Errorf("unsupported watchdog policy: %q", c.Watchdog.Policy)
	}
	switch c.Watchdog.Escalation {
	case "direct", "queue":
	default:
		return fmt.Errorf("unsupported watchdog escalation: %q", c.Watchdog.Escalation)
	}
	if c.Watchdog.Timeout <= 0 {
		return fmt.Errorf("watchdog timeout must be positive")
	}
	if c.Images.BatchSize <= 0 || c.Images.Parallelism <= 0 {
		return fmt.Errorf("image batch size and parallelism must be positive")
	}
	if c.Images.HashLength < 8 || c.Images.HashLength > 64 {
		return fmt.Errorf("image hash length must be between 8 and 64")
	}
	if c.Elasticsearch.Enabled && c.Elasticsearch.Index == "" {
		return fmt.Errorf("elasticsearch index is required when enabled")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
