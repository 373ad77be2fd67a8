package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// DevMasterKey is only accepted outside production.
const DevMasterKey = "ZGV2LW1hc3Rlci1rZXktY2hhbmdlLW1lLWJlZm9yZS1wcm9k"

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Storage    StorageConfig
	Encryption EncryptionConfig
	Upload     UploadConfig
	Download   DownloadConfig
	Policy     PolicyConfig
	Scan       ScanConfig
	Events     EventsConfig
	Ownership  OwnershipConfig
}

type DatabaseConfig struct {
	Driver       string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port for clients that take a single address.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// StorageConfig selects the object storage backend and its retry envelope.
type StorageConfig struct {
	Driver         string
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	LocalDir       string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// EncryptionConfig holds the master secret used to wrap per-document keys.
type EncryptionConfig struct {
	MasterKey      string
	KeyStoreDriver string
	KeyPrefix      string
}

// UploadConfig bounds request bodies and handler deadlines.
type UploadConfig struct {
	MaxRequestBytes int64
	TimeoutMargin   time.Duration
}

// DownloadConfig controls signed download links. A zero TTL disables them.
type DownloadConfig struct {
	LinkTTL time.Duration
}

// PolicyConfig controls validation rule seeding and reload fan-out.
type PolicyConfig struct {
	SeedFile      string
	ReloadChannel string
}

// ScanConfig points at the malware scanning collaborator. Empty endpoint disables scanning calls.
type ScanConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// EventsConfig configures the outbox relay and the broker it publishes to.
type EventsConfig struct {
	Driver        string
	KafkaBrokers  []string
	KafkaTopic    string
	RelayInterval time.Duration
	BatchSize     int
	Lease         time.Duration
	Workers       int
	MaxRetries    int
	RetryBackoff  time.Duration
	MaxBackoff    time.Duration
	StallAfter    int
}

// OwnershipConfig tunes the claim owner cache.
type OwnershipConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Driver:       strings.ToLower(v.GetString("DB_DRIVER")),
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Storage = StorageConfig{
		Driver:         strings.ToLower(v.GetString("STORAGE_DRIVER")),
		Endpoint:       v.GetString("STORAGE_ENDPOINT"),
		Region:         v.GetString("STORAGE_REGION"),
		Bucket:         v.GetString("STORAGE_BUCKET"),
		AccessKey:      v.GetString("STORAGE_ACCESS_KEY"),
		SecretKey:      v.GetString("STORAGE_SECRET_KEY"),
		UseSSL:         v.GetBool("STORAGE_USE_SSL"),
		LocalDir:       v.GetString("STORAGE_LOCAL_DIR"),
		MaxRetries:     v.GetInt("STORAGE_MAX_RETRIES"),
		InitialBackoff: parseDuration(v.GetString("STORAGE_INITIAL_BACKOFF"), 200*time.Millisecond),
		MaxBackoff:     parseDuration(v.GetString("STORAGE_MAX_BACKOFF"), 2*time.Second),
		AttemptTimeout: parseDuration(v.GetString("STORAGE_ATTEMPT_TIMEOUT"), 10*time.Second),
	}

	cfg.Encryption = EncryptionConfig{
		MasterKey:      v.GetString("ENCRYPTION_MASTER_KEY"),
		KeyStoreDriver: strings.ToLower(v.GetString("KEYSTORE_DRIVER")),
		KeyPrefix:      v.GetString("KEYSTORE_PREFIX"),
	}

	maxRequest := v.GetInt64("UPLOAD_MAX_REQUEST_BYTES")
	if maxRequest <= 0 {
		maxRequest = 32 * 1024 * 1024
	}
	cfg.Upload = UploadConfig{
		MaxRequestBytes: maxRequest,
		TimeoutMargin:   parseDuration(v.GetString("UPLOAD_TIMEOUT_MARGIN"), 15*time.Second),
	}

	cfg.Download = DownloadConfig{LinkTTL: parseDuration(v.GetString("DOWNLOAD_LINK_TTL"), 0)}

	cfg.Policy = PolicyConfig{
		SeedFile:      v.GetString("POLICY_SEED_FILE"),
		ReloadChannel: v.GetString("POLICY_RELOAD_CHANNEL"),
	}

	cfg.Scan = ScanConfig{
		Endpoint: v.GetString("SCAN_ENDPOINT"),
		Timeout:  parseDuration(v.GetString("SCAN_TIMEOUT"), 20*time.Second),
	}

	cfg.Events = EventsConfig{
		Driver:        strings.ToLower(v.GetString("EVENTS_DRIVER")),
		KafkaBrokers:  splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:    v.GetString("KAFKA_TOPIC"),
		RelayInterval: parseDuration(v.GetString("EVENTS_RELAY_INTERVAL"), 2*time.Second),
		BatchSize:     v.GetInt("EVENTS_BATCH_SIZE"),
		Lease:         parseDuration(v.GetString("EVENTS_LEASE"), 30*time.Second),
		Workers:       v.GetInt("EVENTS_WORKERS"),
		MaxRetries:    v.GetInt("EVENTS_MAX_RETRIES"),
		RetryBackoff:  parseDuration(v.GetString("EVENTS_RETRY_BACKOFF"), 5*time.Second),
		MaxBackoff:    parseDuration(v.GetString("EVENTS_MAX_BACKOFF"), 5*time.Minute),
		StallAfter:    v.GetInt("EVENTS_STALL_AFTER"),
	}

	cfg.Ownership = OwnershipConfig{
		CacheSize: v.GetInt("OWNERSHIP_CACHE_SIZE"),
		CacheTTL:  parseDuration(v.GetString("OWNERSHIP_CACHE_TTL"), time.Minute),
	}

	return cfg
}

// Validate rejects combinations that are unsafe to run with.
func (c *Config) Validate() error {
	if c.Env == EnvProduction && (c.Encryption.MasterKey == "" || c.Encryption.MasterKey == DevMasterKey) {
		return errors.New("ENCRYPTION_MASTER_KEY must be set in production")
	}
	if c.Env == EnvProduction && c.Encryption.KeyStoreDriver == "memory" {
		return errors.New("KEYSTORE_DRIVER=memory is not allowed in production")
	}
	switch c.Database.Driver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	switch c.Storage.Driver {
	case "minio", "s3", "filesystem":
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.Storage.Driver)
	}
	switch c.Events.Driver {
	case "kafka", "asynq", "log":
	default:
		return fmt.Errorf("unsupported EVENTS_DRIVER %q", c.Events.Driver)
	}
	if c.Events.Driver == "kafka" && len(c.Events.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required when EVENTS_DRIVER=kafka")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "claimdocs")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("STORAGE_DRIVER", "filesystem")
	v.SetDefault("STORAGE_ENDPOINT", "localhost:9000")
	v.SetDefault("STORAGE_REGION", "us-east-1")
	v.SetDefault("STORAGE_BUCKET", "claim-documents")
	v.SetDefault("STORAGE_ACCESS_KEY", "")
	v.SetDefault("STORAGE_SECRET_KEY", "")
	v.SetDefault("STORAGE_USE_SSL", false)
	v.SetDefault("STORAGE_LOCAL_DIR", "./blobs")
	v.SetDefault("STORAGE_MAX_RETRIES", 4)
	v.SetDefault("STORAGE_INITIAL_BACKOFF", "200ms")
	v.SetDefault("STORAGE_MAX_BACKOFF", "2s")
	v.SetDefault("STORAGE_ATTEMPT_TIMEOUT", "10s")

	v.SetDefault("ENCRYPTION_MASTER_KEY", DevMasterKey)
	v.SetDefault("KEYSTORE_DRIVER", "redis")
	v.SetDefault("KEYSTORE_PREFIX", "claimdocs:dek:")

	v.SetDefault("UPLOAD_MAX_REQUEST_BYTES", 32*1024*1024)
	v.SetDefault("UPLOAD_TIMEOUT_MARGIN", "15s")

	v.SetDefault("DOWNLOAD_LINK_TTL", "5m")

	v.SetDefault("POLICY_SEED_FILE", "./configs/validation_rules.yaml")
	v.SetDefault("POLICY_RELOAD_CHANNEL", "claimdocs:policy:reload")

	v.SetDefault("SCAN_ENDPOINT", "")
	v.SetDefault("SCAN_TIMEOUT", "20s")

	v.SetDefault("EVENTS_DRIVER", "log")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "claim-document-events")
	v.SetDefault("EVENTS_RELAY_INTERVAL", "2s")
	v.SetDefault("EVENTS_BATCH_SIZE", 50)
	v.SetDefault("EVENTS_LEASE", "30s")
	v.SetDefault("EVENTS_WORKERS", 2)
	v.SetDefault("EVENTS_MAX_RETRIES", 3)
	v.SetDefault("EVENTS_RETRY_BACKOFF", "5s")
	v.SetDefault("EVENTS_MAX_BACKOFF", "5m")
	v.SetDefault("EVENTS_STALL_AFTER", 20)

	v.SetDefault("OWNERSHIP_CACHE_SIZE", 4096)
	v.SetDefault("OWNERSHIP_CACHE_TTL", "1m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
