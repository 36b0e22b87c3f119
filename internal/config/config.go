package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Cache    CacheConfig
	DynamoDB DynamoDBConfig
	Redis    RedisConfig
	JWT      JWTConfig
	OTP      OTPConfig
	Phone    PhoneConfig
	Audit    AuditConfig
	Kafka    KafkaConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// CacheConfig selects the shared TTL cache backend: "redis" or "dynamodb".
type CacheConfig struct {
	Backend string
}

type DynamoDBConfig struct {
	Endpoint       string
	Region         string
	TableName      string
	CacheTableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type JWTConfig struct {
	SecretKey     string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

type OTPConfig struct {
	Length      int
	MinValue    int
	MaxValue    int
	Expiration  time.Duration
	MaxAttempts int
	Lockout     time.Duration
	HashCost    int
}

type PhoneConfig struct {
	DefaultCountryCode string
}

// AuditConfig controls the security audit sink. LogSensitiveData only changes
// what the sinks themselves record; service logs never carry phones or codes.
type AuditConfig struct {
	Enabled          bool
	LogSensitiveData bool
	KafkaTopic       string
}

type KafkaConfig struct {
	Brokers []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			Backend: strings.ToLower(getEnv("CACHE_BACKEND", "redis")),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:       getEnv("DYNAMODB_ENDPOINT", ""),
			Region:         getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName:      getEnv("DYNAMODB_TABLE_NAME", "QComTable"),
			CacheTableName: getEnv("DYNAMODB_CACHE_TABLE_NAME", "QComCache"),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", ""),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
		},
		OTP: OTPConfig{
			Length:      getEnvAsInt("OTP_LENGTH", 6),
			MinValue:    getEnvAsInt("OTP_MIN_VALUE", 100000),
			MaxValue:    getEnvAsInt("OTP_MAX_VALUE", 999999),
			Expiration:  time.Duration(getEnvAsInt("OTP_EXPIRATION_MINUTES", 5)) * time.Minute,
			MaxAttempts: getEnvAsInt("OTP_MAX_ATTEMPTS", 3),
			Lockout:     time.Duration(getEnvAsInt("OTP_LOCKOUT_MINUTES", 15)) * time.Minute,
			HashCost:    getEnvAsInt("OTP_HASH_COST", 10),
		},
		Phone: PhoneConfig{
			DefaultCountryCode: getEnv("PHONE_DEFAULT_COUNTRY_CODE", "506"),
		},
		Audit: AuditConfig{
			Enabled:          getEnvAsBool("AUDIT_ENABLED", true),
			LogSensitiveData: getEnvAsBool("AUDIT_LOG_SENSITIVE_DATA", false),
			KafkaTopic:       getEnv("AUDIT_KAFKA_TOPIC", "security.audit"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS"),
		},
	}

	if cfg.JWT.SecretKey == "" {
		return nil, fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(cfg.JWT.SecretKey) < 32 {
		return nil, fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	if cfg.Cache.Backend != "redis" && cfg.Cache.Backend != "dynamodb" {
		return nil, fmt.Errorf("CACHE_BACKEND must be redis or dynamodb, got %q", cfg.Cache.Backend)
	}

	if err := cfg.OTP.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the code range fits in Length digits and that the
// attempt budget and windows are usable.
func (c OTPConfig) Validate() error {
	if c.Length <= 0 || c.Length > 9 {
		return fmt.Errorf("OTP_LENGTH must be between 1 and 9, got %d", c.Length)
	}
	if c.MinValue < 0 || c.MaxValue < c.MinValue {
		return fmt.Errorf("OTP value range [%d, %d] is invalid", c.MinValue, c.MaxValue)
	}
	if float64(c.MaxValue) >= math.Pow10(c.Length) {
		return fmt.Errorf("OTP_MAX_VALUE %d does not fit in %d digits", c.MaxValue, c.Length)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be positive")
	}
	if c.Expiration <= 0 || c.Lockout <= 0 {
		return fmt.Errorf("OTP expiration and lockout windows must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
