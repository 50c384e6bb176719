package config

import "time"

// Config is the complete configuration for the execution engine. Values come
// from struct defaults overridden by FLOPODS_-prefixed environment variables.
type Config struct {
	Server   ServerConfig   `koanf:"server"   validate:"required"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"    validate:"required"`
	Queue    QueueConfig    `koanf:"queue"    validate:"required"`
	SQS      SQSConfig      `koanf:"sqs"`
	LLM      LLMConfig      `koanf:"llm"`
	Runtime  RuntimeConfig  `koanf:"runtime"  validate:"required"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host        string        `koanf:"host"         validate:"required"        env:"SERVER_HOST"`
	Port        int           `koanf:"port"         validate:"min=1,max=65535" env:"SERVER_PORT"`
	Timeout     time.Duration `koanf:"timeout"                                 env:"SERVER_TIMEOUT"`
	CORSEnabled bool          `koanf:"cors_enabled"                            env:"SERVER_CORS_ENABLED"`
}

// DatabaseConfig contains the Postgres connection settings. When no
// connection string and no host are set the engine falls back to the
// in-memory execution store (development mode).
type DatabaseConfig struct {
	ConnString  string          `koanf:"conn_string"  env:"DB_CONN_STRING"`
	Host        string          `koanf:"host"         env:"DB_HOST"`
	Port        string          `koanf:"port"         env:"DB_PORT"`
	User        string          `koanf:"user"         env:"DB_USER"`
	Password    SensitiveString `koanf:"password"     env:"DB_PASSWORD"     sensitive:"true"`
	DBName      string          `koanf:"name"         env:"DB_NAME"`
	SSLMode     string          `koanf:"ssl_mode"     env:"DB_SSL_MODE"`
	AutoMigrate bool            `koanf:"auto_migrate" env:"DB_AUTO_MIGRATE"`
}

// Enabled reports whether a Postgres connection was configured at all.
func (d *DatabaseConfig) Enabled() bool {
	return d.ConnString != "" || d.Host != ""
}

// RedisConfig contains the Redis connection settings shared by the
// worker-pool queue, pub/sub and the lifecycle broadcaster.
type RedisConfig struct {
	URL      string          `koanf:"url"       env:"REDIS_URL"`
	Host     string          `koanf:"host"      env:"REDIS_HOST"`
	Port     string          `koanf:"port"      env:"REDIS_PORT"`
	Password SensitiveString `koanf:"password"  env:"REDIS_PASSWORD" sensitive:"true"`
	DB       int             `koanf:"db"        env:"REDIS_DB"`
	PoolSize int             `koanf:"pool_size" env:"REDIS_POOL_SIZE"`
}

// QueueConfig selects and tunes the queue backend.
type QueueConfig struct {
	Driver      string        `koanf:"driver"       validate:"oneof=redis sqs" env:"QUEUE_DRIVER"`
	Name        string        `koanf:"name"         validate:"required"        env:"QUEUE_NAME"`
	Concurrency int           `koanf:"concurrency"  validate:"min=1"           env:"QUEUE_CONCURRENCY"`
	MaxAttempts int           `koanf:"max_attempts" validate:"min=1"           env:"QUEUE_MAX_ATTEMPTS"`
	BackoffBase time.Duration `koanf:"backoff_base"                            env:"QUEUE_BACKOFF_BASE"`
}

// SQSConfig applies when the queue driver is "sqs".
type SQSConfig struct {
	QueueURL        string        `koanf:"queue_url"         env:"SQS_QUEUE_URL"`
	Region          string        `koanf:"region"            env:"SQS_REGION"`
	Endpoint        string        `koanf:"endpoint"          env:"SQS_ENDPOINT"`
	WaitTimeSeconds int32         `koanf:"wait_time_seconds" validate:"min=0,max=20" env:"SQS_WAIT_TIME_SECONDS"`
	ReceiveBackoff  time.Duration `koanf:"receive_backoff"   env:"SQS_RECEIVE_BACKOFF"`
}

// LLMConfig carries the default model settings applied when an execution
// request leaves them blank.
type LLMConfig struct {
	Provider    string          `koanf:"provider"    env:"LLM_PROVIDER"`
	Model       string          `koanf:"model"       env:"LLM_MODEL"`
	APIKey      SensitiveString `koanf:"api_key"     env:"LLM_API_KEY" sensitive:"true"`
	APIURL      string          `koanf:"api_url"     env:"LLM_API_URL"`
	Temperature float64         `koanf:"temperature" env:"LLM_TEMPERATURE"`
	MaxTokens   int             `koanf:"max_tokens"  env:"LLM_MAX_TOKENS"`
}

// RuntimeConfig contains runtime behavior configuration.
type RuntimeConfig struct {
	Environment string `koanf:"environment" validate:"oneof=development staging production" env:"RUNTIME_ENVIRONMENT"`
	LogLevel    string `koanf:"log_level"   validate:"oneof=debug info warn error"          env:"RUNTIME_LOG_LEVEL"`
}

// Default returns the built-in configuration every load starts from.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    5001,
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Port:    "5432",
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Queue: QueueConfig{
			Driver:      "redis",
			Name:        "pod-executions",
			Concurrency: 10,
			MaxAttempts: 3,
			BackoffBase: 2 * time.Second,
		},
		SQS: SQSConfig{
			Region:          "us-east-1",
			WaitTimeSeconds: 20,
			ReceiveBackoff:  time.Second,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
		},
		Runtime: RuntimeConfig{
			Environment: "development",
			LogLevel:    "info",
		},
	}
}
