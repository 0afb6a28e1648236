package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerAWS      = "aws"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	ServiceName string    `mapstructure:"service_name"`
	Env         string    `mapstructure:"env"`
	Port        string    `mapstructure:"port"`
	LogLevel    string    `mapstructure:"log_level"`
	Broker      Broker    `mapstructure:"broker"`
	RabbitMQ    RabbitMQ  `mapstructure:"rabbitmq"`
	AWS         AWS       `mapstructure:"aws"`
	Store       Store     `mapstructure:"store"`
	Database    Database  `mapstructure:"database"`
	Redis       Redis     `mapstructure:"redis"`
	Saga        Saga      `mapstructure:"saga"`
	Telemetry   Telemetry `mapstructure:"telemetry"`
}

type Broker struct {
	Driver string `mapstructure:"driver"`
}

type RabbitMQ struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	VirtualHost   string `mapstructure:"virtual_host"`
	PrefetchCount int    `mapstructure:"prefetch_count"`
	WorkerCount   int    `mapstructure:"worker_count"`

	UserCreatedExchange   string `mapstructure:"user_created_exchange"`
	UserCreatedQueue      string `mapstructure:"user_created_queue"`
	UserCreatedRoutingKey string `mapstructure:"user_created_routing_key"`

	UserCreationFailedExchange   string `mapstructure:"user_creation_failed_exchange"`
	UserCreationFailedQueue      string `mapstructure:"user_creation_failed_queue"`
	UserCreationFailedRoutingKey string `mapstructure:"user_creation_failed_routing_key"`

	EmailCommandExchange   string `mapstructure:"email_command_exchange"`
	EmailCommandQueue      string `mapstructure:"email_command_queue"`
	EmailCommandRoutingKey string `mapstructure:"email_command_routing_key"`

	DeadLetterExchange string `mapstructure:"dead_letter_exchange"`
}

type AWS struct {
	AccessKeyID                string `mapstructure:"access_key_id"`
	SecretAccessKey            string `mapstructure:"secret_access_key"`
	Region                     string `mapstructure:"region"`
	EndpointSNS                string `mapstructure:"endpoint_sns"`
	EndpointSQS                string `mapstructure:"endpoint_sqs"`
	SNSTopicArn                string `mapstructure:"sns_topic_arn"`
	UserCreatedQueueURL        string `mapstructure:"user_created_queue_url"`
	UserCreationFailedQueueURL string `mapstructure:"user_creation_failed_queue_url"`
	DeadLetterQueueURL         string `mapstructure:"dead_letter_queue_url"`
	Workers                    int32  `mapstructure:"workers"`
	Readers                    int32  `mapstructure:"readers"`
	VisibilityTimeout          int32  `mapstructure:"visibility_timeout"`
}

type Store struct {
	Driver string `mapstructure:"driver"`
}

type Database struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	URL      string `mapstructure:"url"`
}

type Redis struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Saga struct {
	EmitMaxAttempts     uint          `mapstructure:"emit_max_attempts"`
	EmitInitialInterval time.Duration `mapstructure:"emit_initial_interval"`
	EmitMaxInterval     time.Duration `mapstructure:"emit_max_interval"`
	EmitAttemptTimeout  time.Duration `mapstructure:"emit_attempt_timeout"`
	Retention           time.Duration `mapstructure:"retention"`
	PurgeInterval       time.Duration `mapstructure:"purge_interval"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// ReadConfig loads <ENVIRONMENT>.json from the config directory when present,
// then applies SAGA_* environment overrides (SAGA_RABBITMQ_HOST for rabbitmq.host)
func ReadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName(getConfigName())
	v.SetConfigType("json")
	if _, filename, _, ok := runtime.Caller(0); ok {
		v.AddConfigPath(filepath.Dir(filename))
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("SAGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// an empty SAGA_RABBITMQ_DEAD_LETTER_EXCHANGE disables dead-lettering
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaults(v *viper.Viper) {
	// Service defaults
	v.SetDefault("service_name", "user-mail-saga")
	v.SetDefault("env", "local")
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("broker.driver", BrokerRabbitMQ)
	v.SetDefault("store.driver", StoreMemory)

	// RabbitMQ defaults
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.username", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.virtual_host", "/")
	v.SetDefault("rabbitmq.prefetch_count", 10)
	v.SetDefault("rabbitmq.worker_count", 4)
	v.SetDefault("rabbitmq.user_created_exchange", "user.events")
	v.SetDefault("rabbitmq.user_created_queue", "user.created.queue")
	v.SetDefault("rabbitmq.user_created_routing_key", "user.created")
	v.SetDefault("rabbitmq.user_creation_failed_exchange", "user.events")
	v.SetDefault("rabbitmq.user_creation_failed_queue", "user.creation.failed.queue")
	v.SetDefault("rabbitmq.user_creation_failed_routing_key", "user.creation.failed")
	v.SetDefault("rabbitmq.email_command_exchange", "saga.commands")
	v.SetDefault("rabbitmq.email_command_queue", "email.command.queue")
	v.SetDefault("rabbitmq.email_command_routing_key", "saga.email.command")
	v.SetDefault("rabbitmq.dead_letter_exchange", "saga.dead-letter")

	// AWS defaults (LocalStack)
	v.SetDefault("aws.access_key_id", "test")
	v.SetDefault("aws.secret_access_key", "test")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint_sns", "http://localhost:4566")
	v.SetDefault("aws.endpoint_sqs", "http://localhost:4566")
	v.SetDefault("aws.sns_topic_arn", "arn:aws:sns:us-east-1:000000000000:saga-commands")
	v.SetDefault("aws.user_created_queue_url", "http://localhost:4566/000000000000/user-created")
	v.SetDefault("aws.user_creation_failed_queue_url", "http://localhost:4566/000000000000/user-creation-failed")
	v.SetDefault("aws.dead_letter_queue_url", "http://localhost:4566/000000000000/user-mail-saga-dead-letter")
	v.SetDefault("aws.workers", 4)
	v.SetDefault("aws.readers", 1)
	v.SetDefault("aws.visibility_timeout", 30)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.database", "user_mail_saga")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.url", os.Getenv("DATABASE_URL"))

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Saga defaults
	v.SetDefault("saga.emit_max_attempts", 3)
	v.SetDefault("saga.emit_initial_interval", 200*time.Millisecond)
	v.SetDefault("saga.emit_max_interval", 2*time.Second)
	v.SetDefault("saga.emit_attempt_timeout", 5*time.Second)
	v.SetDefault("saga.retention", 24*time.Hour)
	v.SetDefault("saga.purge_interval", 10*time.Minute)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
}

// Validate rejects unknown drivers and unusable settings
func (c *Config) Validate() error {
	switch c.Broker.Driver {
	case BrokerRabbitMQ, BrokerAWS:
	default:
		return errors.Errorf("unknown broker driver %q", c.Broker.Driver)
	}

	switch c.Store.Driver {
	case StoreMemory, StorePostgres, StoreRedis:
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.Saga.EmitMaxAttempts == 0 {
		return errors.New("saga.emit_max_attempts must be at least 1")
	}
	if c.Saga.EmitAttemptTimeout <= 0 {
		return errors.New("saga.emit_attempt_timeout must be positive")
	}
	if c.Saga.Retention > 0 && c.Saga.PurgeInterval <= 0 {
		return errors.New("saga.purge_interval must be positive when retention is enabled")
	}

	return nil
}

// GetDatabaseURL constructs database URL from config
func (c *Config) GetDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns host:port for the Redis client
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
