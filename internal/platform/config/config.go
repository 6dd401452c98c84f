package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const Production = "production"

// Bus drivers accepted by BUS_DRIVER.
const (
	BusKafka    = "kafka"
	BusRabbitMQ = "rabbitmq"
	BusNoop     = "noop"
)

type Server struct {
	Addr            string        `env:"RELAY_ADDR" envDefault:":8080"`
	Environment     string        `env:"RELAY_ENV" envDefault:"development"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	AdminToken      string        `env:"ADMIN_API_TOKEN"`
	AutoMigrate     bool          `env:"AUTO_MIGRATE" envDefault:"true"`
}

type Database struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"1m"`
	TxTimeout       time.Duration `env:"DB_TX_TIMEOUT" envDefault:"5s"`
}

type Kafka struct {
	Brokers         string        `env:"KAFKA_BROKERS"`
	Acks            string        `env:"KAFKA_ACKS" envDefault:"all"`
	Retries         int           `env:"KAFKA_RETRIES" envDefault:"3"`
	DeliveryTimeout time.Duration `env:"KAFKA_DELIVERY_TIMEOUT" envDefault:"30s"`
	ConsumerGroup   string        `env:"KAFKA_CONSUMER_GROUP" envDefault:"relay-billing"`
	UsageTopic      string        `env:"KAFKA_USAGE_TOPIC" envDefault:"usage.limit_exceeded"`
	RetryBase       time.Duration `env:"KAFKA_CONSUMER_RETRY_BASE" envDefault:"500ms"`
	RetryMax        time.Duration `env:"KAFKA_CONSUMER_RETRY_MAX" envDefault:"30s"`
}

type RabbitMQ struct {
	URL      string `env:"RABBITMQ_URL"`
	Exchange string `env:"RABBITMQ_EXCHANGE" envDefault:"relay.events"`
}

type Redis struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
	AuditStream  string        `env:"REDIS_AUDIT_STREAM" envDefault:"audit:events"`
	AuditMaxLen  int64         `env:"REDIS_AUDIT_MAX_LEN" envDefault:"100000"`
}

type Outbox struct {
	Enabled        bool          `env:"OUTBOX_ENABLED" envDefault:"true"`
	PollInterval   time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"500ms"`
	BatchSize      int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	Lease          time.Duration `env:"OUTBOX_LEASE" envDefault:"1m"`
	MaxAttempts    int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"10"`
	BackoffBase    time.Duration `env:"OUTBOX_BACKOFF_BASE" envDefault:"1s"`
	BackoffMax     time.Duration `env:"OUTBOX_BACKOFF_MAX" envDefault:"5m"`
	PublishTimeout time.Duration `env:"OUTBOX_PUBLISH_TIMEOUT" envDefault:"5s"`
	ClaimTimeout   time.Duration `env:"OUTBOX_CLAIM_TIMEOUT" envDefault:"5s"`
	Ordering       string        `env:"OUTBOX_ORDERING" envDefault:"strict"`
	TopicPrefix    string        `env:"OUTBOX_TOPIC_PREFIX"`
	DrainOnStop    bool          `env:"OUTBOX_DRAIN_ON_STOP" envDefault:"true"`
}

type Audit struct {
	Async            bool          `env:"AUDIT_ASYNC" envDefault:"true"`
	Shards           int           `env:"AUDIT_SHARDS" envDefault:"4"`
	Buffer           int           `env:"AUDIT_BUFFER" envDefault:"1024"`
	SensitiveFields  []string      `env:"AUDIT_SENSITIVE_FIELDS" envSeparator:","`
	BreakerThreshold int           `env:"AUDIT_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"AUDIT_BREAKER_COOLDOWN" envDefault:"30s"`
	SinkTimeout      time.Duration `env:"AUDIT_SINK_TIMEOUT" envDefault:"5s"`
}

type OTel struct {
	Enabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	ServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"relay"`
	SampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// Config is the full process configuration.
type Config struct {
	Server    Server
	Database  Database
	BusDriver string `env:"BUS_DRIVER" envDefault:"noop"`
	Kafka     Kafka
	RabbitMQ  RabbitMQ
	Redis     Redis
	Outbox    Outbox
	Audit     Audit
	OTel      OTel
}

// Load reads .env and .env.local when present, then the process environment.
// Variables already set in the environment win over the files.
func Load() (*Config, error) {
	return LoadFiles(".env", ".env.local")
}

func LoadFiles(files ...string) (*Config, error) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == Production
}

// Validate checks the cross-field rules env tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.BusDriver {
	case BusKafka:
		if strings.TrimSpace(c.Kafka.Brokers) == "" {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when BUS_DRIVER=kafka"))
		}
	case BusRabbitMQ:
		if strings.TrimSpace(c.RabbitMQ.URL) == "" {
			errs = append(errs, errors.New("RABBITMQ_URL is required when BUS_DRIVER=rabbitmq"))
		}
	case BusNoop:
		if c.IsProduction() {
			errs = append(errs, errors.New("BUS_DRIVER=noop is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid BUS_DRIVER=%q (expected kafka|rabbitmq|noop)", c.BusDriver))
	}

	o := c.Outbox
	if o.BatchSize <= 0 || o.BatchSize > 1000 {
		errs = append(errs, fmt.Errorf("OUTBOX_BATCH_SIZE must be in 1..1000, got %d", o.BatchSize))
	}
	if o.MaxAttempts <= 0 {
		errs = append(errs, errors.New("OUTBOX_MAX_ATTEMPTS must be positive"))
	}
	if o.PollInterval <= 0 || o.PublishTimeout <= 0 || o.ClaimTimeout <= 0 {
		errs = append(errs, errors.New("outbox intervals and timeouts must be positive"))
	}
	if o.BackoffBase <= 0 || o.BackoffMax < o.BackoffBase {
		errs = append(errs, errors.New("OUTBOX_BACKOFF_MAX must be >= OUTBOX_BACKOFF_BASE > 0"))
	}
	// A lease shorter than a publish lets another dispatcher claim the row mid-flight.
	if o.Lease <= o.PublishTimeout {
		errs = append(errs, fmt.Errorf("OUTBOX_LEASE (%s) must exceed OUTBOX_PUBLISH_TIMEOUT (%s)", o.Lease, o.PublishTimeout))
	}
	if o.Ordering != "strict" && o.Ordering != "best_effort" {
		errs = append(errs, fmt.Errorf("invalid OUTBOX_ORDERING=%q (expected strict|best_effort)", o.Ordering))
	}

	if c.Audit.Async && (c.Audit.Shards <= 0 || c.Audit.Buffer <= 0) {
		errs = append(errs, errors.New("AUDIT_SHARDS and AUDIT_BUFFER must be positive when AUDIT_ASYNC=true"))
	}
	if c.OTel.SampleRatio < 0 || c.OTel.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATIO must be in [0,1], got %v", c.OTel.SampleRatio))
	}

	return errors.Join(errs...)
}
