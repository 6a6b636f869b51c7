package config

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	RenewalReset  = "reset"
	RenewalExtend = "extend"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

func (d Database) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type Server struct {
	Port      string `mapstructure:"port"`
	BodyLimit int    `mapstructure:"body-limit"`
}

type Provider struct {
	BaseURL             string  `mapstructure:"base-url"`
	APIKey              string  `mapstructure:"api-key"`
	TimeoutMs           int     `mapstructure:"timeout-ms"`
	ConnectTimeoutMs    int     `mapstructure:"connect-timeout-ms"`
	MaxAttempts         int     `mapstructure:"max-attempts"`
	BackoffBaseMs       int     `mapstructure:"backoff-base-ms"`
	Jitter              float64 `mapstructure:"jitter"`
	QRAttempts          int     `mapstructure:"qr-attempts"`
	QRIntervalMs        int     `mapstructure:"qr-interval-ms"`
	FallbackEmailDomain string  `mapstructure:"fallback-email-domain"`
	DueDateLocation     string  `mapstructure:"due-date-location"`
}

type Webhook struct {
	Token       string `mapstructure:"token"`
	TokenHeader string `mapstructure:"token-header"`
	// ProcessingLeaseMs is how long a delivery may hold an event in
	// processing before a redelivery can take it over.
	ProcessingLeaseMs int `mapstructure:"processing-lease-ms"`
}

type Auth struct {
	APIKeys     []string `mapstructure:"api-keys"`
	Superadmins []string `mapstructure:"superadmins"`
}

// RateLimit values are requests per minute.
type RateLimit struct {
	Create  int `mapstructure:"create"`
	Webhook int `mapstructure:"webhook"`
	Verify  int `mapstructure:"verify"`
	Status  int `mapstructure:"status"`
}

type Redis struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r Redis) Enabled() bool {
	return r.Host != ""
}

type PlanCache struct {
	TTLMs int `mapstructure:"ttl-ms"`
}

type Subscription struct {
	UnclaimedTenantID string `mapstructure:"unclaimed-tenant-id"`
	RenewalPolicy     string `mapstructure:"renewal-policy"`
}

type Reconcile struct {
	Enabled      bool `mapstructure:"enabled"`
	IntervalMs   int  `mapstructure:"interval-ms"`
	StaleAfterMs int  `mapstructure:"stale-after-ms"`
	BatchSize    int  `mapstructure:"batch-size"`
	Workers      int  `mapstructure:"workers"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	SubscriptionEvents string `mapstructure:"subscription-events"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
}

type Outbox struct {
	PollingIntervalMs  int `mapstructure:"polling-interval-ms"`
	FetchSize          int `mapstructure:"fetch-size"`
	RescheduleDelayMs  int `mapstructure:"reschedule-delay-ms"`
	MaxPublishAttempts int `mapstructure:"max-publish-attempts"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Database     Database     `mapstructure:"database"`
	Server       Server       `mapstructure:"server"`
	Provider     Provider     `mapstructure:"provider"`
	Webhook      Webhook      `mapstructure:"webhook"`
	Auth         Auth         `mapstructure:"auth"`
	RateLimit    RateLimit    `mapstructure:"rate-limit"`
	Redis        Redis        `mapstructure:"redis"`
	PlanCache    PlanCache    `mapstructure:"plan-cache"`
	Subscription Subscription `mapstructure:"subscription"`
	Reconcile    Reconcile    `mapstructure:"reconcile"`
	Kafka        Kafka        `mapstructure:"kafka"`
	Outbox       Outbox       `mapstructure:"outbox"`
	Metrics      Metrics      `mapstructure:"metrics"`
	Logs         Logs         `mapstructure:"logs"`
}

// keys without a meaningful default are registered empty so AutomaticEnv can
// still bind them on Unmarshal
var envOnlyKeys = []string{
	"database.user", "database.password", "database.name", "database.host", "database.port", "database.ssl-mode",
	"provider.base-url", "provider.api-key",
	"webhook.token",
	"redis.host", "redis.password", "redis.db",
	"kafka.broker.url",
	"metrics.url", "metrics.common-labels",
	"logs.url",
}

func setDefaults(v *viper.Viper) {
	for _, key := range envOnlyKeys {
		v.SetDefault(key, "")
	}
	v.SetDefault("auth.api-keys", []string{})
	v.SetDefault("auth.superadmins", []string{})

	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl-mode", "disable")
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.body-limit", 1<<20)

	v.SetDefault("provider.timeout-ms", 15_000)
	v.SetDefault("provider.connect-timeout-ms", 5_000)
	v.SetDefault("provider.max-attempts", 3)
	v.SetDefault("provider.backoff-base-ms", 500)
	v.SetDefault("provider.jitter", 0.2)
	v.SetDefault("provider.qr-attempts", 3)
	v.SetDefault("provider.qr-interval-ms", 1_000)
	v.SetDefault("provider.fallback-email-domain", "users.noreply.local")
	v.SetDefault("provider.due-date-location", "America/Sao_Paulo")

	v.SetDefault("webhook.token-header", "asaas-access-token")
	v.SetDefault("webhook.processing-lease-ms", 60_000)

	v.SetDefault("rate-limit.create", 5)
	v.SetDefault("rate-limit.webhook", 120)
	v.SetDefault("rate-limit.verify", 10)
	v.SetDefault("rate-limit.status", 30)

	v.SetDefault("redis.port", 6379)
	v.SetDefault("plan-cache.ttl-ms", 300_000)

	v.SetDefault("subscription.unclaimed-tenant-id", "unclaimed")
	v.SetDefault("subscription.renewal-policy", RenewalReset)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval-ms", 300_000)
	v.SetDefault("reconcile.stale-after-ms", 120_000)
	v.SetDefault("reconcile.batch-size", 50)
	v.SetDefault("reconcile.workers", 5)

	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)
	v.SetDefault("kafka.topic.subscription-events", "subscription-events")

	v.SetDefault("outbox.polling-interval-ms", 500)
	v.SetDefault("outbox.fetch-size", 200)
	v.SetDefault("outbox.reschedule-delay-ms", 10_000)
	v.SetDefault("outbox.max-publish-attempts", 3)

	v.SetDefault("metrics.interval-ms", 10_000)
}

// LoadConfig reads config.yaml from path. A .env file in the working
// directory is loaded first, and environment variables override file values
// (provider.api-key -> PROVIDER_API_KEY).
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// viper does not split env-provided lists
	config.Auth.APIKeys = splitList(config.Auth.APIKeys)
	config.Auth.Superadmins = splitList(config.Auth.Superadmins)

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	return config
}

func (c *Config) Validate() error {
	var errs []error

	if c.Database.Host == "" || c.Database.Name == "" {
		errs = append(errs, errors.New("database.host and database.name are required"))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.base-url is required"))
	}
	if c.Provider.APIKey == "" {
		errs = append(errs, errors.New("provider.api-key is required"))
	}
	if c.Webhook.Token == "" {
		errs = append(errs, errors.New("webhook.token is required"))
	}
	if c.Webhook.ProcessingLeaseMs <= 0 {
		errs = append(errs, errors.New("webhook.processing-lease-ms must be positive"))
	}
	if len(c.Auth.APIKeys) == 0 {
		errs = append(errs, errors.New("auth.api-keys must not be empty"))
	}
	switch c.Subscription.RenewalPolicy {
	case RenewalReset, RenewalExtend:
	default:
		errs = append(errs, fmt.Errorf("subscription.renewal-policy %q is not one of %q, %q",
			c.Subscription.RenewalPolicy, RenewalReset, RenewalExtend))
	}

	return errors.Join(errs...)
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
