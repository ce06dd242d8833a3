package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMisconfigured marks configuration that must stop the process at startup.
var ErrMisconfigured = errors.New("internal misconfiguration")

// Action classes understood by the rate limiter.
const (
	ActionLoginSend    = "login-send"
	ActionRegisterSend = "register-send"
	ActionVerify       = "verify-attempt"
	ActionResend       = "resend"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Scylla        ScyllaConfig        `mapstructure:"scylla"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Clickhouse    ClickhouseConfig    `mapstructure:"clickhouse"`
	KMS           KMSConfig           `mapstructure:"kms"`
	Hashing       HashingConfig       `mapstructure:"hashing"`
	Bucketing     BucketingConfig     `mapstructure:"bucketing"`
	RateLimits    RateLimitsConfig    `mapstructure:"rate_limits"`
	OTP           OTPConfig           `mapstructure:"otp"`
	Provider      ProviderConfig      `mapstructure:"provider"`
	Token         TokenConfig         `mapstructure:"token"`
	Audit         AuditConfig         `mapstructure:"audit"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	TLSPort      int           `mapstructure:"tls_port"`
	EnableTLS    bool          `mapstructure:"enable_tls"`
	AutoCert     bool          `mapstructure:"auto_cert"`
	Domain       string        `mapstructure:"domain"`
	CertFile     string        `mapstructure:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"`
	AutoCertDir  string        `mapstructure:"auto_cert_dir"`
	Email        string        `mapstructure:"email"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CorsOrigins  []string      `mapstructure:"cors_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects where sessions, rate limit entries, locks and
// local-provider code hashes live. "memory" is single process only.
type StorageConfig struct {
	Backend       string        `mapstructure:"backend"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	LockShards    int           `mapstructure:"lock_shards"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ScyllaConfig backs the user directory and the scylla audit sink. Disabled
// means users live in process memory.
type ScyllaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Nodes    []string `mapstructure:"nodes"`
	Keyspace string   `mapstructure:"keyspace"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	TLS      bool     `mapstructure:"tls"`
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	AuditTopic string   `mapstructure:"audit_topic"`
	TLS        bool     `mapstructure:"tls"`
}

type ElasticsearchConfig struct {
	URL        string `mapstructure:"url"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	AuditIndex string `mapstructure:"audit_index"`
}

type ClickhouseConfig struct {
	URL        string `mapstructure:"url"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Database   string `mapstructure:"database"`
	AuditTable string `mapstructure:"audit_table"`
}

// KMSConfig drives envelope encryption of the phone kept on a session.
// Without KMS, data keys are wrapped with LocalKey (base64, 32 bytes); an
// empty LocalKey means a per-process key, which is only fine for the memory
// backend.
type KMSConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	KeyID    string        `mapstructure:"key_id"`
	Region   string        `mapstructure:"region"`
	LocalKey string        `mapstructure:"local_key"`
	DEKTTL   time.Duration `mapstructure:"dek_ttl"`
}

type HashingConfig struct {
	PhoneSalt          string `mapstructure:"phone_salt"`
	Pepper             string `mapstructure:"pepper"`
	Argon2MemoryCost   int    `mapstructure:"argon2_memory_cost"`
	Argon2TimeCost     int    `mapstructure:"argon2_time_cost"`
	Argon2Parallelism  int    `mapstructure:"argon2_parallelism"`
	PepperRotationDays int    `mapstructure:"pepper_rotation_days"`
}

type BucketingConfig struct {
	UserBuckets  int `mapstructure:"user_buckets"`
	EventBuckets int `mapstructure:"event_buckets"`
}

// RateLimitPolicy is a fixed window of Limit requests per Window. Exceeding
// it blocks the key for Block.
type RateLimitPolicy struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
	Block  time.Duration `mapstructure:"block"`
}

type RateLimitsConfig struct {
	LoginSend    RateLimitPolicy `mapstructure:"login_send"`
	RegisterSend RateLimitPolicy `mapstructure:"register_send"`
	Verify       RateLimitPolicy `mapstructure:"verify_attempt"`
	Resend       RateLimitPolicy `mapstructure:"resend"`
}

// Policies returns the per-action table keyed by action class.
func (r RateLimitsConfig) Policies() map[string]RateLimitPolicy {
	return map[string]RateLimitPolicy{
		ActionLoginSend:    r.LoginSend,
		ActionRegisterSend: r.RegisterSend,
		ActionVerify:       r.Verify,
		ActionResend:       r.Resend,
	}
}

type OTPConfig struct {
	CodeLength  int           `mapstructure:"code_length"`
	SessionTTL  time.Duration `mapstructure:"session_ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	// Retention keeps finished sessions readable after expiry so late
	// submissions get a terminal answer instead of not-found.
	Retention   time.Duration `mapstructure:"retention"`
}

type ProviderConfig struct {
	Kind        string        `mapstructure:"kind"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	Twilio      TwilioConfig  `mapstructure:"twilio"`
	SMS         SMSConfig     `mapstructure:"sms"`
}

type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	ServiceSID string `mapstructure:"service_sid"`
	BaseURL    string `mapstructure:"base_url"`
}

// SMSConfig configures the text gateway used by the local provider. An empty
// GatewayURL logs messages instead of sending them (development only).
type SMSConfig struct {
	GatewayURL string `mapstructure:"gateway_url"`
	APIKey     string `mapstructure:"api_key"`
	SenderID   string `mapstructure:"sender_id"`
}

type TokenConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	Expiry     time.Duration `mapstructure:"expiry"`
	Issuer     string        `mapstructure:"issuer"`
}

type AuditConfig struct {
	Sinks      []string      `mapstructure:"sinks"`
	BufferSize int           `mapstructure:"buffer_size"`
	BatchSize  int           `mapstructure:"batch_size"`
	RetryBase  time.Duration `mapstructure:"retry_base"`
	RetryMax   time.Duration `mapstructure:"retry_max"`
}

// LoadConfig reads .env (if present) and the environment over defaults.
// Nested keys map to upper-case env vars with underscores, e.g.
// RATE_LIMITS_LOGIN_SEND_LIMIT or TOKEN_SIGNING_KEY.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls_port", 8443)
	v.SetDefault("server.enable_tls", false)
	v.SetDefault("server.auto_cert", false)
	v.SetDefault("server.domain", "localhost")
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")
	v.SetDefault("server.auto_cert_dir", "./certs")
	v.SetDefault("server.email", "")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.cors_origins", []string{"https://*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.sweep_interval", time.Minute)
	v.SetDefault("storage.lock_ttl", 45*time.Second)
	v.SetDefault("storage.lock_shards", 64)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)

	v.SetDefault("scylla.enabled", false)
	v.SetDefault("scylla.nodes", []string{"127.0.0.1"})
	v.SetDefault("scylla.keyspace", "otp_auth")
	v.SetDefault("scylla.username", "")
	v.SetDefault("scylla.password", "")
	v.SetDefault("scylla.tls", false)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.audit_topic", "otp.audit")
	v.SetDefault("kafka.tls", false)

	v.SetDefault("elasticsearch.url", "http://localhost:9200")
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.audit_index", "otp-audit")

	v.SetDefault("clickhouse.url", "localhost:9000")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("clickhouse.database", "otp_auth")
	v.SetDefault("clickhouse.audit_table", "auth_events")

	v.SetDefault("kms.enabled", false)
	v.SetDefault("kms.key_id", "")
	v.SetDefault("kms.region", "us-east-1")
	v.SetDefault("kms.local_key", "")
	v.SetDefault("kms.dek_ttl", time.Hour)

	v.SetDefault("hashing.phone_salt", "")
	v.SetDefault("hashing.pepper", "")
	v.SetDefault("hashing.argon2_memory_cost", 64*1024)
	v.SetDefault("hashing.argon2_time_cost", 1)
	v.SetDefault("hashing.argon2_parallelism", 2)
	v.SetDefault("hashing.pepper_rotation_days", 30)

	v.SetDefault("bucketing.user_buckets", 256)
	v.SetDefault("bucketing.event_buckets", 64)

	v.SetDefault("rate_limits.login_send.limit", 3)
	v.SetDefault("rate_limits.login_send.window", time.Hour)
	v.SetDefault("rate_limits.login_send.block", time.Hour)
	v.SetDefault("rate_limits.register_send.limit", 2)
	v.SetDefault("rate_limits.register_send.window", time.Hour)
	v.SetDefault("rate_limits.register_send.block", time.Hour)
	v.SetDefault("rate_limits.verify_attempt.limit", 5)
	v.SetDefault("rate_limits.verify_attempt.window", time.Hour)
	v.SetDefault("rate_limits.verify_attempt.block", time.Hour)
	v.SetDefault("rate_limits.resend.limit", 2)
	v.SetDefault("rate_limits.resend.window", time.Hour)
	v.SetDefault("rate_limits.resend.block", time.Hour)

	v.SetDefault("otp.code_length", 6)
	v.SetDefault("otp.session_ttl", 10*time.Minute)
	v.SetDefault("otp.max_attempts", 5)
	v.SetDefault("otp.retention", time.Hour)

	v.SetDefault("provider.kind", "local")
	v.SetDefault("provider.timeout", 15*time.Second)
	v.SetDefault("provider.max_retries", 2)
	v.SetDefault("provider.backoff_base", 250*time.Millisecond)
	v.SetDefault("provider.backoff_max", 2*time.Second)
	v.SetDefault("provider.twilio.account_sid", "")
	v.SetDefault("provider.twilio.auth_token", "")
	v.SetDefault("provider.twilio.service_sid", "")
	v.SetDefault("provider.twilio.base_url", "https://verify.twilio.com")
	v.SetDefault("provider.sms.gateway_url", "")
	v.SetDefault("provider.sms.api_key", "")
	v.SetDefault("provider.sms.sender_id", "OTPAUTH")

	v.SetDefault("token.signing_key", "")
	v.SetDefault("token.expiry", time.Hour)
	v.SetDefault("token.issuer", "otp-auth")

	v.SetDefault("audit.sinks", []string{"log"})
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.retry_base", 200*time.Millisecond)
	v.SetDefault("audit.retry_max", 10*time.Second)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if len(c.Token.SigningKey) < 32 {
		return fmt.Errorf("%w: token.signing_key must be at least 32 bytes", ErrMisconfigured)
	}
	if c.Token.Expiry <= 0 {
		return fmt.Errorf("%w: token.expiry must be positive", ErrMisconfigured)
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return fmt.Errorf("%w: otp.code_length out of range", ErrMisconfigured)
	}
	if c.OTP.SessionTTL <= 0 || c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("%w: otp.session_ttl and otp.max_attempts must be positive", ErrMisconfigured)
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("%w: kms.key_id is required when kms is enabled", ErrMisconfigured)
	}
	if c.Provider.Timeout <= 0 || c.Provider.MaxRetries < 0 {
		return fmt.Errorf("%w: provider timeout/retries invalid", ErrMisconfigured)
	}
	for action, p := range c.RateLimits.Policies() {
		if p.Limit <= 0 || p.Window <= 0 {
			return fmt.Errorf("%w: rate limit %s needs positive limit and window", ErrMisconfigured, action)
		}
	}
	switch c.Storage.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrMisconfigured, c.Storage.Backend)
	}
	switch c.Provider.Kind {
	case "local":
	case "twilio":
		t := c.Provider.Twilio
		if t.AccountSID == "" || t.AuthToken == "" || t.ServiceSID == "" {
			return fmt.Errorf("%w: twilio provider needs account_sid, auth_token and service_sid", ErrMisconfigured)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrMisconfigured, c.Provider.Kind)
	}
	for _, sink := range c.Audit.Sinks {
		switch sink {
		case "log", "kafka", "clickhouse", "elasticsearch":
		case "scylla":
			if !c.Scylla.Enabled {
				return fmt.Errorf("%w: scylla audit sink needs scylla.enabled", ErrMisconfigured)
			}
		default:
			return fmt.Errorf("%w: unknown audit sink %q", ErrMisconfigured, sink)
		}
	}
	if c.IsProduction() {
		if c.Hashing.PhoneSalt == "" {
			return fmt.Errorf("%w: hashing.phone_salt is required in production", ErrMisconfigured)
		}
		if !c.KMS.Enabled && c.KMS.LocalKey == "" {
			return fmt.Errorf("%w: kms.enabled or kms.local_key is required in production", ErrMisconfigured)
		}
		if c.Storage.Backend == "memory" {
			return fmt.Errorf("%w: memory storage is single-process only", ErrMisconfigured)
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
