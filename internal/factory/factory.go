package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"otp-auth/internal/audit"
	"otp-auth/internal/bucketing"
	"otp-auth/internal/client"
	"otp-auth/internal/config"
	"otp-auth/internal/encryption"
	"otp-auth/internal/hashing"
	"otp-auth/internal/lock"
	"otp-auth/internal/metrics"
	"otp-auth/internal/provider"
	"otp-auth/internal/ratelimit"
	"otp-auth/internal/repository/redis"
	"otp-auth/internal/repository/scylla"
	"otp-auth/internal/service"
	"otp-auth/internal/session"
	"otp-auth/internal/tls"
	"otp-auth/internal/token"
	"otp-auth/internal/util"
)

const (
	initTimeout       = 30 * time.Second
	auditDrainTimeout = 15 * time.Second
	providerTimeout   = 30 * time.Second
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	clock      util.Clock
	metrics    *metrics.Metrics
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	phoneHasher       *hashing.PhoneHasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	tokenIssuer       *token.Issuer

	auditLog       *audit.Log
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewFactoryWithConfig(cfg)
}

// NewFactoryWithConfig builds everything from an already loaded config.
func NewFactoryWithConfig(cfg *config.Config) (*Factory, error) {
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config:  cfg,
		clock:   util.SystemClock(),
		metrics: metrics.New(),
		closed:  make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tm, err := tls.NewTLSManager(cfg.Server, cfg.IsProduction())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TLS: %w", err)
		}
		f.tlsManager = tm
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := f.initializeServices(ctx); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage", cfg.Storage.Backend),
		util.String("provider", cfg.Provider.Kind),
		util.Any("audit_sinks", cfg.Audit.Sinks),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

func (f *Factory) auditSink(name string) bool {
	for _, s := range f.config.Audit.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// initializeClients connects only the backends the configuration uses. A
// configured backend that cannot be reached is fatal.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config

	if cfg.Storage.Backend == "redis" {
		c, err := client.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
	}

	if cfg.Scylla.Enabled {
		c, err := scylla.NewScyllaClient(cfg.Scylla)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("scylla health check: %w", err)
		}
	}

	if f.auditSink("kafka") {
		p, err := client.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		f.kafkaProducer = p
	}

	if f.auditSink("elasticsearch") {
		c, err := client.NewElasticsearchClient(cfg.Elasticsearch, !cfg.IsProduction(), nil)
		if err != nil {
			return fmt.Errorf("elasticsearch: %w", err)
		}
		f.esClient = c
	}

	if f.auditSink("clickhouse") {
		c, err := client.NewClickHouseClient(cfg.Clickhouse, cfg.IsProduction())
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		f.clickhouseClient = c
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("clickhouse health check: %w", err)
		}
	}
	return nil
}

// initializeManagers initializes hashing, encryption, bucketing and token managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	cfg := f.config

	phones, err := hashing.NewPhoneHasher(cfg.Hashing.PhoneSalt)
	if err != nil {
		return err
	}
	f.phoneHasher = phones
	f.hasher = hashing.NewHasher(cfg.Hashing)
	f.bucketingManager = bucketing.NewBucketingManager(cfg.Bucketing)

	var keyService encryption.KeyService
	if cfg.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		keyService = kms.NewFromConfig(awsCfg)
	}
	em, err := encryption.NewEncryptionManager(cfg.KMS, keyService)
	if err != nil {
		return err
	}
	f.encryptionManager = em

	issuer, err := token.NewIssuer(cfg.Token, f.clock)
	if err != nil {
		return err
	}
	f.tokenIssuer = issuer

	if cfg.IsProduction() && cfg.Provider.Kind == "local" {
		f.hasher.StartPepperRotation()
	}

	util.Info("Managers initialized successfully",
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Int("user_buckets", cfg.Bucketing.UserBuckets),
		util.Int("event_buckets", cfg.Bucketing.EventBuckets),
	)
	return nil
}

func (f *Factory) initializeServices(ctx context.Context) error {
	cfg := f.config
	bm := f.bucketingManager

	var (
		sessions session.Store
		limits   ratelimit.Store
		locks    lock.Locker
		codes    provider.CodeStore
	)
	if f.redisClient != nil {
		sessions = redis.NewSessionCache(f.redisClient, f.clock, cfg.OTP.Retention)
		limits = redis.NewRateLimitCache(f.redisClient, f.clock)
		locks = redis.NewLocker(f.redisClient, cfg.Storage.LockTTL)
		codes = redis.NewOTPCache(f.redisClient)
	} else {
		sessions = session.NewMemoryStore(cfg.Storage.LockShards, bm)
		limits = ratelimit.NewMemoryStore(cfg.Storage.LockShards, bm)
		locks = lock.NewKeyedMutex(cfg.Storage.LockShards, bm)
		codes = provider.NewMemoryCodeStore(f.clock)
	}

	p, err := f.buildProvider(codes)
	if err != nil {
		return err
	}

	sinks, err := f.buildSinks(ctx)
	if err != nil {
		return err
	}
	f.auditLog = audit.New(cfg.Audit, sinks, f.clock, f.metrics)

	var users service.UserDirectory
	if f.scyllaClient != nil {
		users = scylla.NewUserRepository(f.scyllaClient, bm)
	} else {
		users = service.NewMemoryDirectory(bm, f.clock)
	}

	deps := service.Dependencies{
		OTP:      cfg.OTP,
		Retry:    cfg.Provider,
		Phones:   f.phoneHasher,
		Limiter:  ratelimit.NewLimiter(limits, cfg.RateLimits.Policies(), f.clock, f.metrics),
		Sessions: sessions,
		Locks:    locks,
		Provider: p,
		Audit:    f.auditLog,
		Tokens:   f.tokenIssuer,
		Users:    users,
		Sealer:   f.encryptionManager,
		Clock:    f.clock,
		Metrics:  f.metrics,
	}
	f.serviceFactory = service.NewServiceFactory(deps, cfg.Storage.SweepInterval, util.Named("service"))
	return nil
}

func (f *Factory) buildProvider(codes provider.CodeStore) (provider.VerificationProvider, error) {
	cfg := f.config
	httpClient := &http.Client{Timeout: providerTimeout}

	switch cfg.Provider.Kind {
	case "twilio":
		t, err := provider.NewTwilioVerify(cfg.Provider.Twilio, httpClient)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "local":
		var sender provider.SMSSender
		if cfg.Provider.SMS.GatewayURL != "" {
			sender = provider.NewHTTPSender(cfg.Provider.SMS, httpClient)
		} else {
			if cfg.IsProduction() {
				return nil, fmt.Errorf("%w: local provider needs provider.sms.gateway_url in production", config.ErrMisconfigured)
			}
			util.Warn("No SMS gateway configured, codes are written to the log")
			sender = provider.NewLogSender()
		}
		return provider.NewLocal(cfg.OTP.CodeLength, cfg.OTP.SessionTTL, f.hasher, codes, sender), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", config.ErrMisconfigured, cfg.Provider.Kind)
	}
}

func (f *Factory) buildSinks(ctx context.Context) ([]audit.Sink, error) {
	cfg := f.config
	sinks := make([]audit.Sink, 0, len(cfg.Audit.Sinks))

	for _, name := range cfg.Audit.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewLogSink())
		case "kafka":
			sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer))
		case "elasticsearch":
			sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, cfg.Elasticsearch.AuditIndex))
		case "clickhouse":
			s, err := audit.NewClickHouseSink(ctx, f.clickhouseClient, cfg.Clickhouse.AuditTable)
			if err != nil {
				return nil, fmt.Errorf("clickhouse audit sink: %w", err)
			}
			sinks = append(sinks, s)
		case "scylla":
			sinks = append(sinks, scylla.NewAuthEventRepository(f.scyllaClient, f.bucketingManager))
		default:
			return nil, fmt.Errorf("%w: unknown audit sink %q", config.ErrMisconfigured, name)
		}
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("%w: at least one audit sink is required", config.ErrMisconfigured)
	}
	return sinks, nil
}

// ==============================
// Health Checks
// ==============================

// HealthCheck pings every connected backend. Backends the configuration does
// not use are absent from the result.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	return healthErrors
}

// IsHealthy ignores Kafka: audit events queue while it is down.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

// Close stops the sweeper, drains the audit log and releases clients.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.auditLog != nil {
			ctx, cancel := context.WithTimeout(context.Background(), auditDrainTimeout)
			if err := f.auditLog.Close(ctx); err != nil {
				util.Error("Audit log did not drain before deadline", util.ErrorField(err))
			} else {
				util.Info("Audit log drained")
			}
			cancel()
		}

		if f.hasher != nil {
			f.hasher.Stop()
		}
		f.closeClients()

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return nil
}

// closeClients releases connections. Kafka and ClickHouse are owned by their
// audit sinks once the audit log exists.
func (f *Factory) closeClients() {
	if f.auditLog == nil {
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}
	}

	if f.esClient != nil {
		f.esClient.Close()
		util.Info("Elasticsearch client closed")
	}

	if f.scyllaClient != nil {
		f.scyllaClient.Close()
		util.Info("ScyllaDB client closed")
	}

	if f.redisClient != nil {
		if err := f.redisClient.Close(); err != nil {
			util.Error("Failed to close Redis client", util.ErrorField(err))
		} else {
			util.Info("Redis client closed")
		}
	}
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}
