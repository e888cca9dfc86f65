package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"identity-service/internal/blindindex"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/events"
	"identity-service/internal/hashing"
	"identity-service/internal/ratelimit"
	"identity-service/internal/repository"
	"identity-service/internal/repository/memory"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/sender"
	"identity-service/internal/service"
	"identity-service/internal/tls"
	"identity-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	hasher           *hashing.Hasher
	phoneCipher      *encryption.PhoneCipher
	indexer          *blindindex.Indexer
	bucketingManager *bucketing.BucketingManager
	limiter          *ratelimit.Limiter
	emitter          events.Emitter
	phoneSender      sender.Sender
	emailSender      sender.Sender

	store        repository.IdentityStore
	verification *service.VerificationService
	deletion     *service.DeletionService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes every dependency. In
// production any client failure is fatal; in development the factory
// degrades (memory store, no event sinks) so the service can run
// against a partial stack.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(&cfg.Server)
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	f.initializeManagers()
	f.initializeServices()

	util.Info("factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled),
	)

	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis backs the issuance rate limiter, which fails closed. A dead
	// Redis means no codes go out, so treat it like a critical client.
	if redisClient, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("redis client initialized and healthy")
		}
	}

	if scyllaClient, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("scylla client initialized and healthy")
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("kafka producer initialization failed, proceeding without kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("kafka producer initialized")
		}
	}

	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config); err != nil {
			util.Warn("clickhouse initialization failed, proceeding without audit sink", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				util.Warn("clickhouse health check failed", util.ErrorField(err))
			} else {
				util.Info("clickhouse client initialized and healthy")
			}
		}
	}

	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("kms: %w", err))
		} else {
			f.kmsClient = kms.NewFromConfig(awsCfg)
			util.Info("kms client initialized", util.String("region", f.config.KMS.Region))
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical client initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("client initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)
	f.phoneCipher = encryption.NewPhoneCipher(f.config, f.kmsClient)
	f.indexer = blindindex.NewIndexer([]byte(f.config.Keys.BlindIndexKey))
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	if f.redisClient != nil {
		f.limiter = ratelimit.NewLimiter(f.redisClient, f.config)
	} else {
		util.Warn("redis unavailable, code issuance is disabled")
	}

	if f.kafkaProducer != nil || f.clickhouseClient != nil {
		f.emitter = events.NewPublisher(f.config, f.kafkaProducer, f.clickhouseClient)
	} else {
		f.emitter = events.NopEmitter{}
	}

	if f.config.Sender.WhatsAppURL != "" {
		f.phoneSender = sender.NewWhatsAppSender(f.config)
	}
	if f.config.Sender.SMTPAddr != "" {
		f.emailSender = sender.NewSMTPSender(f.config)
	}
	if f.phoneSender == nil && f.emailSender == nil {
		util.Warn("no code sender configured, verification delivery will fail")
	}
}

func (f *Factory) initializeServices() {
	if f.scyllaClient != nil {
		f.store = scylla.NewIdentityStore(f.scyllaClient, f.bucketingManager)
	} else {
		// Development fallback. Everything is lost on restart.
		util.Warn("scylla unavailable, using in-memory identity store")
		f.store = memory.NewIdentityStore()
	}

	f.verification = service.NewVerificationService(
		f.store,
		f.limiter,
		f.indexer,
		f.phoneCipher,
		f.hasher,
		f.emitter,
		f.phoneSender,
		f.emailSender,
		f.config,
	)
	f.deletion = service.NewDeletionService(f.store, f.emitter, f.config)
}

// HealthCheck reports per-dependency status for the readiness probe.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	} else if f.config.IsProduction() {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Event sinks are best effort and never gate readiness.
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("shutting down factory")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("failed to close clickhouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("failed to close kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("failed to close redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) VerificationService() *service.VerificationService {
	return f.verification
}

func (f *Factory) DeletionService() *service.DeletionService {
	return f.deletion
}
