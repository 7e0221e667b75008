package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"session-service/internal/bucketing"
	"session-service/internal/client"
	"session-service/internal/config"
	"session-service/internal/encryption"
	"session-service/internal/hashing"
	"session-service/internal/pubsub"
	"session-service/internal/repository/clickhouse"
	redisrepo "session-service/internal/repository/redis"
	"session-service/internal/repository/scylla"
	"session-service/internal/service"
	"session-service/internal/tls"
	"session-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Repositories
	sessionRepository scylla.SessionRepository
	attemptRepository scylla.LoginAttemptRepository
	mfaRepository     scylla.MFARepository
	auditRepository   clickhouse.AuditRepository
	tokenCache        *redisrepo.TokenCache

	// Services
	auditService      service.AuditService
	classifierService service.ClassifierService
	sessionService    service.SessionService
	mfaService        service.MFAService
	presenceService   service.PresenceService
	sweeper           *service.Sweeper

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health
// checks. In development a degraded backend is a warning; in production it
// aborts startup.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if rc, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = rc
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if sc, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = sc
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka is an audit fan-out target only; the service degrades without it
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
	}

	// Elasticsearch
	if esc, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = esc
		util.Info("Elasticsearch client initialized and healthy")
	}

	// ClickHouse
	if chc, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chc
		util.Info("ClickHouse client initialized and healthy")
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("AWS config load failed, falling back to local data keys", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}
}

// ==============================
// Repositories
// ==============================

func (f *Factory) SessionRepository() scylla.SessionRepository {
	if f.sessionRepository == nil {
		f.sessionRepository = scylla.NewSessionRepository(f.scyllaClient, util.Get())
	}
	return f.sessionRepository
}

func (f *Factory) LoginAttemptRepository() scylla.LoginAttemptRepository {
	if f.attemptRepository == nil {
		f.attemptRepository = scylla.NewLoginAttemptRepository(f.scyllaClient, util.Get())
	}
	return f.attemptRepository
}

func (f *Factory) MFARepository() scylla.MFARepository {
	if f.mfaRepository == nil {
		f.mfaRepository = scylla.NewMFARepository(f.scyllaClient, util.Get())
	}
	return f.mfaRepository
}

func (f *Factory) AuditRepository() clickhouse.AuditRepository {
	if f.auditRepository == nil {
		f.auditRepository = clickhouse.NewAuditRepository(f.clickhouseClient, f.config, util.Get())
	}
	return f.auditRepository
}

func (f *Factory) TokenCache() *redisrepo.TokenCache {
	if f.tokenCache == nil {
		f.tokenCache = redisrepo.NewTokenCache(f.redisClient, f.config, util.Get())
	}
	return f.tokenCache
}

// ==============================
// Services
// ==============================

func (f *Factory) AuditService() service.AuditService {
	if f.auditService == nil {
		f.auditService = service.NewAuditService(
			f.AuditRepository(),
			f.kafkaProducer,
			f.esClient,
			f.bucketingManager,
			f.config,
			util.Get(),
		)
	}
	return f.auditService
}

func (f *Factory) ClassifierService() service.ClassifierService {
	if f.classifierService == nil {
		f.classifierService = service.NewClassifierService(
			f.LoginAttemptRepository(),
			f.SessionService(),
			f.AuditService(),
			f.config,
			util.Get(),
		)
	}
	return f.classifierService
}

func (f *Factory) SessionService() service.SessionService {
	if f.sessionService == nil {
		f.sessionService = service.NewSessionService(
			f.SessionRepository(),
			f.TokenCache(),
			f.encryptionManager,
			f.bucketingManager,
			f.AuditService(),
			f.config,
			util.Get(),
		)
	}
	return f.sessionService
}

func (f *Factory) MFAService() service.MFAService {
	if f.mfaService == nil {
		f.mfaService = service.NewMFAService(
			f.MFARepository(),
			f.hasher,
			f.bucketingManager,
			f.AuditService(),
			f.config,
			util.Get(),
		)
	}
	return f.mfaService
}

func (f *Factory) PresenceService() service.PresenceService {
	if f.presenceService == nil {
		f.presenceService = service.NewPresenceService(
			pubsub.NewRedisBus(f.redisClient),
			f.config,
			util.Get(),
		)
	}
	return f.presenceService
}

func (f *Factory) Sweeper() *service.Sweeper {
	if f.sweeper == nil {
		f.sweeper = service.NewSweeper(f.SessionService(), f.config, util.Get())
	}
	return f.sweeper
}

// ==============================
// Health Checks
// ==============================

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
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	} else {
		healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Kafka is a degradable fan-out target, not a liveness requirement
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

// ==============================
// Lifecycle
// ==============================

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.presenceService != nil {
			if err := f.presenceService.Close(); err != nil {
				util.Error("Failed to close presence service", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
