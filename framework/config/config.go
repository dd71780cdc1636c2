package config

import (
	"fmt"
	"strings"

	"github.com/akriventsev/sagaflow/framework/adapters/messagebus"
	"github.com/akriventsev/sagaflow/framework/coordinator"
	"github.com/akriventsev/sagaflow/framework/core"
	"github.com/akriventsev/sagaflow/framework/engine"
	"github.com/akriventsev/sagaflow/framework/invoke"
	"github.com/akriventsev/sagaflow/framework/logging"
	"github.com/akriventsev/sagaflow/framework/metrics"
	"github.com/akriventsev/sagaflow/framework/observability"
	"github.com/akriventsev/sagaflow/framework/saga"
	"github.com/akriventsev/sagaflow/framework/workerpool"
)

// Типы хранилища саг
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreRedis    = "redis"
)

// BusConfig выбор брокера для событий саг
type BusConfig struct {
	Type     string // nats, kafka, redis, inmemory
	NATS     messagebus.NATSConfig
	Kafka    messagebus.KafkaConfig
	Redis    messagebus.RedisConfig
	InMemory messagebus.InMemoryConfig
}

// Settings возвращает конфигурацию выбранного адаптера для messagebus.Factory
func (b BusConfig) Settings() interface{} {
	switch b.Type {
	case "nats":
		return b.NATS
	case "kafka":
		return b.Kafka
	case "redis":
		return b.Redis
	default:
		return b.InMemory
	}
}

// Topic имя топика событий выбранного брокера
func (b BusConfig) Topic() string {
	switch b.Type {
	case "nats":
		return b.NATS.Topic
	case "kafka":
		return b.Kafka.Topic
	case "redis":
		return b.Redis.StreamName
	default:
		return ""
	}
}

// StoreConfig выбор хранилища саг
type StoreConfig struct {
	Type          string
	PostgresDSN   string
	AutoMigrate   bool // применить встроенные миграции при старте (postgres)
	Mongo         saga.MongoConfig
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// ServerConfig ops HTTP сервер
type ServerConfig struct {
	Addr    string
	Enabled bool
}

// Config полная конфигурация saga-coordinator
type Config struct {
	Coordinator coordinator.Config
	Engine      engine.Config
	Invoker     invoke.Config
	WorkerPool  workerpool.Config
	Bus         BusConfig
	Store       StoreConfig
	Metrics     metrics.MetricsConfig
	Tracing     observability.TracingConfig
	Debug       observability.DebugConfig
	Server      ServerConfig
	Log         logging.Config
}

// Load читает конфигурацию из переменных окружения SAGA_*
func Load() (Config, error) {
	cd := coordinator.DefaultConfig()
	ed := engine.DefaultConfig()
	id := invoke.DefaultConfig()
	wd := workerpool.DefaultConfig()
	td := observability.DefaultTracingConfig()
	dd := observability.DefaultDebugConfig()
	nd := messagebus.DefaultNATSConfig()
	kd := messagebus.DefaultKafkaConfig()
	rd := messagebus.DefaultRedisConfig()

	policy, err := workerpool.ParsePolicy(GetEnv("SAGA_POOL_POLICY", wd.Policy.String()))
	if err != nil {
		return Config{}, core.Wrap(err, core.ErrInvalidConfig, "SAGA_POOL_POLICY")
	}

	retryInterval := GetEnvDuration("SAGA_RETRY_INTERVAL", cd.RetryInterval)

	cfg := Config{
		Coordinator: coordinator.Config{
			DefaultTimeout:           GetEnvDuration("SAGA_DEFAULT_TIMEOUT", cd.DefaultTimeout),
			MaxRetries:               GetEnvInt("SAGA_MAX_RETRIES", cd.MaxRetries),
			RetryInterval:            retryInterval,
			CompensationEnabled:      GetEnvBool("SAGA_COMPENSATION_ENABLED", cd.CompensationEnabled),
			CleanupInterval:          GetEnvDuration("SAGA_CLEANUP_INTERVAL", cd.CleanupInterval),
			RetentionPeriod:          GetEnvDuration("SAGA_RETENTION_PERIOD", cd.RetentionPeriod),
			MaxConcurrentSagas:       GetEnvInt("SAGA_MAX_CONCURRENT", cd.MaxConcurrentSagas),
			TimeoutCheckInterval:     GetEnvDuration("SAGA_TIMEOUT_CHECK_INTERVAL", cd.TimeoutCheckInterval),
			StepTimeoutCheckInterval: GetEnvDuration("SAGA_STEP_TIMEOUT_CHECK_INTERVAL", cd.StepTimeoutCheckInterval),
			OutcomeBuffer:            GetEnvInt("SAGA_OUTCOME_BUFFER", cd.OutcomeBuffer),
			EventBuffer:              GetEnvInt("SAGA_EVENT_BUFFER", cd.EventBuffer),
			PublishTimeout:           GetEnvDuration("SAGA_PUBLISH_TIMEOUT", cd.PublishTimeout),
		},
		Engine: engine.Config{
			StepTimeout:   GetEnvDuration("SAGA_STEP_TIMEOUT", ed.StepTimeout),
			RetryInterval: retryInterval,
			MaxRetryDelay: GetEnvDuration("SAGA_MAX_RETRY_DELAY", ed.MaxRetryDelay),
		},
		Invoker: invoke.Config{
			Services:         GetEnvMap("SAGA_SERVICES", id.Services),
			ConnectTimeout:   GetEnvDuration("SAGA_CONNECT_TIMEOUT", id.ConnectTimeout),
			ReadTimeout:      GetEnvDuration("SAGA_READ_TIMEOUT", id.ReadTimeout),
			FailureThreshold: uint32(GetEnvInt("SAGA_BREAKER_FAILURE_THRESHOLD", int(id.FailureThreshold))),
			RecoveryTime:     GetEnvDuration("SAGA_BREAKER_RECOVERY_TIME", id.RecoveryTime),
			HealthPath:       GetEnv("SAGA_HEALTH_PATH", id.HealthPath),
		},
		WorkerPool: workerpool.Config{
			Size:          GetEnvInt("SAGA_POOL_SIZE", wd.Size),
			QueueCapacity: GetEnvInt("SAGA_POOL_QUEUE", wd.QueueCapacity),
			Policy:        policy,
			Name:          wd.Name,
		},
		Bus: BusConfig{
			Type: strings.ToLower(GetEnv("SAGA_BUS_TYPE", "inmemory")),
			NATS: messagebus.NATSConfig{
				URL:               GetEnv("SAGA_NATS_URL", nd.URL),
				Topic:             GetEnv("SAGA_EVENTS_TOPIC", nd.Topic),
				MaxReconnects:     GetEnvInt("SAGA_NATS_MAX_RECONNECTS", nd.MaxReconnects),
				ReconnectWait:     GetEnvDuration("SAGA_NATS_RECONNECT_WAIT", nd.ReconnectWait),
				DrainTimeout:      nd.DrainTimeout,
				ConnectionTimeout: nd.ConnectionTimeout,
				Token:             GetEnv("SAGA_NATS_TOKEN", ""),
				Username:          GetEnv("SAGA_NATS_USER", ""),
				Password:          GetEnv("SAGA_NATS_PASSWORD", ""),
			},
			Kafka: messagebus.KafkaConfig{
				Brokers:       GetEnvSlice("SAGA_KAFKA_BROKERS", kd.Brokers),
				Topic:         GetEnv("SAGA_EVENTS_TOPIC", kd.Topic),
				Compression:   GetEnv("SAGA_KAFKA_COMPRESSION", kd.Compression),
				BatchSize:     GetEnvInt("SAGA_KAFKA_BATCH_SIZE", kd.BatchSize),
				FlushInterval: kd.FlushInterval,
				RequiredAcks:  GetEnvInt("SAGA_KAFKA_REQUIRED_ACKS", kd.RequiredAcks),
				MaxAttempts:   kd.MaxAttempts,
				WriteTimeout:  kd.WriteTimeout,
			},
			Redis: messagebus.RedisConfig{
				Addr:         GetEnv("SAGA_REDIS_ADDR", rd.Addr),
				Password:     GetEnv("SAGA_REDIS_PASSWORD", ""),
				DB:           GetEnvInt("SAGA_REDIS_DB", rd.DB),
				PoolSize:     rd.PoolSize,
				MaxRetries:   rd.MaxRetries,
				StreamMaxLen: GetEnvInt64("SAGA_REDIS_STREAM_MAXLEN", rd.StreamMaxLen),
				StreamName:   GetEnv("SAGA_EVENTS_TOPIC", rd.StreamName),
			},
			InMemory: messagebus.DefaultInMemoryConfig(),
		},
		Store: StoreConfig{
			Type:        strings.ToLower(GetEnv("SAGA_STORE_TYPE", StoreMemory)),
			PostgresDSN: GetEnv("SAGA_DATABASE_URL", ""),
			AutoMigrate: GetEnvBool("SAGA_AUTO_MIGRATE", false),
			Mongo: saga.MongoConfig{
				URI:        GetEnv("SAGA_MONGO_URI", "mongodb://localhost:27017"),
				Database:   GetEnv("SAGA_MONGO_DATABASE", "sagaflow"),
				Collection: GetEnv("SAGA_MONGO_COLLECTION", "sagas"),
			},
			RedisAddr:     GetEnv("SAGA_REDIS_ADDR", rd.Addr),
			RedisPassword: GetEnv("SAGA_REDIS_PASSWORD", ""),
			RedisDB:       GetEnvInt("SAGA_REDIS_DB", rd.DB),
			RedisPrefix:   GetEnv("SAGA_REDIS_STORE_PREFIX", "saga"),
		},
		Metrics: metrics.MetricsConfig{
			ExporterType: GetEnv("SAGA_METRICS_EXPORTER", "prometheus"),
			ResourceAttrs: map[string]string{
				"service.name": GetEnv("SAGA_SERVICE_NAME", td.ServiceName),
			},
		},
		Tracing: observability.TracingConfig{
			Enabled:          GetEnvBool("SAGA_TRACING_ENABLED", td.Enabled),
			ServiceName:      GetEnv("SAGA_SERVICE_NAME", td.ServiceName),
			ServiceVersion:   GetEnv("SAGA_SERVICE_VERSION", td.ServiceVersion),
			Exporter:         GetEnv("SAGA_TRACING_EXPORTER", td.Exporter),
			ExporterEndpoint: GetEnv("SAGA_TRACING_ENDPOINT", td.ExporterEndpoint),
			SamplingRate:     td.SamplingRate,
			Environment:      GetEnv("SAGA_ENVIRONMENT", td.Environment),
		},
		Debug: observability.DebugConfig{
			EnablePprof:  GetEnvBool("SAGA_PPROF_ENABLED", dd.EnablePprof),
			PprofAddr:    GetEnv("SAGA_PPROF_ADDR", dd.PprofAddr),
			CheckTimeout: GetEnvDuration("SAGA_HEALTH_CHECK_TIMEOUT", dd.CheckTimeout),
		},
		Server: ServerConfig{
			Addr:    GetEnv("SAGA_HTTP_ADDR", ":8080"),
			Enabled: GetEnvBool("SAGA_HTTP_ENABLED", true),
		},
		Log: logging.Config{
			Level:       GetEnv("SAGA_LOG_LEVEL", "info"),
			Format:      GetEnv("SAGA_LOG_FORMAT", "json"),
			Development: GetEnvBool("SAGA_LOG_DEVELOPMENT", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет всю конфигурацию
func (c Config) Validate() error {
	if err := c.Coordinator.Validate(); err != nil {
		return err
	}
	if err := c.Invoker.Validate(); err != nil {
		return core.Wrap(err, core.ErrInvalidConfig, "invalid invoker config")
	}
	if c.WorkerPool.Size <= 0 {
		return core.NewError(core.ErrInvalidConfig, "worker pool size must be positive")
	}
	if c.WorkerPool.QueueCapacity < 0 {
		return core.NewError(core.ErrInvalidConfig, "worker pool queue capacity cannot be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return core.Wrap(err, core.ErrInvalidConfig, "invalid log level")
	}
	if err := messagebus.NewFactory().ValidateConfig(c.Bus.Type, c.Bus.Settings()); err != nil {
		return err
	}

	switch c.Store.Type {
	case StoreMemory:
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return core.NewError(core.ErrInvalidConfig, "SAGA_DATABASE_URL is required for postgres store")
		}
	case StoreMongo:
		if c.Store.Mongo.URI == "" || c.Store.Mongo.Database == "" || c.Store.Mongo.Collection == "" {
			return core.NewError(core.ErrInvalidConfig, "mongo store requires uri, database and collection")
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return core.NewError(core.ErrInvalidConfig, "SAGA_REDIS_ADDR is required for redis store")
		}
	default:
		return core.NewError(core.ErrInvalidConfig, fmt.Sprintf("unknown store type: %s", c.Store.Type))
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		return core.NewError(core.ErrInvalidConfig, "http address is required")
	}
	return nil
}
