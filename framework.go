// Package framework собирает saga-coordinator из компонентов: хранилище саг,
// брокер событий, вызов сервисов, движок выполнения шагов, координатор,
// планировщик фоновых проверок и ops HTTP сервер.
//
// Пример использования:
//
//	rt, err := framework.Build(ctx, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Shutdown(ctx)
package framework

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/adapters/messagebus"
	"github.com/akriventsev/sagaflow/framework/adapters/transport"
	"github.com/akriventsev/sagaflow/framework/config"
	"github.com/akriventsev/sagaflow/framework/coordinator"
	"github.com/akriventsev/sagaflow/framework/core"
	"github.com/akriventsev/sagaflow/framework/engine"
	"github.com/akriventsev/sagaflow/framework/events"
	"github.com/akriventsev/sagaflow/framework/invoke"
	"github.com/akriventsev/sagaflow/framework/metrics"
	"github.com/akriventsev/sagaflow/framework/migrations"
	"github.com/akriventsev/sagaflow/framework/observability"
	"github.com/akriventsev/sagaflow/framework/saga"
	"github.com/akriventsev/sagaflow/framework/workerpool"
)

// Version представляет версию
const (
	Version = "1.0.0"
	Major   = 1
	Minor   = 0
	Patch   = 0
)

// Metadata содержит метаданные сборки
type Metadata struct {
	Name        string
	Version     string
	Description string
	License     string
}

// GetMetadata возвращает метаданные
func GetMetadata() Metadata {
	return Metadata{
		Name:        "sagaflow",
		Version:     Version,
		Description: "Saga orchestration coordinator with compensation and step execution engine",
		License:     "MIT",
	}
}

// LifecycleComponent компонент, которым управляет Runtime
type LifecycleComponent interface {
	core.Component
	core.Lifecycle
}

// Runtime собранный координатор. Компоненты запускаются в порядке
// регистрации и останавливаются в обратном.
type Runtime struct {
	Config      config.Config
	Store       saga.Store
	Bus         messagebus.Bus
	Publisher   *events.BusPublisher
	Invoker     *invoke.ServiceInvoker
	Engine      *engine.ExecutionEngine
	Coordinator *coordinator.Coordinator
	Sweeper     *coordinator.Sweeper
	Tracing     *observability.TracingManager
	Debug       *observability.DebugManager
	Server      *transport.RESTAdapter
	Metrics     *metrics.Metrics

	meterProvider *sdkmetric.MeterProvider
	logger        *zap.Logger

	mu         sync.Mutex
	components map[string]LifecycleComponent
	order      []string
	started    []LifecycleComponent
}

// New создает пустой Runtime для ручной регистрации компонентов
func New(logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		logger:     logger,
		components: make(map[string]LifecycleComponent),
	}
}

// Build собирает все компоненты по конфигурации. Ресурсы, открытые до ошибки, освобождаются.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (rt *Runtime, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	rt = New(logger)
	rt.Config = cfg
	defer func() {
		if err != nil {
			if rt.Tracing != nil {
				_ = rt.Tracing.Stop(context.Background())
			}
			_ = rt.release(context.Background())
			rt = nil
		}
	}()

	if rt.meterProvider, err = metrics.SetupMetrics(&cfg.Metrics); err != nil {
		return rt, core.Wrap(err, core.ErrInvalidConfig, "failed to setup metrics")
	}
	if rt.Metrics, err = metrics.NewMetrics(); err != nil {
		return rt, core.Wrap(err, core.ErrInfrastructureFailure, "failed to create metrics")
	}

	if rt.Tracing, err = observability.NewTracingManager(cfg.Tracing); err != nil {
		return rt, core.Wrap(err, core.ErrInvalidConfig, "failed to setup tracing")
	}

	if rt.Store, err = openStore(ctx, cfg.Store, rt.logger); err != nil {
		return rt, err
	}

	if rt.Bus, err = messagebus.NewFactory().Create(ctx, cfg.Bus.Type, cfg.Bus.Settings(), rt.logger); err != nil {
		return rt, core.Wrap(err, core.ErrInfrastructureFailure, "failed to create message bus")
	}
	rt.Publisher = events.NewBusPublisher(rt.Bus, rt.logger).
		WithTopic(cfg.Bus.Topic()).
		WithMetrics(rt.Metrics)

	if rt.Invoker, err = invoke.NewServiceInvoker(cfg.Invoker, rt.logger, invoke.WithMetrics(rt.Metrics)); err != nil {
		return rt, core.Wrap(err, core.ErrInvalidConfig, "failed to create service invoker")
	}

	if rt.Coordinator, err = coordinator.NewCoordinator(cfg.Coordinator, rt.Store, rt.Publisher, rt.logger,
		coordinator.WithMetrics(rt.Metrics)); err != nil {
		return rt, err
	}

	pool := workerpool.New(cfg.WorkerPool, rt.logger)
	rt.Engine = engine.NewExecutionEngine(cfg.Engine, rt.Invoker, rt.Coordinator, pool, rt.logger,
		engine.WithMetrics(rt.Metrics))
	rt.Coordinator.AttachExecutor(rt.Engine)

	rt.Sweeper = coordinator.NewSweeper(rt.Coordinator, rt.Engine, cfg.Coordinator, rt.logger)

	rt.Debug = observability.NewDebugManager(cfg.Debug, rt.logger)
	rt.Debug.RegisterHealthCheck(observability.NewComponentCheck("coordinator", rt.Coordinator))
	rt.Debug.RegisterHealthCheck(observability.NewComponentCheck("services", rt.Invoker))
	if hc, ok := rt.Store.(core.HealthCheckable); ok {
		rt.Debug.RegisterHealthCheck(observability.NewComponentCheck("store", hc))
	}
	if hc, ok := rt.Bus.(core.HealthCheckable); ok {
		rt.Debug.RegisterHealthCheck(observability.NewComponentCheck("messagebus", hc))
	}
	rt.Debug.RegisterHealthCheck(observability.NewMemoryHealthCheck(0))

	if cfg.Server.Enabled {
		restCfg := transport.DefaultRESTConfig()
		restCfg.Addr = cfg.Server.Addr
		restCfg.ServiceName = cfg.Tracing.ServiceName
		rt.Server = transport.NewRESTAdapter(restCfg, rt.Coordinator, rt.Engine, rt.Invoker, rt.Debug, rt.logger)
	}

	components := []LifecycleComponent{rt.Tracing, rt.Bus, rt.Engine, rt.Coordinator, rt.Sweeper, rt.Debug}
	if rt.Server != nil {
		components = append(components, rt.Server)
	}
	for _, c := range components {
		if err = rt.RegisterComponent(c); err != nil {
			return rt, err
		}
	}
	return rt, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (saga.Store, error) {
	var (
		store saga.Store
		err   error
	)
	switch cfg.Type {
	case config.StorePostgres:
		var pg *saga.PostgresStore
		if pg, err = saga.OpenPostgresStore(ctx, cfg.PostgresDSN); err != nil {
			break
		}
		store = pg
		if cfg.AutoMigrate {
			if err = migrations.NewMigrator(pg.DB(), logger).Up(); err != nil {
				_ = pg.Close(ctx)
				return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to migrate postgres store")
			}
		}
	case config.StoreMongo:
		store, err = saga.NewMongoStore(ctx, cfg.Mongo)
	case config.StoreRedis:
		store, err = saga.OpenRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case config.StoreMemory, "":
		store = saga.NewInMemoryStore()
	default:
		return nil, core.NewError(core.ErrInvalidConfig, fmt.Sprintf("unknown store type: %s", cfg.Type))
	}
	if err != nil {
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, fmt.Sprintf("failed to open %s store", cfg.Type))
	}
	return store, nil
}

// RegisterComponent регистрирует компонент. Имена уникальны.
func (r *Runtime) RegisterComponent(component LifecycleComponent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.components[component.Name()]; exists {
		return core.NewError(core.ErrValidationFailed, fmt.Sprintf("component %s already registered", component.Name()))
	}
	r.components[component.Name()] = component
	r.order = append(r.order, component.Name())
	return nil
}

// GetComponent возвращает компонент по имени
func (r *Runtime) GetComponent(name string) (LifecycleComponent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	component, exists := r.components[name]
	if !exists {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("component %s not found", name))
	}
	return component, nil
}

// Components возвращает имена компонентов в порядке запуска
func (r *Runtime) Components() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Start запускает компоненты по порядку. При ошибке уже запущенные останавливаются.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	order := make([]LifecycleComponent, 0, len(r.order))
	for _, name := range r.order {
		order = append(order, r.components[name])
	}
	r.mu.Unlock()

	for _, c := range order {
		if err := c.Start(ctx); err != nil {
			r.logger.Error("component failed to start", zap.String("component", c.Name()), zap.Error(err))
			if stopErr := r.stopStarted(ctx); stopErr != nil {
				r.logger.Error("rollback failed", zap.Error(stopErr))
			}
			return core.Wrap(err, core.ErrInfrastructureFailure, fmt.Sprintf("failed to start %s", c.Name()))
		}
		r.mu.Lock()
		r.started = append(r.started, c)
		r.mu.Unlock()
		r.logger.Debug("component started", zap.String("component", c.Name()))
	}

	r.logger.Info("saga coordinator runtime started", zap.Strings("components", r.Components()))
	return nil
}

// Shutdown останавливает компоненты в обратном порядке и освобождает хранилище и метрики
func (r *Runtime) Shutdown(ctx context.Context) error {
	err := r.stopStarted(ctx)
	if releaseErr := r.release(ctx); releaseErr != nil {
		err = errors.Join(err, releaseErr)
	}
	r.logger.Info("saga coordinator runtime stopped")
	return err
}

func (r *Runtime) stopStarted(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if err := c.Stop(ctx); err != nil {
			r.logger.Error("component failed to stop", zap.String("component", c.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) release(ctx context.Context) error {
	var errs []error
	if r.Store != nil {
		if err := r.Store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		r.Store = nil
	}
	if r.meterProvider != nil {
		if err := metrics.ShutdownMetrics(ctx, r.meterProvider); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
		r.meterProvider = nil
	}
	return errors.Join(errs...)
}

// FrameworkVersion возвращает версию
func FrameworkVersion() string {
	return Version
}
