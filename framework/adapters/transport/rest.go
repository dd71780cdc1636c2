// Package transport предоставляет ops HTTP сервер координатора саг на gin.
package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
	"github.com/akriventsev/sagaflow/framework/engine"
	"github.com/akriventsev/sagaflow/framework/observability"
	"github.com/akriventsev/sagaflow/framework/saga"
)

// SagaReader чтение саг (реализуется coordinator.Coordinator)
type SagaReader interface {
	GetSaga(ctx context.Context, sagaID string) (*saga.Transaction, error)
	ListSagas(ctx context.Context, statuses ...saga.TransactionStatus) ([]*saga.Transaction, error)
	GetActiveSagaCount(ctx context.Context) (int, error)
}

// ExecutionInspector интроспекция выполняющихся шагов (реализуется engine.ExecutionEngine)
type ExecutionInspector interface {
	GetStepExecutionStatus(sagaID, stepName string) engine.ExecutionStatus
	GetRunningStepCount() int
}

// ServiceDirectory список сервисов и состояние их circuit breaker (реализуется invoke.ServiceInvoker)
type ServiceDirectory interface {
	SupportedServices() []string
	BreakerState(service string) string
}

// RESTConfig конфигурация ops сервера
type RESTConfig struct {
	Addr            string
	BasePath        string
	ServiceName     string
	EnableMetrics   bool
	ShutdownTimeout time.Duration
}

// DefaultRESTConfig возвращает конфигурацию REST по умолчанию
func DefaultRESTConfig() RESTConfig {
	return RESTConfig{
		Addr:            ":8080",
		BasePath:        "/api/v1",
		ServiceName:     "saga-coordinator",
		EnableMetrics:   true,
		ShutdownTimeout: 30 * time.Second,
	}
}

// RESTAdapter read-only ops API: саги, выполнения шагов, сервисы, health и метрики
type RESTAdapter struct {
	config   RESTConfig
	router   *gin.Engine
	sagas    SagaReader
	steps    ExecutionInspector
	services ServiceDirectory
	debug    *observability.DebugManager
	logger   *zap.Logger
	mu       sync.Mutex
	running  bool
	server   *http.Server
}

// NewRESTAdapter создает ops сервер. steps, services и debug могут быть nil.
func NewRESTAdapter(
	config RESTConfig,
	sagas SagaReader,
	steps ExecutionInspector,
	services ServiceDirectory,
	debug *observability.DebugManager,
	logger *zap.Logger,
) *RESTAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BasePath == "" {
		config.BasePath = "/api/v1"
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.CorrelationIDMiddleware())
	router.Use(observability.HTTPTracingMiddleware(config.ServiceName))

	r := &RESTAdapter{
		config:   config,
		router:   router,
		sagas:    sagas,
		steps:    steps,
		services: services,
		debug:    debug,
		logger:   logger,
	}
	r.registerRoutes()
	return r
}

func (r *RESTAdapter) registerRoutes() {
	if r.debug != nil {
		r.router.GET("/health", r.debug.HealthCheckHandler())
	} else {
		r.router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": observability.StatusHealthy})
		})
	}
	if r.config.EnableMetrics {
		r.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := r.router.Group(r.config.BasePath)
	api.GET("/sagas", r.listSagas)
	api.GET("/sagas/stats", r.stats)
	api.GET("/sagas/:id", r.getSaga)
	api.GET("/sagas/:id/steps/:step/execution", r.stepExecution)
	api.GET("/services", r.listServices)
}

// Handler возвращает http.Handler (для httptest)
func (r *RESTAdapter) Handler() http.Handler {
	return r.router
}

// Start запускает адаптер (реализация core.Lifecycle)
func (r *RESTAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	r.server = &http.Server{
		Addr:              r.config.Addr,
		Handler:           r.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := r.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("ops server stopped", zap.String("addr", server.Addr), zap.Error(err))
		}
	}()

	r.running = true
	r.logger.Info("ops server started", zap.String("addr", r.config.Addr))
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (r *RESTAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	server := r.server
	r.running = false
	r.server = nil
	r.mu.Unlock()

	if server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RESTAdapter) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RESTAdapter) Name() string {
	return "ops-rest-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RESTAdapter) Type() core.ComponentType {
	return core.ComponentTypeTransport
}

func (r *RESTAdapter) getSaga(c *gin.Context) {
	t, err := r.sagas.GetSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t.Snapshot())
}

func (r *RESTAdapter) listSagas(c *gin.Context) {
	var statuses []saga.TransactionStatus
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := saga.ParseTransactionStatus(strings.ToUpper(strings.TrimSpace(part)))
			if err != nil {
				r.writeError(c, core.Wrap(err, core.ErrValidationFailed, "invalid status filter"))
				return
			}
			statuses = append(statuses, status)
		}
	}

	list, err := r.sagas.ListSagas(c.Request.Context(), statuses...)
	if err != nil {
		r.writeError(c, err)
		return
	}
	records := make([]saga.TransactionRecord, 0, len(list))
	for _, t := range list {
		records = append(records, t.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"sagas": records, "count": len(records)})
}

func (r *RESTAdapter) stats(c *gin.Context) {
	active, err := r.sagas.GetActiveSagaCount(c.Request.Context())
	if err != nil {
		r.writeError(c, err)
		return
	}
	running := 0
	if r.steps != nil {
		running = r.steps.GetRunningStepCount()
	}
	c.JSON(http.StatusOK, gin.H{"activeSagas": active, "runningSteps": running})
}

func (r *RESTAdapter) stepExecution(c *gin.Context) {
	if r.steps == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "execution engine is not attached"})
		return
	}
	c.JSON(http.StatusOK, r.steps.GetStepExecutionStatus(c.Param("id"), c.Param("step")))
}

type serviceView struct {
	Name         string `json:"name"`
	BreakerState string `json:"breakerState"`
}

func (r *RESTAdapter) listServices(c *gin.Context) {
	if r.services == nil {
		c.JSON(http.StatusOK, gin.H{"services": []serviceView{}})
		return
	}
	names := r.services.SupportedServices()
	views := make([]serviceView, 0, len(names))
	for _, name := range names {
		views = append(views, serviceView{Name: name, BreakerState: r.services.BreakerState(name)})
	}
	c.JSON(http.StatusOK, gin.H{"services": views})
}

func (r *RESTAdapter) writeError(c *gin.Context, err error) {
	status := statusFor(core.CodeOf(err))
	if status >= http.StatusInternalServerError {
		r.logger.Error("ops request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": core.CodeOf(err)})
}

func statusFor(code string) int {
	switch code {
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrInvalidState:
		return http.StatusConflict
	case core.ErrValidationFailed, core.ErrInvalidConfig:
		return http.StatusBadRequest
	case core.ErrCapacityExceeded:
		return http.StatusTooManyRequests
	case core.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
