package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
	"github.com/akriventsev/sagaflow/framework/metrics"
	"github.com/akriventsev/sagaflow/framework/observability"
)

// LocalService имя локального псевдо-сервиса; также считаются локальными имена с префиксом local-
const LocalService = "local"

// Result нормализованный результат вызова
type Result struct {
	Success      bool
	Data         map[string]interface{}
	ErrorMessage string
	StatusCode   int
	Duration     time.Duration
}

func failure(format string, args ...interface{}) Result {
	return Result{Success: false, ErrorMessage: fmt.Sprintf(format, args...)}
}

// ConnectionTestResult результат проверки соединения с сервисом
type ConnectionTestResult struct {
	ServiceName  string        `json:"serviceName"`
	Status       string        `json:"status"` // UP, DOWN
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
}

// ServiceInvoker вызывает действия downstream сервисов с circuit breaker на каждый сервис
type ServiceInvoker struct {
	config     Config
	client     *http.Client
	serializer Serializer
	routes     *RouteTable
	breakers   *xsync.MapOf[string, *gobreaker.CircuitBreaker]
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewServiceInvoker создает новый ServiceInvoker
func NewServiceInvoker(config Config, logger *zap.Logger, opts ...Option) (*ServiceInvoker, error) {
	if config.Services == nil {
		config.Services = DefaultServices()
	}
	if config.HealthPath == "" {
		config.HealthPath = DefaultConfig().HealthPath
	}
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid invoker config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	i := &ServiceInvoker{
		config:     config,
		client:     newHTTPClient(config),
		serializer: NewJSONSerializer(),
		routes:     NewRouteTable(),
		breakers:   xsync.NewMapOf[string, *gobreaker.CircuitBreaker](),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func newHTTPClient(config Config) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: config.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: config.ReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   config.ConnectTimeout + config.ReadTimeout,
	}
}

// Name возвращает имя компонента
func (i *ServiceInvoker) Name() string {
	return "service-invoker"
}

// Type возвращает тип компонента
func (i *ServiceInvoker) Type() core.ComponentType {
	return core.ComponentTypeTransport
}

// Invoke вызывает action сервиса и всегда возвращает Result
func (i *ServiceInvoker) Invoke(ctx context.Context, serviceName, action string, params map[string]interface{}) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("invocation panicked",
				zap.String("service", serviceName),
				zap.String("action", action),
				zap.Any("panic", r))
			result = failure("remote invocation exception: %v", r)
		}
		result.Duration = time.Since(start)
	}()

	if isLocalService(serviceName) {
		return Result{
			Success:    true,
			StatusCode: http.StatusOK,
			Data: map[string]interface{}{
				"service": serviceName,
				"action":  action,
				"local":   true,
				"params":  params,
			},
		}
	}

	baseURL, ok := i.config.Services[serviceName]
	if !ok {
		i.logger.Warn("unknown service", zap.String("service", serviceName), zap.String("action", action))
		return failure("unknown service: %s", serviceName)
	}

	var body []byte
	if len(params) > 0 {
		var err error
		body, err = i.serializer.Serialize(params)
		if err != nil {
			return failure("JSON serialization failed: %v", err)
		}
	}

	route := i.routes.Resolve(serviceName, action)
	url := strings.TrimRight(baseURL, "/") + route.Path(serviceName, action)

	out, err := i.breakerFor(serviceName).Execute(func() (interface{}, error) {
		return i.call(ctx, route.Method, url, body)
	})

	switch {
	case err == nil:
		data, _ := out.(map[string]interface{})
		return Result{Success: true, Data: data, StatusCode: http.StatusOK}
	case isBreakerRejection(err):
		return failure("circuit breaker open for service: %s", serviceName)
	default:
		if se, ok := err.(*statusError); ok {
			i.logger.Warn("service call failed",
				zap.String("service", serviceName),
				zap.String("action", action),
				zap.Int("status", se.code))
			res := failure("%s", se.Error())
			res.StatusCode = se.code
			return res
		}
		i.logger.Warn("service call errored",
			zap.String("service", serviceName),
			zap.String("action", action),
			zap.Error(err))
		return failure("remote invocation exception: %v", err)
	}
}

// call выполняет HTTP запрос; не-2xx возвращается как *statusError
func (i *ServiceInvoker) call(ctx context.Context, method, url string, body []byte) (map[string]interface{}, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	observability.PropagateCorrelationID(ctx, req.Header)

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode}
	}

	data := make(map[string]interface{})
	if len(bytes.TrimSpace(payload)) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return data, nil
}

// IsServiceHealthy true, если health endpoint сервиса ответил без транспортной ошибки
func (i *ServiceInvoker) IsServiceHealthy(ctx context.Context, serviceName string) bool {
	return i.probe(ctx, serviceName) == nil
}

// TestServiceConnection проверяет соединение и замеряет время ответа
func (i *ServiceInvoker) TestServiceConnection(ctx context.Context, serviceName string) ConnectionTestResult {
	start := time.Now()
	err := i.probe(ctx, serviceName)

	result := ConnectionTestResult{
		ServiceName:  serviceName,
		Status:       "UP",
		ResponseTime: time.Since(start),
	}
	if err != nil {
		result.Status = "DOWN"
		result.Error = err.Error()
	}
	return result
}

func (i *ServiceInvoker) probe(ctx context.Context, serviceName string) error {
	if isLocalService(serviceName) {
		return nil
	}
	baseURL, ok := i.config.Services[serviceName]
	if !ok {
		return fmt.Errorf("unknown service: %s", serviceName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+i.config.HealthPath, nil)
	if err != nil {
		return err
	}
	observability.PropagateCorrelationID(ctx, req.Header)

	resp, err := i.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// SupportedServices возвращает отсортированный список сконфигурированных сервисов
func (i *ServiceInvoker) SupportedServices() []string {
	names := make([]string, 0, len(i.config.Services))
	for name := range i.config.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheck проверяет все сконфигурированные сервисы (реализация core.HealthCheckable)
func (i *ServiceInvoker) HealthCheck(ctx context.Context) error {
	var down []string
	for _, name := range i.SupportedServices() {
		if !i.IsServiceHealthy(ctx, name) {
			down = append(down, name)
		}
	}
	if len(down) > 0 {
		return core.Errorf(core.ErrInfrastructureFailure, "unhealthy services: %s", strings.Join(down, ", "))
	}
	return nil
}

func isLocalService(name string) bool {
	return name == LocalService || strings.HasPrefix(name, LocalService+"-")
}
