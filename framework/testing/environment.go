// Package testing предоставляет тестовую среду координатора саг:
// in-memory хранилище, записывающий publisher и поддельные сервисы на httptest.
package testing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/coordinator"
	"github.com/akriventsev/sagaflow/framework/engine"
	"github.com/akriventsev/sagaflow/framework/events"
	"github.com/akriventsev/sagaflow/framework/invoke"
	"github.com/akriventsev/sagaflow/framework/saga"
	"github.com/akriventsev/sagaflow/framework/workerpool"
)

// RecordedRequest запрос, полученный поддельным сервисом
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   map[string]interface{}
}

type response struct {
	status int
	body   map[string]interface{}
}

// FakeService поддельный downstream сервис. Неизвестные пути отвечают 200 {}.
type FakeService struct {
	Name      string
	server    *httptest.Server
	mu        sync.Mutex
	responses map[string]response
	requests  []RecordedRequest
}

func newFakeService(name string) *FakeService {
	s := &FakeService{Name: name, responses: make(map[string]response)}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL базовый адрес сервиса
func (s *FakeService) URL() string {
	return s.server.URL
}

// Respond задает ответ для пути
func (s *FakeService) Respond(path string, status int, body map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[path] = response{status: status, body: body}
}

// Requests возвращает полученные запросы в порядке поступления
func (s *FakeService) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// Paths возвращает пути полученных запросов
func (s *FakeService) Paths() []string {
	requests := s.Requests()
	paths := make([]string, len(requests))
	for i, r := range requests {
		paths[i] = r.Path
	}
	return paths
}

func (s *FakeService) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	resp, ok := s.responses[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		resp = response{status: http.StatusOK, body: map[string]interface{}{}}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_ = json.NewEncoder(w).Encode(resp.body)
}

// Environment собранный координатор с движком и поддельными сервисами
type Environment struct {
	Store       *saga.InMemoryStore
	Publisher   *events.RecordingPublisher
	Services    map[string]*FakeService
	Invoker     *invoke.ServiceInvoker
	Engine      *engine.ExecutionEngine
	Coordinator *coordinator.Coordinator
	t           *testing.T
}

// NewEnvironment поднимает поддельные сервисы (по умолчанию пять стандартных) и
// запускает координатор. Все ресурсы освобождаются через t.Cleanup.
func NewEnvironment(t *testing.T, serviceNames ...string) *Environment {
	t.Helper()

	if len(serviceNames) == 0 {
		for name := range invoke.DefaultServices() {
			serviceNames = append(serviceNames, name)
		}
	}

	logger := zap.NewNop()
	env := &Environment{
		Store:     saga.NewInMemoryStore(),
		Publisher: events.NewRecordingPublisher(),
		Services:  make(map[string]*FakeService, len(serviceNames)),
		t:         t,
	}

	endpoints := make(map[string]string, len(serviceNames))
	for _, name := range serviceNames {
		svc := newFakeService(name)
		t.Cleanup(svc.server.Close)
		env.Services[name] = svc
		endpoints[name] = svc.URL()
	}

	invCfg := invoke.DefaultConfig()
	invCfg.Services = endpoints
	invCfg.ReadTimeout = 2 * time.Second
	inv, err := invoke.NewServiceInvoker(invCfg, logger)
	require.NoError(t, err)
	env.Invoker = inv

	coordCfg := coordinator.DefaultConfig()
	coordCfg.RetryInterval = 10 * time.Millisecond
	coord, err := coordinator.NewCoordinator(coordCfg, env.Store, env.Publisher, logger)
	require.NoError(t, err)
	env.Coordinator = coord

	pool := workerpool.New(workerpool.Config{Size: 4, QueueCapacity: 64, Name: "test-workers"}, logger)
	env.Engine = engine.NewExecutionEngine(engine.Config{RetryInterval: 10 * time.Millisecond}, inv, coord, pool, logger)
	coord.AttachExecutor(env.Engine)

	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
		_ = env.Engine.Shutdown(ctx)
	})
	return env
}

// Service возвращает поддельный сервис по имени
func (e *Environment) Service(name string) *FakeService {
	e.t.Helper()
	svc, ok := e.Services[name]
	require.True(e.t, ok, "unknown fake service %s", name)
	return svc
}

// WaitForStatus ждет перехода саги в статус и возвращает ее копию
func (e *Environment) WaitForStatus(sagaID string, status saga.TransactionStatus) *saga.Transaction {
	e.t.Helper()
	var last *saga.Transaction
	require.Eventually(e.t, func() bool {
		t, err := e.Coordinator.GetSaga(context.Background(), sagaID)
		if err != nil {
			return false
		}
		last = t
		return t.Status() == status
	}, 5*time.Second, 10*time.Millisecond, "saga %s did not reach %s", sagaID, status)
	return last
}
