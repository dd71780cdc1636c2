// Copyright 2024 Potter Framework Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
)

// DebugConfig конфигурация health checks и pprof
type DebugConfig struct {
	EnablePprof  bool
	PprofAddr    string
	CheckTimeout time.Duration
}

// DefaultDebugConfig возвращает конфигурацию по умолчанию
func DefaultDebugConfig() DebugConfig {
	return DebugConfig{
		EnablePprof:  false,
		PprofAddr:    ":6060",
		CheckTimeout: 5 * time.Second,
	}
}

// HealthCheck интерфейс для health checks
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc адаптер функции к HealthCheck
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheck создает именованную проверку из функции
func NewCheck(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

// NewComponentCheck создает проверку поверх core.HealthCheckable (store, invoker, bus)
func NewComponentCheck(name string, component core.HealthCheckable) *CheckFunc {
	return NewCheck(name, component.HealthCheck)
}

func (c *CheckFunc) Name() string {
	return c.name
}

func (c *CheckFunc) Check(ctx context.Context) error {
	if c.fn == nil {
		return errors.New("check function is nil")
	}
	return c.fn(ctx)
}

// HealthCheckResult агрегированный результат health check
type HealthCheckResult struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// Healthy true, если все проверки прошли
func (r HealthCheckResult) Healthy() bool {
	return r.Status == StatusHealthy
}

// CheckResult результат отдельной проверки
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// DebugManager реестр health checks и опциональный pprof сервер
type DebugManager struct {
	config      DebugConfig
	pprofServer *http.Server
	checks      []HealthCheck
	running     bool
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewDebugManager создает новый DebugManager
func NewDebugManager(config DebugConfig, logger *zap.Logger) *DebugManager {
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = DefaultDebugConfig().CheckTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DebugManager{config: config, logger: logger}
}

// RegisterHealthCheck регистрирует health check
func (dm *DebugManager) RegisterHealthCheck(check HealthCheck) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.checks = append(dm.checks, check)
}

// CheckNames возвращает отсортированные имена зарегистрированных проверок
func (dm *DebugManager) CheckNames() []string {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	names := make([]string, 0, len(dm.checks))
	for _, check := range dm.checks {
		names = append(names, check.Name())
	}
	sort.Strings(names)
	return names
}

// RunChecks выполняет все проверки с общим таймаутом
func (dm *DebugManager) RunChecks(ctx context.Context) HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, dm.config.CheckTimeout)
	defer cancel()

	dm.mu.RLock()
	checks := make([]HealthCheck, len(dm.checks))
	copy(checks, dm.checks)
	dm.mu.RUnlock()

	result := HealthCheckResult{
		Status:    StatusHealthy,
		Checks:    make(map[string]CheckResult, len(checks)),
		Timestamp: time.Now().UTC(),
	}

	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		cr := CheckResult{Status: StatusHealthy, Duration: time.Since(start).String()}
		if err != nil {
			cr.Status = StatusUnhealthy
			cr.Message = err.Error()
			result.Status = StatusUnhealthy
			dm.logger.Warn("health check failed", zap.String("check", check.Name()), zap.Error(err))
		}
		result.Checks[check.Name()] = cr
	}
	return result
}

// HealthCheckHandler возвращает Gin handler: 200 если все проверки прошли, иначе 503
func (dm *DebugManager) HealthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := dm.RunChecks(c.Request.Context())
		if !result.Healthy() {
			c.JSON(http.StatusServiceUnavailable, result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// Start запускает pprof сервер, если он включен
func (dm *DebugManager) Start(ctx context.Context) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.running {
		return nil
	}
	dm.running = true

	if !dm.config.EnablePprof {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	dm.pprofServer = &http.Server{
		Addr:              dm.config.PprofAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			dm.logger.Error("pprof server failed", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}(dm.pprofServer)

	dm.logger.Info("pprof server started", zap.String("addr", dm.config.PprofAddr))
	return nil
}

// Stop останавливает pprof сервер
func (dm *DebugManager) Stop(ctx context.Context) error {
	dm.mu.Lock()
	dm.running = false
	srv := dm.pprofServer
	dm.pprofServer = nil
	dm.mu.Unlock()

	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// IsRunning проверяет статус
func (dm *DebugManager) IsRunning() bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.running
}

// Name возвращает имя компонента (реализация core.Component)
func (dm *DebugManager) Name() string {
	return "debug-manager"
}

// Type возвращает тип компонента (реализация core.Component)
func (dm *DebugManager) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// MemoryHealthCheck проверка использования памяти
type MemoryHealthCheck struct {
	maxHeapBytes uint64
}

// NewMemoryHealthCheck создает проверку с лимитом heap (0 = без лимита)
func NewMemoryHealthCheck(maxHeapBytes uint64) *MemoryHealthCheck {
	return &MemoryHealthCheck{maxHeapBytes: maxHeapBytes}
}

func (h *MemoryHealthCheck) Name() string {
	return "memory"
}

func (h *MemoryHealthCheck) Check(ctx context.Context) error {
	if h.maxHeapBytes == 0 {
		return nil
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapAlloc > h.maxHeapBytes {
		return fmt.Errorf("heap usage too high: %d bytes (limit %d)", m.HeapAlloc, h.maxHeapBytes)
	}
	return nil
}
