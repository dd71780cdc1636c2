// Package workerpool предоставляет ограниченный пул воркеров с очередью и политикой насыщения.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrPoolSaturated очередь заполнена и политика PolicyReject
	ErrPoolSaturated = errors.New("worker pool saturated")
	// ErrPoolClosed пул остановлен
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Policy поведение Submit при заполненной очереди
type Policy int

const (
	// PolicyReject возвращает ErrPoolSaturated
	PolicyReject Policy = iota
	// PolicyCallerRuns выполняет задачу в горутине вызывающего
	PolicyCallerRuns
)

func (p Policy) String() string {
	switch p {
	case PolicyReject:
		return "reject"
	case PolicyCallerRuns:
		return "caller-runs"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy разбирает имя политики
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "reject", "":
		return PolicyReject, nil
	case "caller-runs", "caller_runs":
		return PolicyCallerRuns, nil
	default:
		return PolicyReject, fmt.Errorf("unknown saturation policy: %s", s)
	}
}

// Config конфигурация пула
type Config struct {
	Size          int
	QueueCapacity int
	Policy        Policy
	Name          string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Size:          16,
		QueueCapacity: 256,
		Policy:        PolicyReject,
		Name:          "saga-workers",
	}
}

// Stats снимок состояния пула
type Stats struct {
	Size     int `json:"size"`
	Queued   int `json:"queued"`
	Active   int `json:"active"`
	// Overflow задачи, вынесенные из очереди в отдельные горутины
	Overflow int `json:"overflow"`
}

// Pool пул воркеров, разбирающих буферизованную очередь задач
type Pool struct {
	config   Config
	queue    chan func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	active   atomic.Int32
	overflow atomic.Int32
	stopOnce sync.Once
	logger   *zap.Logger
}

// New создает пул и запускает воркеры
func New(config Config, logger *zap.Logger) *Pool {
	if config.Size <= 0 {
		config.Size = DefaultConfig().Size
	}
	if config.QueueCapacity < 0 {
		config.QueueCapacity = 0
	}
	if config.Name == "" {
		config.Name = DefaultConfig().Name
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		config: config,
		queue:  make(chan func(), config.QueueCapacity),
		stopCh: make(chan struct{}),
		logger: logger.With(zap.String("pool", config.Name)),
	}

	for i := 0; i < config.Size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.queue:
			p.run(task)
		case <-p.stopCh:
			// дочищаем очередь перед выходом
			for {
				select {
				case task := <-p.queue:
					p.run(task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(task func()) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	task()
}

// Submit ставит задачу в очередь, никогда не блокируясь
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}

	select {
	case p.queue <- task:
		p.mu.RUnlock()
		return nil
	default:
	}
	p.mu.RUnlock()

	switch p.config.Policy {
	case PolicyCallerRuns:
		p.run(task)
		return nil
	default:
		p.logger.Warn("task rejected, queue is full", zap.Int("queue_capacity", p.config.QueueCapacity))
		return ErrPoolSaturated
	}
}

// SubmitDetached как Submit, но при PolicyCallerRuns переполнение выполняется
// в отдельной горутине, а не в горутине вызывающего. Shutdown ее дожидается.
func (p *Pool) SubmitDetached(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- task:
		return nil
	default:
	}

	if p.config.Policy != PolicyCallerRuns {
		p.logger.Warn("task rejected, queue is full", zap.Int("queue_capacity", p.config.QueueCapacity))
		return ErrPoolSaturated
	}
	p.overflow.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.overflow.Add(-1)
		p.run(task)
	}()
	return nil
}

// Shutdown прекращает прием задач и ждет выполнения очереди или дедлайна ctx.
// Повторные вызовы безопасны.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.stopCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

// IsClosed проверяет, остановлен ли пул
func (p *Pool) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Stats возвращает снимок состояния пула
func (p *Pool) Stats() Stats {
	return Stats{
		Size:     p.config.Size,
		Queued:   len(p.queue),
		Active:   int(p.active.Load()),
		Overflow: int(p.overflow.Load()),
	}
}
