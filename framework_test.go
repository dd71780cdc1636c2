package framework

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/adapters/messagebus"
	"github.com/akriventsev/sagaflow/framework/config"
	"github.com/akriventsev/sagaflow/framework/core"
	"github.com/akriventsev/sagaflow/framework/saga"
	"github.com/akriventsev/sagaflow/framework/transport"
)

func standaloneConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("SAGA_METRICS_EXPORTER", "none")
	t.Setenv("SAGA_TRACING_ENABLED", "false")
	t.Setenv("SAGA_HTTP_ENABLED", "false")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestBuild_StandaloneRuntime(t *testing.T) {
	ctx := context.Background()
	rt, err := Build(ctx, standaloneConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, rt.Server)

	assert.Equal(t, []string{
		"tracing", "inmemory-adapter", "execution-engine", "saga-coordinator", "saga-sweeper", "debug-manager",
	}, rt.Components())

	bus, ok := rt.Bus.(*messagebus.InMemoryAdapter)
	require.True(t, ok)
	var (
		mu       sync.Mutex
		received []string
	)
	require.NoError(t, bus.Subscribe(ctx, "saga.>", func(ctx context.Context, msg *transport.Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg.Subject)
		return nil
	}))

	require.NoError(t, rt.Start(ctx))

	created, err := rt.Coordinator.CreateSaga(ctx, "NOOP", "corr-1", "ops", nil, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Coordinator.StartSaga(ctx, created.ID()))

	got, err := rt.Coordinator.GetSaga(ctx, created.ID())
	require.NoError(t, err)
	assert.Equal(t, saga.TransactionStatusCompleted, got.Status())

	mu.Lock()
	assert.Equal(t, []string{saga.EventSagaStarted, saga.EventSagaCompleted}, received)
	mu.Unlock()

	require.NoError(t, rt.Shutdown(ctx))
	assert.False(t, rt.Coordinator.IsRunning())
	assert.False(t, rt.Engine.IsRunning())
}

func TestBuild_InvalidConfig(t *testing.T) {
	cfg := standaloneConfig(t)
	cfg.Store.Type = "cassandra"

	rt, err := Build(context.Background(), cfg, zap.NewNop())
	assert.Nil(t, rt)
	assert.True(t, core.IsCode(err, core.ErrInvalidConfig))
}

type fakeComponent struct {
	name     string
	startErr error
	log      *[]string
	running  bool
}

func (f *fakeComponent) Name() string             { return f.name }
func (f *fakeComponent) Type() core.ComponentType { return core.ComponentTypeWorker }
func (f *fakeComponent) IsRunning() bool          { return f.running }

func (f *fakeComponent) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	*f.log = append(*f.log, "start "+f.name)
	return nil
}

func (f *fakeComponent) Stop(ctx context.Context) error {
	f.running = false
	*f.log = append(*f.log, "stop "+f.name)
	return nil
}

func TestRuntime_Registry(t *testing.T) {
	var log []string
	rt := New(nil)
	require.NoError(t, rt.RegisterComponent(&fakeComponent{name: "a", log: &log}))

	err := rt.RegisterComponent(&fakeComponent{name: "a", log: &log})
	assert.True(t, core.IsCode(err, core.ErrValidationFailed))

	c, err := rt.GetComponent("a")
	require.NoError(t, err)
	assert.Equal(t, "a", c.Name())

	_, err = rt.GetComponent("missing")
	assert.True(t, core.IsCode(err, core.ErrNotFound))
}

func TestRuntime_StartRollsBackAndStopsInReverse(t *testing.T) {
	var log []string
	rt := New(nil)
	require.NoError(t, rt.RegisterComponent(&fakeComponent{name: "a", log: &log}))
	require.NoError(t, rt.RegisterComponent(&fakeComponent{name: "b", log: &log}))
	require.NoError(t, rt.RegisterComponent(&fakeComponent{name: "c", log: &log, startErr: errors.New("port in use")}))

	err := rt.Start(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrInfrastructureFailure))
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)

	log = nil
	rt = New(nil)
	require.NoError(t, rt.RegisterComponent(&fakeComponent{name: "a", log: &log}))
	require.NoError(t, rt.RegisterComponent(&fakeComponent{name: "b", log: &log}))
	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.Shutdown(context.Background()))
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)

	log = nil
	require.NoError(t, rt.Shutdown(context.Background()))
	assert.Empty(t, log)
}

func TestGetMetadata(t *testing.T) {
	md := GetMetadata()
	assert.Equal(t, "sagaflow", md.Name)
	assert.Equal(t, Version, FrameworkVersion())
}
