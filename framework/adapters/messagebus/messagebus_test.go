package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/sagaflow/framework/core"
	"github.com/akriventsev/sagaflow/framework/transport"
)

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		subject string
		pattern string
		want    bool
	}{
		{"saga.started", "saga.started", true},
		{"saga.started", "saga.*", true},
		{"saga.started", "saga.>", true},
		{"saga.started", ">", true},
		{"saga.started", "saga", false},
		{"saga", "saga.>", false},
		{"saga.step.completed", "saga.*", false},
		{"saga.stepCompleted", "saga.completed", false},
	}

	for _, tt := range tests {
		t.Run(tt.subject+"~"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, matchSubject(tt.subject, tt.pattern))
		})
	}
}

func TestInMemoryAdapter_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemoryAdapter(DefaultInMemoryConfig(), nil)

	assert.ErrorIs(t, bus.Publish(ctx, "saga.started", nil, nil), ErrAdapterNotRunning)
	require.NoError(t, bus.Start(ctx))
	assert.True(t, bus.IsRunning())

	var all, completed []*transport.Message
	require.NoError(t, bus.Subscribe(ctx, "saga.>", func(ctx context.Context, msg *transport.Message) error {
		all = append(all, msg)
		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx, "saga.completed", func(ctx context.Context, msg *transport.Message) error {
		completed = append(completed, msg)
		return errors.New("handler failure is logged, not returned")
	}))

	require.NoError(t, bus.Publish(ctx, "saga.started", []byte(`{}`), map[string]string{"event_type": "saga.started"}))
	require.NoError(t, bus.Publish(ctx, "saga.completed", []byte(`{}`), nil))

	assert.Len(t, all, 2)
	require.Len(t, completed, 1)
	assert.Equal(t, "saga.completed", completed[0].Subject)
	assert.Equal(t, 1, bus.GetSubscriberCount("saga.completed"))

	require.NoError(t, bus.Unsubscribe("saga.>"))
	require.NoError(t, bus.Publish(ctx, "saga.failed", nil, nil))
	assert.Len(t, all, 2)

	require.NoError(t, bus.Stop(ctx))
	assert.False(t, bus.IsRunning())
}

func TestRedisAdapter_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapterFromClient(client, RedisConfig{StreamName: "saga-events", StreamMaxLen: 100}, nil)
	assert.ErrorIs(t, adapter.Publish(ctx, "saga.started", nil, nil), ErrAdapterNotRunning)

	require.NoError(t, adapter.Start(ctx))
	require.NoError(t, adapter.Publish(ctx, "saga.started", []byte(`{"sagaId":"S-1"}`), map[string]string{"event_id": "e-1"}))

	entries, err := client.XRange(ctx, "saga-events:saga.started", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"sagaId":"S-1"}`, entries[0].Values["data"])

	var headers map[string]string
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["headers"].(string)), &headers))
	assert.Equal(t, "e-1", headers["event_id"])

	require.NoError(t, adapter.HealthCheck(ctx))
	require.NoError(t, adapter.Stop(ctx))
	// клиент не принадлежит адаптеру и остается открытым
	require.NoError(t, client.Ping(ctx).Err())
}

func TestNewRedisAdapter_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	adapter, err := NewRedisAdapter(context.Background(), RedisConfig{Addr: mr.Addr(), StreamName: "s"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "s:saga.failed", adapter.StreamFor("saga.failed"))
	require.NoError(t, adapter.Start(context.Background()))
	require.NoError(t, adapter.Stop(context.Background()))
}

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaAdapter_Publish(t *testing.T) {
	adapter, err := NewKafkaAdapter(DefaultKafkaConfig(), nil)
	require.NoError(t, err)
	writer := &recordingWriter{}
	adapter.writer = writer

	ctx := context.Background()
	require.NoError(t, adapter.Start(ctx))
	require.NoError(t, adapter.Publish(ctx, "saga.compensated", []byte(`{}`), map[string]string{"event_id": "e-1"}))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "saga-events", msg.Topic)
	assert.Equal(t, "saga.compensated", string(msg.Key))

	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "e-1", headers["event_id"])
	assert.Equal(t, "saga.compensated", headers["routing_key"])

	writer.err = errors.New("leader not available")
	assert.ErrorIs(t, adapter.Publish(ctx, "saga.failed", nil, nil), ErrPublishFailed)

	require.NoError(t, adapter.Stop(ctx))
	assert.True(t, writer.closed)
	assert.ErrorIs(t, adapter.Publish(ctx, "saga.failed", nil, nil), ErrAdapterNotRunning)
}

func TestNATSAdapter_Message(t *testing.T) {
	_, err := NewNATSAdapter(NATSConfig{URL: "http://localhost:4222"}, nil)
	assert.Error(t, err)

	adapter, err := NewNATSAdapter(NATSConfig{URL: "nats://localhost:4222"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, adapter.Publish(context.Background(), "saga.started", nil, nil), ErrAdapterNotRunning)

	msg := adapter.buildMsg("saga.started", []byte("x"), map[string]string{"event_type": "saga.started"})
	assert.Equal(t, "saga-events.saga.started", msg.Subject)
	assert.Equal(t, "saga.started", msg.Header.Get("event_type"))
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	assert.Equal(t, []string{"inmemory", "kafka", "nats", "redis"}, f.ListRegistered())

	bus, err := f.Create(context.Background(), "inmemory", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "inmemory-adapter", bus.Name())

	_, err = f.Create(context.Background(), "rabbitmq", nil, nil)
	assert.True(t, core.IsCode(err, core.ErrInvalidConfig))

	_, err = f.Create(context.Background(), "kafka", NATSConfig{}, nil)
	assert.Error(t, err)

	assert.Error(t, f.Register("inmemory", nil))
}

func TestFactory_ValidateConfig(t *testing.T) {
	f := NewFactory()

	assert.NoError(t, f.ValidateConfig("nats", DefaultNATSConfig()))
	assert.NoError(t, f.ValidateConfig("kafka", DefaultKafkaConfig()))
	assert.NoError(t, f.ValidateConfig("redis", DefaultRedisConfig()))
	assert.NoError(t, f.ValidateConfig("inmemory", nil))

	err := f.ValidateConfig("kafka", KafkaConfig{Brokers: []string{"localhost"}, Topic: "t"})
	assert.True(t, core.IsCode(err, core.ErrInvalidConfig))
	assert.True(t, core.IsCode(f.ValidateConfig("redis", RedisConfig{}), core.ErrInvalidConfig))
	assert.True(t, core.IsCode(f.ValidateConfig("nats", "nats://x"), core.ErrInvalidConfig))
	assert.True(t, core.IsCode(f.ValidateConfig("amqp", nil), core.ErrInvalidConfig))
}
