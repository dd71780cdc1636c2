package saga

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/sagaflow/framework/core"
)

// RedisStore хранилище саг в Redis: hash <prefix>:transactions, поле = sagaId, значение = JSON
type RedisStore struct {
	client *redis.Client
	key    string
	owned  bool
}

// NewRedisStore создает хранилище поверх существующего клиента
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sagaflow"
	}
	return &RedisStore{client: client, key: prefix + ":transactions"}
}

// OpenRedisStore подключается к Redis по адресу
func OpenRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to connect to Redis")
	}
	s := NewRedisStore(client, prefix)
	s.owned = true
	return s, nil
}

func (r *RedisStore) Save(ctx context.Context, t *Transaction) error {
	payload, err := json.Marshal(t.Snapshot())
	if err != nil {
		return core.Wrap(err, core.ErrInfrastructureFailure, "failed to marshal saga")
	}
	if err := r.client.HSet(ctx, r.key, t.ID(), payload).Err(); err != nil {
		return core.Wrap(err, core.ErrInfrastructureFailure, "failed to save saga")
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, sagaID string) (*Transaction, error) {
	payload, err := r.client.HGet(ctx, r.key, sagaID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.Errorf(core.ErrNotFound, "saga not found: %s", sagaID)
	}
	if err != nil {
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to load saga")
	}
	return decodeRecord(payload)
}

func (r *RedisStore) Delete(ctx context.Context, sagaID string) error {
	n, err := r.client.HDel(ctx, r.key, sagaID).Result()
	if err != nil {
		return core.Wrap(err, core.ErrInfrastructureFailure, "failed to delete saga")
	}
	if n == 0 {
		return core.Errorf(core.ErrNotFound, "saga not found: %s", sagaID)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, statuses ...TransactionStatus) ([]*Transaction, error) {
	values, err := r.client.HVals(ctx, r.key).Result()
	if err != nil {
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to list sagas")
	}

	result := make([]*Transaction, 0, len(values))
	for _, v := range values {
		t, err := decodeRecord([]byte(v))
		if err != nil {
			return nil, err
		}
		if matchesStatus(t.Status(), statuses) {
			result = append(result, t)
		}
	}
	sortByCreation(result)
	return result, nil
}

func (r *RedisStore) CountActive(ctx context.Context) (int, error) {
	active, err := r.List(ctx, ActiveTransactionStatuses...)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

func (r *RedisStore) Close(ctx context.Context) error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

// HealthCheck проверяет доступность Redis
func (r *RedisStore) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
