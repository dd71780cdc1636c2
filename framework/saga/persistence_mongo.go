package saga

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/akriventsev/sagaflow/framework/core"
)

// MongoConfig конфигурация MongoDB хранилища
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// MongoStore хранилище саг в MongoDB: один документ на сагу, _id = sagaId
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore подключается к MongoDB
func NewMongoStore(ctx context.Context, config MongoConfig) (*MongoStore, error) {
	if config.URI == "" {
		return nil, fmt.Errorf("mongo URI cannot be empty")
	}
	if config.Database == "" {
		config.Database = "sagaflow"
	}
	if config.Collection == "" {
		config.Collection = "saga_transactions"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(config.Database).Collection(config.Collection),
	}, nil
}

func (m *MongoStore) Save(ctx context.Context, t *Transaction) error {
	record := t.Snapshot()
	_, err := m.collection.ReplaceOne(ctx, bson.M{"_id": record.SagaID}, record, options.Replace().SetUpsert(true))
	if err != nil {
		return core.Wrap(err, core.ErrInfrastructureFailure, "failed to save saga")
	}
	return nil
}

func (m *MongoStore) Load(ctx context.Context, sagaID string) (*Transaction, error) {
	var record TransactionRecord
	err := m.collection.FindOne(ctx, bson.M{"_id": sagaID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, core.Errorf(core.ErrNotFound, "saga not found: %s", sagaID)
	}
	if err != nil {
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to load saga")
	}
	return restoreOrWrap(record)
}

func (m *MongoStore) Delete(ctx context.Context, sagaID string) error {
	res, err := m.collection.DeleteOne(ctx, bson.M{"_id": sagaID})
	if err != nil {
		return core.Wrap(err, core.ErrInfrastructureFailure, "failed to delete saga")
	}
	if res.DeletedCount == 0 {
		return core.Errorf(core.ErrNotFound, "saga not found: %s", sagaID)
	}
	return nil
}

func (m *MongoStore) List(ctx context.Context, statuses ...TransactionStatus) ([]*Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cursor, err := m.collection.Find(ctx, mongoStatusFilter(statuses), opts)
	if err != nil {
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to list sagas")
	}
	defer cursor.Close(ctx)

	var records []TransactionRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to decode sagas")
	}

	result := make([]*Transaction, 0, len(records))
	for _, r := range records {
		t, err := restoreOrWrap(r)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

func (m *MongoStore) CountActive(ctx context.Context) (int, error) {
	n, err := m.collection.CountDocuments(ctx, mongoStatusFilter(ActiveTransactionStatuses))
	if err != nil {
		return 0, core.Wrap(err, core.ErrInfrastructureFailure, "failed to count active sagas")
	}
	return int(n), nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// HealthCheck проверяет доступность MongoDB
func (m *MongoStore) HealthCheck(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func mongoStatusFilter(statuses []TransactionStatus) bson.M {
	if len(statuses) == 0 {
		return bson.M{}
	}
	return bson.M{"status": bson.M{"$in": statusStrings(statuses)}}
}

func restoreOrWrap(record TransactionRecord) (*Transaction, error) {
	t, err := RestoreTransaction(record)
	if err != nil {
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to restore saga")
	}
	return t, nil
}
