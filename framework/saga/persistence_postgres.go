package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // регистрирует драйвер "pgx" для database/sql

	"github.com/akriventsev/sagaflow/framework/core"
)

// PostgresStore хранилище саг в PostgreSQL. Схема создается миграциями
// из пакета migrations (таблица saga_transactions).
type PostgresStore struct {
	db    *sql.DB
	owned bool
}

// NewPostgresStore создает хранилище поверх существующего пула соединений
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore открывает пул соединений через драйвер pgx
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return &PostgresStore{db: db, owned: true}, nil
}

// DB возвращает пул соединений (используется миграциями)
func (p *PostgresStore) DB() *sql.DB {
	return p.db
}

func (p *PostgresStore) Save(ctx context.Context, t *Transaction) error {
	record := t.Snapshot()
	payload, err := json.Marshal(record)
	if err != nil {
		return core.Wrap(err, core.ErrInfrastructureFailure, "failed to marshal saga")
	}

	query := `
		INSERT INTO saga_transactions (saga_id, saga_type, correlation_id, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (saga_id) DO UPDATE SET
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`
	_, err = p.db.ExecContext(ctx, query,
		record.SagaID, record.SagaType, record.CorrelationID, record.Status, payload, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return core.Wrap(err, core.ErrInfrastructureFailure, "failed to save saga")
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, sagaID string) (*Transaction, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx, `SELECT payload FROM saga_transactions WHERE saga_id = $1`, sagaID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Errorf(core.ErrNotFound, "saga not found: %s", sagaID)
	}
	if err != nil {
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to load saga")
	}
	return decodeRecord(payload)
}

func (p *PostgresStore) Delete(ctx context.Context, sagaID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM saga_transactions WHERE saga_id = $1`, sagaID)
	if err != nil {
		return core.Wrap(err, core.ErrInfrastructureFailure, "failed to delete saga")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return core.Wrap(err, core.ErrInfrastructureFailure, "failed to delete saga")
	}
	if affected == 0 {
		return core.Errorf(core.ErrNotFound, "saga not found: %s", sagaID)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, statuses ...TransactionStatus) ([]*Transaction, error) {
	query := `SELECT payload FROM saga_transactions`
	where, args := statusFilter(statuses)
	query += where + ` ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to list sagas")
	}
	defer rows.Close()

	result := make([]*Transaction, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to scan saga")
		}
		t, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to list sagas")
	}
	return result, nil
}

func (p *PostgresStore) CountActive(ctx context.Context) (int, error) {
	where, args := statusFilter(ActiveTransactionStatuses)

	var count int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM saga_transactions`+where, args...).Scan(&count); err != nil {
		return 0, core.Wrap(err, core.ErrInfrastructureFailure, "failed to count active sagas")
	}
	return count, nil
}

func (p *PostgresStore) Close(ctx context.Context) error {
	if !p.owned {
		return nil
	}
	return p.db.Close()
}

// HealthCheck проверяет доступность базы
func (p *PostgresStore) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// statusFilter строит WHERE status IN ($1, ...) без массивных параметров
func statusFilter(statuses []TransactionStatus) (string, []interface{}) {
	if len(statuses) == 0 {
		return "", nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statusStrings(statuses) {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = s
	}
	return " WHERE status IN (" + strings.Join(placeholders, ", ") + ")", args
}

func decodeRecord(payload []byte) (*Transaction, error) {
	var record TransactionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to unmarshal saga")
	}
	return restoreOrWrap(record)
}
