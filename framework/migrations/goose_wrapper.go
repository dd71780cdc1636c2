// Package migrations управляет схемой PostgreSQL хранилища саг через goose.
// SQL миграции встроены в бинарь.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var embedded embed.FS

const migrationsDir = "sql"

// goose хранит FS, диалект и логгер в глобальном состоянии
var gooseMu sync.Mutex

// MigrationStatus статус миграции
type MigrationStatus struct {
	Version   int64
	Name      string
	AppliedAt *time.Time
	Status    string // "pending", "applied"
}

// Migrator применяет встроенные миграции к базе
type Migrator struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMigrator создает мигратор для PostgreSQL
func NewMigrator(db *sql.DB, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, logger: logger}
}

// Up применяет все pending миграции
func (m *Migrator) Up() error {
	return m.withGoose(func() error {
		if err := goose.Up(m.db, migrationsDir); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// UpBy применяет не более steps pending миграций
func (m *Migrator) UpBy(steps int64) error {
	if steps <= 0 {
		return m.Up()
	}
	return m.withGoose(func() error {
		current, err := goose.GetDBVersion(m.db)
		if err != nil {
			current = 0
		}

		all, err := goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
		if err != nil {
			return fmt.Errorf("failed to collect migrations: %w", err)
		}
		target, ok := targetVersion(all, current, steps)
		if !ok {
			return nil
		}

		if err := goose.UpTo(m.db, migrationsDir, target); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// Down откатывает steps последних миграций
func (m *Migrator) Down(steps int64) error {
	if steps <= 0 {
		steps = 1
	}
	return m.withGoose(func() error {
		for i := int64(0); i < steps; i++ {
			if err := goose.Down(m.db, migrationsDir); err != nil {
				return fmt.Errorf("failed to rollback migration: %w", err)
			}
		}
		return nil
	})
}

// Version возвращает текущую версию схемы
func (m *Migrator) Version() (int64, error) {
	var version int64
	err := m.withGoose(func() error {
		v, err := goose.GetDBVersion(m.db)
		if err != nil {
			return fmt.Errorf("failed to get current version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

// Status возвращает статус всех встроенных миграций
func (m *Migrator) Status() ([]MigrationStatus, error) {
	var statuses []MigrationStatus
	err := m.withGoose(func() error {
		all, err := goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
		if err != nil {
			return fmt.Errorf("failed to collect migrations: %w", err)
		}

		current, err := goose.GetDBVersion(m.db)
		if err != nil {
			// таблицы версий еще нет: все pending
			current = 0
		}

		for _, migration := range all {
			status := MigrationStatus{
				Version: migration.Version,
				Name:    migration.Source,
				Status:  "pending",
			}
			if migration.Version <= current {
				var appliedAt time.Time
				err := m.db.QueryRow(
					"SELECT tstamp FROM goose_db_version WHERE version_id = $1 AND is_applied = true ORDER BY tstamp DESC LIMIT 1",
					migration.Version,
				).Scan(&appliedAt)
				if err == nil {
					status.AppliedAt = &appliedAt
					status.Status = "applied"
				}
			}
			statuses = append(statuses, status)
		}
		return nil
	})
	return statuses, err
}

// Available возвращает версии встроенных миграций без обращения к базе
func Available() ([]int64, error) {
	var versions []int64
	err := (&Migrator{logger: zap.NewNop()}).withGoose(func() error {
		all, err := goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
		if err != nil {
			return fmt.Errorf("failed to collect migrations: %w", err)
		}
		for _, migration := range all {
			versions = append(versions, migration.Version)
		}
		return nil
	})
	return versions, err
}

func (m *Migrator) withGoose(fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(embedded)
	goose.SetLogger(&zapGooseLogger{logger: m.logger.Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn()
}

// targetVersion вычисляет версию, до которой нужно накатить steps миграций
func targetVersion(all goose.Migrations, current, steps int64) (int64, bool) {
	var pending []*goose.Migration
	for _, migration := range all {
		if migration.Version > current {
			pending = append(pending, migration)
		}
	}
	if len(pending) == 0 {
		return 0, false
	}
	if int64(len(pending)) < steps {
		return pending[len(pending)-1].Version, true
	}
	return pending[steps-1].Version, true
}

// zapGooseLogger направляет вывод goose в zap
type zapGooseLogger struct {
	logger *zap.SugaredLogger
}

func (l *zapGooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Infof(format, v...)
}

func (l *zapGooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Errorf(format, v...)
}
