package saga

import (
	"context"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/akriventsev/sagaflow/framework/core"
)

// Store реестр саг координатора
type Store interface {
	// Save сохраняет или обновляет сагу
	Save(ctx context.Context, t *Transaction) error
	// Load загружает сагу по ID; NOT_FOUND если ее нет
	Load(ctx context.Context, sagaID string) (*Transaction, error)
	// Delete удаляет сагу; NOT_FOUND если ее нет
	Delete(ctx context.Context, sagaID string) error
	// List возвращает саги в указанных статусах (все, если статусы не заданы)
	List(ctx context.Context, statuses ...TransactionStatus) ([]*Transaction, error)
	// CountActive возвращает количество саг в нетерминальном статусе
	CountActive(ctx context.Context) (int, error)
	// Close освобождает ресурсы хранилища
	Close(ctx context.Context) error
}

// InMemoryStore хранилище саг в памяти. Хранит живые указатели:
// мутации выполняет только цикл координатора.
type InMemoryStore struct {
	sagas *xsync.MapOf[string, *Transaction]
}

// NewInMemoryStore создает хранилище в памяти
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sagas: xsync.NewMapOf[string, *Transaction](),
	}
}

func (s *InMemoryStore) Save(ctx context.Context, t *Transaction) error {
	if t == nil {
		return core.NewError(core.ErrValidationFailed, "saga is nil")
	}
	s.sagas.Store(t.ID(), t)
	return nil
}

func (s *InMemoryStore) Load(ctx context.Context, sagaID string) (*Transaction, error) {
	t, ok := s.sagas.Load(sagaID)
	if !ok {
		return nil, core.Errorf(core.ErrNotFound, "saga not found: %s", sagaID)
	}
	return t, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, sagaID string) error {
	if _, ok := s.sagas.LoadAndDelete(sagaID); !ok {
		return core.Errorf(core.ErrNotFound, "saga not found: %s", sagaID)
	}
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, statuses ...TransactionStatus) ([]*Transaction, error) {
	result := make([]*Transaction, 0)
	s.sagas.Range(func(_ string, t *Transaction) bool {
		if matchesStatus(t.Status(), statuses) {
			result = append(result, t)
		}
		return true
	})
	sortByCreation(result)
	return result, nil
}

func (s *InMemoryStore) CountActive(ctx context.Context) (int, error) {
	count := 0
	s.sagas.Range(func(_ string, t *Transaction) bool {
		if !t.Status().IsTerminal() {
			count++
		}
		return true
	})
	return count, nil
}

func (s *InMemoryStore) Close(ctx context.Context) error {
	s.sagas.Clear()
	return nil
}

// Size возвращает общее количество саг в хранилище
func (s *InMemoryStore) Size() int {
	return s.sagas.Size()
}

func matchesStatus(status TransactionStatus, statuses []TransactionStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == status {
			return true
		}
	}
	return false
}

func sortByCreation(sagas []*Transaction) {
	sort.SliceStable(sagas, func(i, j int) bool {
		return sagas[i].CreatedAt().Before(sagas[j].CreatedAt())
	})
}

func statusStrings(statuses []TransactionStatus) []string {
	result := make([]string, len(statuses))
	for i, s := range statuses {
		result[i] = string(s)
	}
	return result
}
