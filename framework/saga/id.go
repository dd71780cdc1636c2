package saga

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var sagaIDPattern = regexp.MustCompile(`^SAGA-\d+-[A-F0-9]{8}$`)

// NewSagaID генерирует идентификатор вида SAGA-<epochMillis>-<8 hex>
func NewSagaID() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("SAGA-%d-%s", time.Now().UnixMilli(), suffix)
}

// IsSagaID проверяет формат идентификатора саги
func IsSagaID(id string) bool {
	return sagaIDPattern.MatchString(id)
}
