package invoke

import "encoding/json"

// Serializer сериализует параметры вызова в тело запроса
type Serializer interface {
	Serialize(params map[string]interface{}) ([]byte, error)
}

// JSONSerializer реализация JSON сериализатора
type JSONSerializer struct{}

// NewJSONSerializer создает новый JSON сериализатор
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Serialize сериализует параметры в JSON
func (s *JSONSerializer) Serialize(params map[string]interface{}) ([]byte, error) {
	return json.Marshal(params)
}
