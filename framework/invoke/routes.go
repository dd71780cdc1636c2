package invoke

import (
	"net/http"
	"strings"
	"sync"
)

// Route HTTP метод и шаблон пути действия. {service} заменяется на имя сервиса без суффикса -service.
type Route struct {
	Method       string
	PathTemplate string
}

// Path подставляет сервис и действие в шаблон
func (r Route) Path(service, action string) string {
	path := strings.ReplaceAll(r.PathTemplate, "{service}", serviceSegment(service))
	return strings.ReplaceAll(path, "{action}", action)
}

// RouteTable явные маршруты действий с fallback на соглашение об именах
type RouteTable struct {
	routes map[string]Route
	mu     sync.RWMutex
}

// NewRouteTable создает пустую таблицу
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]Route)}
}

// Register регистрирует маршрут для действия (для всех сервисов)
func (t *RouteTable) Register(action string, route Route) *RouteTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	if route.Method == "" {
		route.Method = http.MethodPost
	}
	t.routes[action] = route
	return t
}

// RegisterFor регистрирует маршрут для пары сервис/действие, имеет приоритет над Register
func (t *RouteTable) RegisterFor(service, action string, route Route) *RouteTable {
	return t.Register(service+"/"+action, route)
}

// Resolve возвращает маршрут действия
func (t *RouteTable) Resolve(service, action string) Route {
	t.mu.RLock()
	route, ok := t.routes[service+"/"+action]
	if !ok {
		route, ok = t.routes[action]
	}
	t.mu.RUnlock()

	if ok {
		return route
	}
	return conventionalRoute(action)
}

// conventionalRoute create* -> /api/{service}/create, update* -> /api/{service}/update, иначе /api/saga/{action}
func conventionalRoute(action string) Route {
	switch {
	case strings.HasPrefix(action, "create"):
		return Route{Method: http.MethodPost, PathTemplate: "/api/{service}/create"}
	case strings.HasPrefix(action, "update"):
		return Route{Method: http.MethodPost, PathTemplate: "/api/{service}/update"}
	default:
		return Route{Method: http.MethodPost, PathTemplate: "/api/saga/{action}"}
	}
}

func serviceSegment(service string) string {
	return strings.TrimSuffix(service, "-service")
}
