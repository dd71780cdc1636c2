// Package core предоставляет базовые типы компонентов.
package core

// ComponentType enum для типов компонентов
type ComponentType string

const (
	ComponentTypeAdapter      ComponentType = "adapter"
	ComponentTypeTransport    ComponentType = "transport"
	ComponentTypeStore        ComponentType = "store"
	ComponentTypeOrchestrator ComponentType = "orchestrator"
	ComponentTypeWorker       ComponentType = "worker"
)
