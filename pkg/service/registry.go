// pkg/service/registry.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitsage/vm31-relayer/pkg/logging"
)

// Registry manages all services and their lifecycle: registration,
// dependency resolution, and coordinated startup and shutdown.
type Registry struct {
	services map[string]Service
	mutex    sync.RWMutex
	logger   *logging.Logger

	// healthTimeout bounds how long StartAll waits for each service to
	// report healthy.
	healthTimeout time.Duration
}

// NewRegistry creates a new service registry with the provided logger.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		services:      make(map[string]Service),
		logger:        logger,
		healthTimeout: 30 * time.Second,
	}
}

// Register adds a service to the registry. It returns an error if a service
// with the same name is already registered.
func (r *Registry) Register(service Service) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := service.Name()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	r.services[name] = service
	r.logger.Info("Service registered", "name", name)
	return nil
}

// Get returns a service by name.
func (r *Registry) Get(name string) (Service, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	service, exists := r.services[name]
	if !exists {
		return nil, fmt.Errorf("service %s not found", name)
	}

	return service, nil
}

// StartAll starts all services in dependency order and waits for each to
// become healthy before starting the next one.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	order, err := topologicalSort(dependencyGraph(r.services))
	if err != nil {
		return fmt.Errorf("dependency cycle detected: %w", err)
	}

	for _, name := range order {
		service := r.services[name]
		r.logger.Info("Starting service", "name", name)

		if err := service.Start(ctx); err != nil {
			return fmt.Errorf("failed to start service %s: %w", name, err)
		}

		if err := r.waitForHealth(ctx, service); err != nil {
			return err
		}
	}

	return nil
}

// StopAll stops all services in reverse dependency order. Errors are logged
// but do not abort the remaining stops.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	order, err := topologicalSort(dependencyGraph(r.services))
	if err != nil {
		return fmt.Errorf("dependency cycle detected: %w", err)
	}

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		service := r.services[name]
		r.logger.Info("Stopping service", "name", name)

		if err := service.Stop(ctx); err != nil {
			r.logger.Error("Error stopping service", "name", name, "error", err)
		}
	}

	return nil
}

// HealthCheck performs health checks on all services.
func (r *Registry) HealthCheck() map[string]error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	results := make(map[string]error)
	for name, service := range r.services {
		results[name] = service.Health()
	}

	return results
}

// waitForHealth polls the service's Health method until it returns nil or
// the timeout expires.
func (r *Registry) waitForHealth(ctx context.Context, service Service) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	timeout := time.After(r.healthTimeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("timeout waiting for service %s to become healthy", service.Name())
		case <-ticker.C:
			if err := service.Health(); err == nil {
				return nil
			}
		}
	}
}

// dependencyGraph creates a graph where keys are service names and values
// are the services the key depends on.
func dependencyGraph(services map[string]Service) map[string][]string {
	graph := make(map[string][]string, len(services))
	for name, service := range services {
		graph[name] = service.Dependencies()
	}
	return graph
}

// topologicalSort sorts the dependency graph into start order, detecting
// cycles.
func topologicalSort(graph map[string][]string) ([]string, error) {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	order := make([]string, 0, len(graph))

	var visit func(node string) error
	visit = func(node string) error {
		if inStack[node] {
			return fmt.Errorf("dependency cycle involving service %s", node)
		}
		if visited[node] {
			return nil
		}

		inStack[node] = true
		for _, dep := range graph[node] {
			// Skip dependencies that are not registered services
			if _, exists := graph[dep]; !exists {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		inStack[node] = false
		visited[node] = true
		order = append(order, node)
		return nil
	}

	for node := range graph {
		if !visited[node] {
			if err := visit(node); err != nil {
				return nil, err
			}
		}
	}

	return order, nil
}
