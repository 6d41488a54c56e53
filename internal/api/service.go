// internal/api/service.go
package api

import (
	"context"
	"fmt"

	"github.com/bitsage/vm31-relayer/pkg/service"
)

// Service wraps the HTTP server as a managed service.
type Service struct {
	server *Server
	status service.Status
}

// NewService creates an API service wrapper.
func NewService(server *Server) *Service {
	return &Service{
		server: server,
		status: service.StatusStopped,
	}
}

// Name returns the service name.
func (s *Service) Name() string {
	return "api"
}

// Start launches the HTTP listener.
func (s *Service) Start(ctx context.Context) error {
	s.status = service.StatusStarting

	go func() {
		if err := s.server.Start(); err != nil {
			s.server.logger.Error("API server exited", "error", err)
			s.status = service.StatusError
		}
	}()

	s.status = service.StatusRunning
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Service) Stop(ctx context.Context) error {
	s.status = service.StatusStopping
	err := s.server.Shutdown(ctx)
	s.status = service.StatusStopped
	return err
}

// Status returns the current service status.
func (s *Service) Status() service.Status {
	return s.status
}

// Health performs a health check.
func (s *Service) Health() error {
	if s.status != service.StatusRunning {
		return fmt.Errorf("service not running")
	}
	return nil
}

// Dependencies returns the services this service depends on.
func (s *Service) Dependencies() []string {
	return []string{"batch-queue", "prover"}
}
