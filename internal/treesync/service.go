// internal/treesync/service.go
package treesync

import (
	"context"
	"fmt"

	"github.com/bitsage/vm31-relayer/pkg/service"
)

// Service wraps the Syncer loop as a managed service.
type Service struct {
	syncer *Syncer
	status service.Status
	cancel context.CancelFunc
}

// NewService creates a tree-sync service wrapper.
func NewService(syncer *Syncer) *Service {
	return &Service{
		syncer: syncer,
		status: service.StatusStopped,
	}
}

// Name returns the service name.
func (s *Service) Name() string {
	return "tree-sync"
}

// Start launches the sync loop.
func (s *Service) Start(ctx context.Context) error {
	s.status = service.StatusStarting

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.syncer.Run(loopCtx)

	s.status = service.StatusRunning
	return nil
}

// Stop halts the sync loop.
func (s *Service) Stop(ctx context.Context) error {
	s.status = service.StatusStopping
	if s.cancel != nil {
		s.cancel()
	}
	s.status = service.StatusStopped
	return nil
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
	return []string{}
}
