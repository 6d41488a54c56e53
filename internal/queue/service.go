// internal/queue/service.go
package queue

import (
	"context"
	"fmt"

	"github.com/bitsage/vm31-relayer/pkg/service"
)

// Service wraps the BatchQueue timeout loop as a managed service.
type Service struct {
	queue  *BatchQueue
	status service.Status
	cancel context.CancelFunc
}

// NewService creates a queue service wrapper.
func NewService(queue *BatchQueue) *Service {
	return &Service{
		queue:  queue,
		status: service.StatusStopped,
	}
}

// Name returns the service name.
func (s *Service) Name() string {
	return "batch-queue"
}

// Start launches the timeout loop.
func (s *Service) Start(ctx context.Context) error {
	s.status = service.StatusStarting

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.queue.RunTimeoutLoop(loopCtx)

	s.status = service.StatusRunning
	return nil
}

// Stop halts the timeout loop. Draining of remaining transactions is the
// caller's responsibility (best-effort force flush at shutdown).
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
