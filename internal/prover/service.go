// internal/prover/service.go
package prover

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitsage/vm31-relayer/internal/queue"
	"github.com/bitsage/vm31-relayer/pkg/service"
)

// Service wraps the Orchestrator consumer loop as a managed service.
type Service struct {
	orchestrator *Orchestrator
	batches      <-chan queue.ReadyBatch
	status       service.Status
	cancel       context.CancelFunc
	done         sync.WaitGroup
}

// NewService creates a prover service wrapper.
func NewService(orchestrator *Orchestrator, batches <-chan queue.ReadyBatch) *Service {
	return &Service{
		orchestrator: orchestrator,
		batches:      batches,
		status:       service.StatusStopped,
	}
}

// Name returns the service name.
func (s *Service) Name() string {
	return "prover"
}

// Start launches the consumer loop.
func (s *Service) Start(ctx context.Context) error {
	s.status = service.StatusStarting

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		s.orchestrator.Run(loopCtx, s.batches)
	}()

	s.status = service.StatusRunning
	return nil
}

// Stop waits for the in-flight batch to complete, then halts the loop. The
// wait is bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.status = service.StatusStopping

	finished := make(chan struct{})
	go func() {
		s.done.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		if s.cancel != nil {
			s.cancel()
		}
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
	return []string{"batch-queue"}
}
