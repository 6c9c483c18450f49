package proactive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantumlife/pulse/internal/logging"
)

var log = logging.WithField("component", "proactive")

// Service runs housekeeping for the aggregator in the background
type Service struct {
	aggregator *Aggregator

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex

	config ServiceConfig
}

// ServiceConfig configures the proactive service
type ServiceConfig struct {
	// Surfaced insights older than this are dropped even if never dismissed
	SurfacedTTL time.Duration
	// Conversations with no refresh for this long are forgotten
	IdleTTL time.Duration

	CleanupInterval time.Duration
}

// DefaultServiceConfig returns sensible defaults
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SurfacedTTL:     7 * 24 * time.Hour,
		IdleTTL:         30 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// NewService creates a new proactive service around an aggregator
func NewService(aggregator *Aggregator, config ServiceConfig) *Service {
	if aggregator == nil {
		aggregator = NewAggregator()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultServiceConfig().CleanupInterval
	}
	return &Service{
		aggregator: aggregator,
		config:     config,
		stopCh:     make(chan struct{}),
	}
}

// Aggregator returns the wrapped aggregator
func (s *Service) Aggregator() *Aggregator {
	return s.aggregator
}

// Start begins background cleanup
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("proactive service already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runCleanupLoop(ctx)

	log.Debug("Proactive service started")
	return nil
}

// Stop stops the proactive service and waits for the loop to exit
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	log.Debug("Proactive service stopped")
}

// IsRunning checks if service is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// runCleanupLoop periodically cleans up old state
func (s *Service) runCleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.Cleanup(now)
		}
	}
}

// Cleanup removes expired surfaced insights and idle conversations
func (s *Service) Cleanup(now time.Time) {
	if s.config.SurfacedTTL > 0 {
		if n := s.aggregator.PruneSurfaced(now.Add(-s.config.SurfacedTTL)); n > 0 {
			log.Info("Cleaned up %d expired surfaced insights", n)
		}
	}
	if s.config.IdleTTL > 0 {
		if n := s.aggregator.PruneIdle(now.Add(-s.config.IdleTTL)); n > 0 {
			log.Info("Forgot %d idle conversations", n)
		}
	}
}

// Stats represents proactive service statistics
type Stats struct {
	Running       bool `json:"running"`
	Conversations int  `json:"conversations"`
}

// GetStats returns proactive service statistics
func (s *Service) GetStats() Stats {
	return Stats{
		Running:       s.IsRunning(),
		Conversations: s.aggregator.Conversations(),
	}
}
