// Package retention periodically removes CLOSED events past their
// retention window, so the Blackboard does not grow without bound.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/darwin-brain/pkg/blackboard"
	"github.com/codeready-toolchain/darwin-brain/pkg/config"
)

// Service runs the retention sweep on a fixed interval.
type Service struct {
	store  blackboard.Store
	config *config.RetentionConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService constructs a retention Service.
func NewService(store blackboard.Store, cfg *config.RetentionConfig) *Service {
	return &Service{store: store, config: cfg}
}

// Start launches the background sweep loop. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("retention service started",
		"session_retention_days", s.config.SessionRetentionDays,
		"event_ttl", s.config.EventTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	if s.config.SessionRetentionDays > 0 {
		cutoff := time.Now().Add(-time.Duration(s.config.SessionRetentionDays) * 24 * time.Hour)
		count, err := s.store.DeleteClosedBefore(ctx, cutoff)
		if err != nil {
			slog.Error("retention: closed-event sweep failed", "error", err)
		} else if count > 0 {
			slog.Info("retention: deleted closed events", "count", count, "cutoff", cutoff)
		}
	}

	if s.config.EventTTL > 0 {
		cutoff := time.Now().Add(-s.config.EventTTL)
		count, err := s.store.DeleteStaleBefore(ctx, cutoff)
		if err != nil {
			slog.Error("retention: stale-event sweep failed", "error", err)
		} else if count > 0 {
			slog.Info("retention: deleted stale non-closed events", "count", count, "cutoff", cutoff)
		}
	}
}
