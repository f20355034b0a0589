package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ganot/tabsync/internal/clock"
)

// RetentionConfig bounds how long records are kept.
type RetentionConfig struct {
	// OrphanCeiling is how long an active record may go without an update
	// before it is assumed abandoned by a crashed tab.
	OrphanCeiling time.Duration
	// Retention is how long inactive records are kept.
	Retention time.Duration
}

// DefaultRetention returns a 24h orphan ceiling and 30 day retention.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{OrphanCeiling: 24 * time.Hour, Retention: 30 * 24 * time.Hour}
}

// Service reads and maintains recorded sessions.
type Service struct {
	records   RecordRepository
	clock     clock.Clock
	retention RetentionConfig
	logger    *slog.Logger
}

// NewService creates a new session service.
func NewService(records RecordRepository, clk clock.Clock, retention RetentionConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		records:   records,
		clock:     clk,
		retention: retention,
		logger:    logger,
	}
}

// List returns records matching filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]Record, error) {
	records, err := s.records.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	return records, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	records, err := s.records.Query(ctx, Filter{ID: id, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrSessionNotFound
	}
	return &records[0], nil
}

// Summarize totals a user's recorded time.
func (s *Service) Summarize(ctx context.Context, userID string) (*Summary, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	records, err := s.records.Query(ctx, Filter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	summary := &Summary{UserID: userID, Sessions: len(records)}
	for _, rec := range records {
		summary.TotalSeconds += rec.DurationSeconds
		if rec.Active {
			summary.ActiveSessions++
		}
	}
	return summary, nil
}

// PruneResult counts what a retention pass changed.
type PruneResult struct {
	Orphaned int `json:"orphaned"`
	Deleted  int `json:"deleted"`
}

// Prune marks the user's abandoned active records inactive and deletes
// inactive records past retention. The record with id keep is never
// touched. Individual failures do not stop the pass; the first one is
// returned after everything else has been tried.
func (s *Service) Prune(ctx context.Context, userID, keep string) (PruneResult, error) {
	var result PruneResult
	if userID == "" {
		return result, ErrInvalidInput
	}
	now := s.clock.Now()
	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	active := true
	orphans, err := s.records.Query(ctx, Filter{
		UserID:        userID,
		Active:        &active,
		UpdatedBefore: now.Add(-s.retention.OrphanCeiling),
	})
	if err != nil {
		fail(fmt.Errorf("querying orphaned sessions: %w", err))
	}
	for _, rec := range orphans {
		if rec.ID == keep {
			continue
		}
		inactive := false
		if err := s.records.Update(ctx, rec.ID, Patch{Active: &inactive}); err != nil {
			fail(fmt.Errorf("closing orphaned session %s: %w", rec.ID, err))
			continue
		}
		result.Orphaned++
	}

	inactive := false
	expired, err := s.records.Query(ctx, Filter{
		UserID:        userID,
		Active:        &inactive,
		UpdatedBefore: now.Add(-s.retention.Retention),
	})
	if err != nil {
		fail(fmt.Errorf("querying expired sessions: %w", err))
	}
	for _, rec := range expired {
		if rec.ID == keep {
			continue
		}
		if err := s.records.Delete(ctx, rec.ID); err != nil {
			fail(fmt.Errorf("deleting session %s: %w", rec.ID, err))
			continue
		}
		result.Deleted++
	}

	if result.Orphaned > 0 || result.Deleted > 0 {
		s.logger.Info("pruned sessions", "user_id", userID, "orphaned", result.Orphaned, "deleted", result.Deleted)
	}
	return result, firstErr
}
