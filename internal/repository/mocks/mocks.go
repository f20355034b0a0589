package mocks

import (
	"context"

	"github.com/ganot/tabsync/internal/domain/session"
	"github.com/stretchr/testify/mock"
)

// SessionRepository is a mock for repository.SessionRepository.
type SessionRepository struct {
	mock.Mock
}

func (m *SessionRepository) Create(ctx context.Context, rec *session.Record) (string, error) {
	args := m.Called(ctx, rec)
	return args.String(0), args.Error(1)
}

func (m *SessionRepository) Update(ctx context.Context, id string, patch session.Patch) error {
	args := m.Called(ctx, id, patch)
	return args.Error(0)
}

func (m *SessionRepository) Upsert(ctx context.Context, rec *session.Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *SessionRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *SessionRepository) Query(ctx context.Context, filter session.Filter) ([]session.Record, error) {
	args := m.Called(ctx, filter)
	if list, ok := args.Get(0).([]session.Record); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// LeaderChecker is a mock for session.LeaderChecker.
type LeaderChecker struct {
	mock.Mock
}

func (m *LeaderChecker) IsLeader() bool {
	args := m.Called()
	return args.Bool(0)
}
