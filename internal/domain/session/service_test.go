package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ganot/tabsync/internal/clock"
	"github.com/ganot/tabsync/internal/domain/session"
	"github.com/ganot/tabsync/internal/repository/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func activeFilter(active bool) any {
	return mock.MatchedBy(func(f session.Filter) bool {
		return f.Active != nil && *f.Active == active
	})
}

func TestService_Prune(t *testing.T) {
	ctx := context.Background()
	now := epoch.Add(60 * 24 * time.Hour)
	repo := &mocks.SessionRepository{}
	svc := session.NewService(repo, clock.Fake(now), session.DefaultRetention(), nil)

	repo.On("Query", ctx, activeFilter(true)).Return([]session.Record{
		{ID: "orphan", UserID: "u1", Active: true},
		{ID: "current", UserID: "u1", Active: true},
	}, nil)
	repo.On("Query", ctx, activeFilter(false)).Return([]session.Record{
		{ID: "old", UserID: "u1"},
	}, nil)
	repo.On("Update", ctx, "orphan", mock.MatchedBy(func(p session.Patch) bool {
		return p.Active != nil && !*p.Active && p.DurationSeconds == nil
	})).Return(nil)
	repo.On("Delete", ctx, "old").Return(nil)

	result, err := svc.Prune(ctx, "u1", "current")
	require.NoError(t, err)
	require.Equal(t, session.PruneResult{Orphaned: 1, Deleted: 1}, result)
	repo.AssertExpectations(t)

	filter := repo.Calls[0].Arguments.Get(1).(session.Filter)
	require.Equal(t, "u1", filter.UserID)
	require.Equal(t, now.Add(-24*time.Hour), filter.UpdatedBefore)
	filter = repo.Calls[2].Arguments.Get(1).(session.Filter)
	require.Equal(t, now.Add(-30*24*time.Hour), filter.UpdatedBefore)
}

func TestService_PruneContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.SessionRepository{}
	svc := session.NewService(repo, clock.Fake(epoch), session.DefaultRetention(), nil)

	queryErr := errors.New("query failed")
	repo.On("Query", ctx, activeFilter(true)).Return(nil, queryErr)
	repo.On("Query", ctx, activeFilter(false)).Return([]session.Record{{ID: "old"}}, nil)
	repo.On("Delete", ctx, "old").Return(nil)

	result, err := svc.Prune(ctx, "u1", "")
	require.ErrorIs(t, err, queryErr)
	require.Equal(t, 1, result.Deleted)
}

func TestService_GetAndSummarize(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.SessionRepository{}
	svc := session.NewService(repo, clock.Fake(epoch), session.DefaultRetention(), nil)

	repo.On("Query", ctx, session.Filter{ID: "missing", Limit: 1}).Return([]session.Record{}, nil)
	repo.On("Query", ctx, session.Filter{ID: "s1", Limit: 1}).Return([]session.Record{{ID: "s1"}}, nil)
	repo.On("Query", ctx, session.Filter{UserID: "u1"}).Return([]session.Record{
		{ID: "s1", DurationSeconds: 120, Active: true},
		{ID: "s2", DurationSeconds: 30},
	}, nil)

	_, err := svc.Get(ctx, "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	rec, err := svc.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", rec.ID)

	summary, err := svc.Summarize(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, &session.Summary{UserID: "u1", Sessions: 2, ActiveSessions: 1, TotalSeconds: 150}, summary)

	_, err = svc.Summarize(ctx, "")
	require.ErrorIs(t, err, session.ErrInvalidInput)
}
