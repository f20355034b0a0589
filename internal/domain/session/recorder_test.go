package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ganot/tabsync/internal/clock"
	"github.com/ganot/tabsync/internal/device"
	"github.com/ganot/tabsync/internal/domain/session"
	"github.com/ganot/tabsync/internal/kv"
	"github.com/ganot/tabsync/internal/repository"
	"github.com/ganot/tabsync/internal/repository/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	clock    *clock.FakeClock
	repo     *mocks.SessionRepository
	leader   *mocks.LeaderChecker
	recorder *session.Recorder
}

func newFixture(isLeader bool) *fixture {
	clk := clock.Fake(epoch)
	repo := &mocks.SessionRepository{}
	leader := &mocks.LeaderChecker{}
	leader.On("IsLeader").Return(isLeader)
	devices := device.NewResolver(kv.NewMemory().View(), device.Environment{ViewportWidth: 1280}, clk, nil)
	svc := session.NewService(repo, clk, session.DefaultRetention(), nil)
	return &fixture{
		clock:    clk,
		repo:     repo,
		leader:   leader,
		recorder: session.NewRecorder("tab-1", repo, svc, leader, devices, clk, 30*time.Second, nil),
	}
}

func (f *fixture) updates() []session.Patch {
	var out []session.Patch
	for _, call := range f.repo.Calls {
		if call.Method == "Update" {
			out = append(out, call.Arguments.Get(2).(session.Patch))
		}
	}
	return out
}

func TestRecorder_StartTracking_RequiresLeader(t *testing.T) {
	f := newFixture(false)

	require.NoError(t, f.recorder.StartTracking(context.Background(), session.User{ID: "u1"}))
	require.False(t, f.recorder.Tracking())
	f.repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	require.Equal(t, 0, f.clock.PendingCount())
}

func TestRecorder_StartTracking_InvalidUser(t *testing.T) {
	f := newFixture(true)
	require.ErrorIs(t, f.recorder.StartTracking(context.Background(), session.User{}), session.ErrInvalidInput)
}

func TestRecorder_StartTracking_CreatesRecordOnce(t *testing.T) {
	f := newFixture(true)
	f.repo.On("Create", mock.Anything, mock.Anything).Return("tab-1-1", nil).Once()
	f.repo.On("Query", mock.Anything, mock.Anything).Return([]session.Record{}, nil)

	ctx := context.Background()
	require.NoError(t, f.recorder.StartTracking(ctx, session.User{ID: "u1"}))
	require.NoError(t, f.recorder.StartTracking(ctx, session.User{ID: "u1"}))
	f.recorder.Wait()

	require.True(t, f.recorder.Tracking())
	require.Equal(t, "tab-1-1", f.recorder.CurrentID())

	created := f.repo.Calls[0].Arguments.Get(1).(*session.Record)
	require.Equal(t, "tab-1-1", created.ID)
	require.Equal(t, "u1", created.UserID)
	require.True(t, created.Active)
	require.Equal(t, epoch, created.Start)
	require.Equal(t, int64(0), created.DurationSeconds)
	require.Contains(t, created.DeviceID, "Desktop_")
	require.Equal(t, device.Desktop, created.DeviceMeta.Type)
	f.repo.AssertNumberOfCalls(t, "Create", 1)
}

func TestRecorder_HeartbeatIsMonotonicAndStopsOnce(t *testing.T) {
	f := newFixture(true)
	f.repo.On("Create", mock.Anything, mock.Anything).Return("tab-1-1", nil)
	f.repo.On("Query", mock.Anything, mock.Anything).Return([]session.Record{}, nil)
	f.repo.On("Update", mock.Anything, "tab-1-1", mock.Anything).Return(nil)

	ctx := context.Background()
	require.NoError(t, f.recorder.StartTracking(ctx, session.User{ID: "u1"}))
	f.recorder.Wait()

	f.clock.Advance(95 * time.Second)
	f.recorder.StopTracking(ctx)
	f.recorder.StopTracking(ctx)
	f.clock.Advance(10 * time.Minute)

	patches := f.updates()
	require.Len(t, patches, 4)

	var durations []int64
	inactiveWrites := 0
	for _, p := range patches {
		durations = append(durations, *p.DurationSeconds)
		if p.Active != nil && !*p.Active {
			inactiveWrites++
		}
	}
	require.Equal(t, []int64{30, 60, 90, 95}, durations)
	require.Equal(t, 1, inactiveWrites)
	require.NotNil(t, patches[3].Active)
	require.False(t, f.recorder.Tracking())
	require.Equal(t, 0, f.clock.PendingCount())
}

func TestRecorder_UpdateFallsBackToUpsert(t *testing.T) {
	f := newFixture(true)
	f.repo.On("Create", mock.Anything, mock.Anything).Return("tab-1-1", nil)
	f.repo.On("Query", mock.Anything, mock.Anything).Return([]session.Record{}, nil)
	f.repo.On("Update", mock.Anything, "tab-1-1", mock.Anything).Return(repository.ErrNotFound)
	f.repo.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.recorder.StartTracking(context.Background(), session.User{ID: "u1"}))
	f.recorder.Wait()
	f.clock.Advance(30 * time.Second)

	f.repo.AssertNumberOfCalls(t, "Upsert", 1)
	upserted := f.repo.Calls[len(f.repo.Calls)-1].Arguments.Get(1).(*session.Record)
	require.Equal(t, "tab-1-1", upserted.ID)
	require.Equal(t, int64(30), upserted.DurationSeconds)
	require.True(t, upserted.Active)
	require.Equal(t, epoch, upserted.Start)
}

func TestRecorder_DroppedWritesDoNotStopTracking(t *testing.T) {
	f := newFixture(true)
	backendDown := errors.New("backend down")
	f.repo.On("Create", mock.Anything, mock.Anything).Return("", backendDown)
	f.repo.On("Query", mock.Anything, mock.Anything).Return(nil, backendDown)
	f.repo.On("Update", mock.Anything, "tab-1-1", mock.Anything).Return(backendDown)
	f.repo.On("Upsert", mock.Anything, mock.Anything).Return(backendDown)

	require.NoError(t, f.recorder.StartTracking(context.Background(), session.User{ID: "u1"}))
	f.recorder.Wait()
	f.clock.Advance(60 * time.Second)

	require.True(t, f.recorder.Tracking())
	require.Equal(t, "tab-1-1", f.recorder.CurrentID())
	f.repo.AssertNumberOfCalls(t, "Update", 2)
	f.repo.AssertNumberOfCalls(t, "Upsert", 3)
}

func TestRecorder_NewEpisodeGetsNewRecord(t *testing.T) {
	f := newFixture(true)
	f.repo.On("Create", mock.Anything, mock.Anything).Return("", nil)
	f.repo.On("Query", mock.Anything, mock.Anything).Return([]session.Record{}, nil)
	f.repo.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	ctx := context.Background()
	require.NoError(t, f.recorder.StartTracking(ctx, session.User{ID: "u1"}))
	f.recorder.StopTracking(ctx)
	require.NoError(t, f.recorder.StartTracking(ctx, session.User{ID: "u1"}))
	f.recorder.Wait()

	require.Equal(t, "tab-1-2", f.recorder.CurrentID())
}
