package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ganot/tabsync/internal/clock"
	"github.com/ganot/tabsync/internal/report"
)

// Recorder writes the leader tab's session record: one create per
// leadership episode, a heartbeat update every interval and a final
// inactive write on stop. Store failures are reported and dropped.
type Recorder struct {
	tabID    string
	records  RecordRepository
	service  *Service
	leader   LeaderChecker
	devices  DeviceResolver
	clock    clock.Clock
	interval time.Duration
	reporter *report.Reporter
	logger   *slog.Logger

	// writeMu orders store writes so no heartbeat lands after the
	// inactive write.
	writeMu sync.Mutex

	mu      sync.Mutex
	current *tracking
	episode int
	cleanup sync.WaitGroup
}

type tracking struct {
	ctx     context.Context
	record  Record
	timer   *clock.Timer
	stopped bool
}

// NewRecorder creates a recorder for tabID.
func NewRecorder(
	tabID string,
	records RecordRepository,
	service *Service,
	leader LeaderChecker,
	devices DeviceResolver,
	clk clock.Clock,
	interval time.Duration,
	reporter *report.Reporter,
) *Recorder {
	if reporter == nil {
		reporter = report.New(nil, nil)
	}
	return &Recorder{
		tabID:    tabID,
		records:  records,
		service:  service,
		leader:   leader,
		devices:  devices,
		clock:    clk,
		interval: interval,
		reporter: reporter,
		logger:   reporter.Logger().With("tab_id", tabID),
	}
}

// Tracking reports whether a record is currently being written.
func (r *Recorder) Tracking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// CurrentID returns the id of the record being written, or "".
func (r *Recorder) CurrentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.record.ID
}

// StartTracking opens a record for user. It does nothing when a record is
// already open or the tab is not the leader.
func (r *Recorder) StartTracking(ctx context.Context, user User) error {
	if user.ID == "" {
		return ErrInvalidInput
	}
	ctx = context.WithoutCancel(ctx)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if r.current != nil || !r.leader.IsLeader() {
		r.mu.Unlock()
		return nil
	}
	r.episode++
	now := r.clock.Now()
	tr := &tracking{
		ctx: ctx,
		record: Record{
			ID:          fmt.Sprintf("%s-%d", r.tabID, r.episode),
			DeviceID:    r.devices.DeviceID(),
			UserID:      user.ID,
			Start:       now,
			LastUpdated: now,
			Active:      true,
			DeviceMeta:  r.devices.Meta(),
		},
	}
	r.current = tr
	tr.timer = r.clock.AfterFunc(r.interval, func() { r.beat(tr) })
	rec := tr.record
	r.mu.Unlock()

	id, err := r.records.Create(ctx, &rec)
	if err != nil {
		r.logger.Warn("session create failed, upserting", "session_id", rec.ID, "error", err)
		if err := r.records.Upsert(ctx, &rec); err != nil {
			r.reporter.Dropped(ctx, "session create dropped", err, "session_id", rec.ID)
		}
	} else if id != "" && id != rec.ID {
		r.mu.Lock()
		tr.record.ID = id
		r.mu.Unlock()
	}
	r.logger.Info("session tracking started", "session_id", r.CurrentID(), "user_id", user.ID)

	r.cleanup.Add(1)
	go func() {
		defer r.cleanup.Done()
		if r.service == nil {
			return
		}
		if _, err := r.service.Prune(ctx, user.ID, rec.ID); err != nil {
			r.reporter.Dropped(ctx, "session cleanup failed", err, "user_id", user.ID)
		}
	}()
	return nil
}

func (r *Recorder) beat(tr *tracking) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if r.current != tr || tr.stopped {
		r.mu.Unlock()
		return
	}
	now := r.clock.Now()
	tr.advance(now)
	tr.timer = r.clock.AfterFunc(r.interval, func() { r.beat(tr) })
	rec := tr.record
	r.mu.Unlock()

	r.write(tr.ctx, rec, Patch{
		LastUpdated:     &rec.LastUpdated,
		DurationSeconds: &rec.DurationSeconds,
	}, "session heartbeat dropped")
}

// StopTracking writes the final inactive update and forgets the record.
// Calling it without an open record does nothing.
func (r *Recorder) StopTracking(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	tr := r.current
	if tr == nil {
		r.mu.Unlock()
		return
	}
	r.current = nil
	tr.stopped = true
	if tr.timer != nil {
		tr.timer.Stop()
	}
	tr.advance(r.clock.Now())
	tr.record.Active = false
	rec := tr.record
	r.mu.Unlock()

	inactive := false
	r.write(ctx, rec, Patch{
		LastUpdated:     &rec.LastUpdated,
		DurationSeconds: &rec.DurationSeconds,
		Active:          &inactive,
	}, "session stop dropped")
	r.logger.Info("session tracking stopped", "session_id", rec.ID, "duration_seconds", rec.DurationSeconds)
}

// Wait blocks until background cleanup started by StartTracking finishes.
func (r *Recorder) Wait() {
	r.cleanup.Wait()
}

// write tries an update, then one upsert, then gives up.
func (r *Recorder) write(ctx context.Context, rec Record, patch Patch, dropMsg string) {
	err := r.records.Update(ctx, rec.ID, patch)
	if err == nil {
		return
	}
	r.logger.Debug("session update failed, upserting", "session_id", rec.ID, "error", err)
	if err := r.records.Upsert(ctx, &rec); err != nil {
		r.reporter.Dropped(ctx, dropMsg, err, "session_id", rec.ID)
	}
}

func (tr *tracking) advance(now time.Time) {
	elapsed := int64(now.Sub(tr.record.Start) / time.Second)
	if elapsed > tr.record.DurationSeconds {
		tr.record.DurationSeconds = elapsed
	}
	if now.After(tr.record.LastUpdated) {
		tr.record.LastUpdated = now
	}
}
