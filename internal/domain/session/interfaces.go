package session

import (
	"context"

	"github.com/ganot/tabsync/internal/device"
)

// RecordRepository is the external session store.
type RecordRepository interface {
	// Create stores rec and returns its id. Creating an id that already
	// exists leaves the stored record untouched.
	Create(ctx context.Context, rec *Record) (string, error)
	// Update applies patch; it returns repository.ErrNotFound when id is unknown.
	Update(ctx context.Context, id string, patch Patch) error
	// Upsert creates rec if absent, otherwise merges it into the stored record.
	Upsert(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, filter Filter) ([]Record, error)
}

// LeaderChecker tells the recorder whether this tab may write.
type LeaderChecker interface {
	IsLeader() bool
}

// DeviceResolver supplies device identity for new records.
type DeviceResolver interface {
	DeviceID() string
	Meta() device.Meta
}
