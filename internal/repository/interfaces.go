package repository

import "github.com/ganot/tabsync/internal/domain/session"

// SessionRepository manages session record persistence
type SessionRepository interface {
	session.RecordRepository
}
