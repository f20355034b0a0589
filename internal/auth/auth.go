// Package auth exposes the authentication state a tab reacts to.
package auth

import (
	"sync"

	"github.com/ganot/tabsync/internal/domain/session"
)

// Provider reports sign-in and sign-out. A nil user means signed out.
type Provider interface {
	OnAuthChange(fn func(user *session.User)) (cancel func())
}

// Local is an in-process Provider driven by SignIn and SignOut. New
// subscribers receive the current user immediately.
type Local struct {
	mu     sync.Mutex
	user   *session.User
	nextID int
	subs   map[int]func(*session.User)
}

// NewLocal returns a signed-out provider.
func NewLocal() *Local {
	return &Local{subs: make(map[int]func(*session.User))}
}

// OnAuthChange subscribes fn and replays the current state to it.
func (l *Local) OnAuthChange(fn func(user *session.User)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	current := copyUser(l.user)
	l.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
}

// User returns the signed-in user, or nil.
func (l *Local) User() *session.User {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyUser(l.user)
}

// SignIn switches to user. Signing in as the current user again is a no-op.
func (l *Local) SignIn(user session.User) {
	l.mu.Lock()
	if l.user != nil && *l.user == user {
		l.mu.Unlock()
		return
	}
	l.user = &user
	l.mu.Unlock()
	l.notify()
}

// SignOut clears the user. It does nothing when already signed out.
func (l *Local) SignOut() {
	l.mu.Lock()
	if l.user == nil {
		l.mu.Unlock()
		return
	}
	l.user = nil
	l.mu.Unlock()
	l.notify()
}

func (l *Local) notify() {
	l.mu.Lock()
	user := l.user
	subs := make([]func(*session.User), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(copyUser(user))
	}
}

func copyUser(u *session.User) *session.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
