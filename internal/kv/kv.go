// Package kv provides the shared key-value store that all tabs of one
// profile can see, with change notifications for writes made elsewhere.
package kv

import "errors"

// ErrUnavailable is returned by stores that cannot be read or written.
var ErrUnavailable = errors.New("kv store unavailable")

// Change describes a write observed on the shared store.
type Change struct {
	Key     string
	Value   string
	Removed bool
}

// Store is one tab's view of the shared key-value store.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	// Watch registers fn for changes to the shared store. The returned
	// function unregisters it.
	Watch(fn func(Change)) (cancel func())
}

// Unavailable returns a Store on which every operation fails.
func Unavailable() Store {
	return unavailable{}
}

type unavailable struct{}

func (unavailable) Get(string) (string, bool, error) { return "", false, ErrUnavailable }
func (unavailable) Set(string, string) error         { return ErrUnavailable }
func (unavailable) Remove(string) error              { return ErrUnavailable }
func (unavailable) Watch(func(Change)) func()        { return func() {} }
