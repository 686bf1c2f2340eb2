package model

import (
	"slices"
	"sync"
	"time"

	"originlock/internal/origin"
	"originlock/internal/scope"
)

type EventKind string

const (
	EventRequested EventKind = "requested"
	EventGranted   EventKind = "granted"
	EventReleased  EventKind = "released"
	EventCanceled  EventKind = "canceled"
	EventRejected  EventKind = "rejected"
)

// Event is published for every lifecycle transition of a lock record.
type Event struct {
	Kind   EventKind
	Origin origin.Origin
	LockID int64
	Scope  scope.Set
	Mode   Mode
	At     time.Time
}

type subscriber struct {
	id int
	fn func(Event)
}

// registry fans events out to subscribers. Subscribe hands back the only
// way to unsubscribe, so a subscriber cannot be leaked by a missing Remove.
type registry struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

func (r *registry) subscribe(fn func(Event)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscriber{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.subs = slices.DeleteFunc(r.subs, func(s subscriber) bool { return s.id == id })
		})
	}
}

func (r *registry) snapshot() []subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.subs)
}
