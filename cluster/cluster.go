// Package cluster holds the master/backup identity types and the local
// view of cluster membership that replication and garbage collection
// consume.
package cluster

import (
	"errors"
	"fmt"
	"sync"
)

// ErrServerNotUp is surfaced by transports and clients when the target
// server is absent from the cluster view or unreachable.
var ErrServerNotUp = errors.New("cluster: server is not up")

// ServerID identifies one server process in the cluster. Zero is invalid.
type ServerID uint64

// IsValid reports whether the id names a real server.
func (id ServerID) IsValid() bool { return id != 0 }

func (id ServerID) String() string { return fmt.Sprintf("%d", uint64(id)) }

// ServerStatus is the lifecycle of a server in the cluster view.
type ServerStatus int8

const (
	// ServerUp means the server is believed to be operating normally.
	ServerUp ServerStatus = iota

	// ServerCrashed means the server has failed but its recovery has not
	// completed; its replicas may still be needed.
	ServerCrashed

	// ServerRemoved means the cluster has fully recovered from the
	// server's failure and it will never return.
	ServerRemoved
)

func (s ServerStatus) String() string {
	switch s {
	case ServerUp:
		return "up"
	case ServerCrashed:
		return "crashed"
	case ServerRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one membership change delivered to trackers.
type Event struct {
	ID     ServerID
	Status ServerStatus
}

// View is a thread-safe snapshot of the known servers. Trackers registered
// on the view receive every change in order.
type View struct {
	mu       sync.Mutex
	servers  map[ServerID]ServerStatus
	trackers []*Tracker
}

// NewView returns an empty cluster view.
func NewView() *View {
	return &View{servers: make(map[ServerID]ServerStatus)}
}

// Add marks id as up and notifies trackers.
func (v *View) Add(id ServerID) { v.apply(Event{ID: id, Status: ServerUp}) }

// Crashed marks id as crashed and notifies trackers.
func (v *View) Crashed(id ServerID) { v.apply(Event{ID: id, Status: ServerCrashed}) }

// Remove deletes id from the view and notifies trackers.
func (v *View) Remove(id ServerID) { v.apply(Event{ID: id, Status: ServerRemoved}) }

func (v *View) apply(ev Event) {
	v.mu.Lock()
	if ev.Status == ServerRemoved {
		delete(v.servers, ev.ID)
	} else {
		v.servers[ev.ID] = ev.Status
	}
	trackers := make([]*Tracker, len(v.trackers))
	copy(trackers, v.trackers)
	v.mu.Unlock()

	for _, tr := range trackers {
		tr.enqueue(ev)
	}
}

// Status returns the status of id and whether the view knows it at all.
func (v *View) Status(id ServerID) (ServerStatus, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.servers[id]
	return st, ok
}

// IsUp reports whether id is present and up.
func (v *View) IsUp(id ServerID) bool {
	st, ok := v.Status(id)
	return ok && st == ServerUp
}

// Servers returns the ids of all servers currently in the view.
func (v *View) Servers() []ServerID {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]ServerID, 0, len(v.servers))
	for id := range v.servers {
		ids = append(ids, id)
	}
	return ids
}

// Tracker buffers membership events for one consumer. Consumers either
// poll Next or block on Chan.
type Tracker struct {
	mu      sync.Mutex
	events  []Event
	notifyc chan struct{}

	// onEnqueue, when set, runs after every enqueued event. The backup
	// service uses it to kick its task queue.
	onEnqueue func()
}

// NewTracker registers a new tracker on the view. Events arriving after
// registration are buffered until consumed.
func (v *View) NewTracker() *Tracker {
	tr := &Tracker{notifyc: make(chan struct{}, 1)}
	v.mu.Lock()
	v.trackers = append(v.trackers, tr)
	v.mu.Unlock()
	return tr
}

// SetNotify installs fn to run after each enqueued event.
func (tr *Tracker) SetNotify(fn func()) {
	tr.mu.Lock()
	tr.onEnqueue = fn
	tr.mu.Unlock()
}

func (tr *Tracker) enqueue(ev Event) {
	tr.mu.Lock()
	tr.events = append(tr.events, ev)
	fn := tr.onEnqueue
	tr.mu.Unlock()

	select {
	case tr.notifyc <- struct{}{}:
	default:
	}
	if fn != nil {
		fn()
	}
}

// Next pops the oldest buffered event; ok is false when none is pending.
func (tr *Tracker) Next() (ev Event, ok bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.events) == 0 {
		return Event{}, false
	}
	ev = tr.events[0]
	tr.events = tr.events[1:]
	return ev, true
}

// Chan signals when at least one event is pending.
func (tr *Tracker) Chan() <-chan struct{} { return tr.notifyc }
