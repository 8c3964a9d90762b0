// Package presence tracks which users currently hold at least one live
// session.
package presence

import (
	"sort"
	"sync"
)

type EventKind int

const (
	Online EventKind = iota
	Offline
)

func (k EventKind) String() string {
	if k == Online {
		return "online"
	}
	return "offline"
}

type Event struct {
	Kind   EventKind
	UserId string
}

// Registry maps user ids to their open session ids. Events are emitted only
// on the 0->1 and 1->0 edges of a user's session count.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]map[string]struct{}
	listeners []func(Event)
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds a listener for online/offline transitions. Listeners run
// while the registry lock is held so that transitions for a user are seen
// in order; they must not block or call back into the registry.
func (r *Registry) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register records a session for userId and reports whether the user just
// came online.
func (r *Registry) Register(sessionId, userId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[userId]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[userId] = set
	}

	if _, dup := set[sessionId]; dup {
		return false
	}
	set[sessionId] = struct{}{}

	if len(set) == 1 {
		r.emit(Event{Kind: Online, UserId: userId})
		return true
	}
	return false
}

// Unregister removes a session and reports whether the user just went
// offline. Unknown sessions are ignored.
func (r *Registry) Unregister(sessionId, userId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[userId]
	if !ok {
		return false
	}
	if _, ok := set[sessionId]; !ok {
		return false
	}

	delete(set, sessionId)
	if len(set) == 0 {
		delete(r.sessions, userId)
		r.emit(Event{Kind: Offline, UserId: userId})
		return true
	}
	return false
}

func (r *Registry) IsOnline(userId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sessions[userId]
	return ok
}

// OnlineUsers returns a sorted snapshot of online user ids.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.sessions))
	for userId := range r.sessions {
		users = append(users, userId)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) SessionCount(userId string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[userId])
}

func (r *Registry) emit(e Event) {
	for _, fn := range r.listeners {
		fn(e)
	}
}
