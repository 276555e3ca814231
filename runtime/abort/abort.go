// Package abort implements the session abort registry: the single source of
// truth for "is this session still wanted." Cancellation is cooperative and
// level-triggered; setting the flag never interrupts an in-flight model call,
// the controller observes it at its next step boundary.
//
// The registry is interface-bound so tests can substitute fakes. Its only
// required consistency property is read-your-own-write per session id; there
// is no global ordering guarantee.
package abort

import (
	"errors"
	"sync"
	"sync/atomic"
)

type (
	// Registry tracks cancellation state for active sessions.
	Registry interface {
		// Register creates the cancellation handle for a session. At most one
		// session per conversation is active: registering a session for a
		// conversation that already has a live entry cancels the old entry
		// (the new session supersedes it).
		Register(sessionID, conversationID string) (*Handle, error)
		// Cancel sets the session's cancel flag. Returns whether the session
		// was active (registered and not yet cleared).
		Cancel(sessionID string) bool
		// Clear removes the session's entry. Called by the controller at
		// session end; idempotent.
		Clear(sessionID string)
	}

	// Handle is a read-only view of one session's cancel flag. The owning
	// controller polls Cancelled at step boundaries.
	Handle struct {
		sessionID      string
		conversationID string
		cancelled      atomic.Bool
	}

	// InMemory is the default process-wide Registry: a mutex-guarded map
	// keyed by session id with a conversation index for supersede semantics.
	InMemory struct {
		mu       sync.Mutex
		sessions map[string]*Handle
		byConv   map[string]string
	}
)

// NewInMemory returns an empty in-memory registry.
func NewInMemory() *InMemory {
	return &InMemory{
		sessions: make(map[string]*Handle),
		byConv:   make(map[string]string),
	}
}

// Register implements Registry.
func (r *InMemory) Register(sessionID, conversationID string) (*Handle, error) {
	if sessionID == "" {
		return nil, errors.New("abort: session id is required")
	}
	if conversationID == "" {
		return nil, errors.New("abort: conversation id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		return nil, errors.New("abort: session already registered")
	}
	if prevID, ok := r.byConv[conversationID]; ok {
		if prev, ok := r.sessions[prevID]; ok {
			prev.cancelled.Store(true)
		}
	}
	h := &Handle{sessionID: sessionID, conversationID: conversationID}
	r.sessions[sessionID] = h
	r.byConv[conversationID] = sessionID
	return h, nil
}

// Cancel implements Registry.
func (r *InMemory) Cancel(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	h.cancelled.Store(true)
	return true
}

// Clear implements Registry.
func (r *InMemory) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if r.byConv[h.conversationID] == sessionID {
		delete(r.byConv, h.conversationID)
	}
}

// SessionID returns the session this handle belongs to.
func (h *Handle) SessionID() string { return h.sessionID }

// Cancelled reports whether cancellation was requested. Level-triggered: once
// true it stays true, so a late-checking step still observes it.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }
