package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/aeolun/relaychat/pkg/database"
)

// ErrAlreadyOnline indicates another live session already serves the handle
var ErrAlreadyOnline = errors.New("handle already online")

// RouteResult tells the sender what happened to a message
type RouteResult int

const (
	// Delivered means the recipient's session accepted the message for writing
	Delivered RouteResult = iota
	// Queued means the message was stored for the recipient's next UNREAD
	Queued
)

func (r RouteResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}

// Registry maps each online handle to the session serving it.
//
// Lock order is Registry then Directory: operations that must be atomic
// across both (login, registration, deletion, routing) call into the
// directory while holding the registry lock, never the other way round.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	dir      DirectoryStore
	metrics  *Metrics
}

// NewRegistry creates an empty registry routing offline messages into dir
func NewRegistry(dir DirectoryStore) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		dir:      dir,
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Register marks handle as served by sess
func (r *Registry) Register(handle string, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(handle, sess)
}

func (r *Registry) registerLocked(handle string, sess *Session) error {
	if _, ok := r.sessions[handle]; ok {
		return ErrAlreadyOnline
	}
	r.sessions[handle] = sess
	r.recordOnline()
	return nil
}

// Unregister removes the entry for handle if it belongs to sess. Calling it
// for a handle that is absent, or owned by another session, does nothing.
func (r *Registry) Unregister(handle string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(handle, sess)
}

func (r *Registry) unregisterLocked(handle string, sess *Session) bool {
	if current, ok := r.sessions[handle]; !ok || current != sess {
		return false
	}
	delete(r.sessions, handle)
	r.recordOnline()
	return true
}

// Login brings a registered handle online. The directory check and the
// insert happen under one lock so a concurrent deletion cannot leave the
// handle online but unregistered.
func (r *Registry) Login(handle string, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.dir.IsRegistered(handle) {
		return database.ErrUnknownHandle
	}
	return r.registerLocked(handle, sess)
}

// Create registers a new handle in the directory and brings it online
func (r *Registry) Create(handle string, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.dir.Register(handle); err != nil {
		return err
	}
	return r.registerLocked(handle, sess)
}

// Delete takes the handle offline and removes it from the directory,
// purging its pending messages. Only the session serving the handle may
// delete it.
func (r *Registry) Delete(handle string, sess *Session) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.unregisterLocked(handle, sess) {
		return 0, database.ErrUnknownHandle
	}
	return r.dir.Remove(handle)
}

// Lookup returns the session serving handle
func (r *Registry) Lookup(handle string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[handle]
	return sess, ok
}

// Online returns the online handles, sorted
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]string, 0, len(r.sessions))
	for h := range r.sessions {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles
}

// Count returns the number of online handles
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Route hands a message to the recipient's live session, or stores it for
// later if the recipient is offline or its session cannot accept it.
//
// The lookup and the fallback enqueue both happen under the read lock, so a
// recipient that is unregistering waits for the route to finish; a message
// its session accepted is either written or re-queued when it closes.
func (r *Registry) Route(sender, recipient, body string) (RouteResult, error) {
	msg := database.PendingMessage{
		Sender:    sender,
		Recipient: recipient,
		Body:      database.SanitizeBody(body),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if sess, ok := r.sessions[recipient]; ok && sess.Deliver(msg) {
		r.recordRouted(Delivered.String())
		return Delivered, nil
	}

	if err := r.dir.Enqueue(msg); err != nil {
		r.recordRouted("rejected")
		return Queued, err
	}
	r.recordRouted(Queued.String())
	return Queued, nil
}

func (r *Registry) recordOnline() {
	if r.metrics != nil {
		r.metrics.RecordOnlineUsers(len(r.sessions))
	}
}

func (r *Registry) recordRouted(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordRouted(outcome)
	}
}
