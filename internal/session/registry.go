// Package session is the per-connection side of the transport layer: it maps
// live session ids to account UUIDs and buffers outbound pushes until the
// client polls them.
package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Outbound messages kept per session before the oldest are dropped.
const queueCap = 256

type entry struct {
	uuid  string
	queue []string
}

// Registry satisfies the engine's Resolver/Notifier and the market's
// Presence. Session ids are transient; reconnecting always mints a new one.
type Registry struct {
	mu   sync.Mutex
	log  *slog.Logger
	live map[string]*entry
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{log: logger, live: map[string]*entry{}}
}

// Connect registers a live connection for the account and returns its sid.
func (r *Registry) Connect(accountUUID string) string {
	sid := uuid.NewString()
	r.mu.Lock()
	r.live[sid] = &entry{uuid: accountUUID}
	r.mu.Unlock()
	return sid
}

func (r *Registry) Disconnect(sid string) {
	r.mu.Lock()
	delete(r.live, sid)
	r.mu.Unlock()
}

// Resolve maps a sid to its account UUID.
func (r *Registry) Resolve(sid string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[sid]
	if !ok {
		return "", false
	}
	return e.uuid, true
}

// SIDFor finds a live connection for the account, if it has one.
func (r *Registry) SIDFor(accountUUID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, e := range r.live {
		if e.uuid == accountUUID {
			return sid, true
		}
	}
	return "", false
}

func (r *Registry) Alive(sid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[sid]
	return ok
}

// Notify queues message for sid. Fire-and-forget: a dead sid swallows the
// message silently, a full queue drops the oldest entry.
func (r *Registry) Notify(sid, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[sid]
	if !ok {
		return
	}
	if len(e.queue) >= queueCap {
		e.queue = e.queue[1:]
	}
	e.queue = append(e.queue, message)
}

// Drain returns and clears the queued messages for sid.
func (r *Registry) Drain(sid string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[sid]
	if !ok || len(e.queue) == 0 {
		return nil
	}
	out := e.queue
	e.queue = nil
	return out
}
