// Package presence tracks which live connection currently represents each
// connected actor. State is process-local and rebuilt from join events after
// a restart.
package presence

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type binding struct {
	actor  models.Actor
	connID string
}

// Registry maps actor IDs to connection IDs and back. At most one connection
// represents an actor; a later Bind supersedes the earlier mapping without
// touching the earlier connection itself.
type Registry struct {
	mu      sync.RWMutex
	byActor map[string]binding
	byConn  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byActor: make(map[string]binding),
		byConn:  make(map[string]string),
	}
}

// Bind records that connID currently represents actor. Repeating the same
// pair is a no-op. If connID was bound to a different actor that binding is
// released first. When another connection represented actor, its ID is
// returned as superseded so the caller can release what that connection held.
func (r *Registry) Bind(actor models.Actor, connID string) (superseded string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok && prev != actor.ID {
		r.dropActorLocked(prev)
	}
	if old, ok := r.byActor[actor.ID]; ok {
		if old.connID != connID {
			delete(r.byConn, old.connID)
			superseded = old.connID
		}
		observability.ActorsOnline.WithLabelValues(string(old.actor.Role)).Dec()
	}
	r.byActor[actor.ID] = binding{actor: actor, connID: connID}
	r.byConn[connID] = actor.ID
	observability.ActorsOnline.WithLabelValues(string(actor.Role)).Inc()
	return superseded
}

// Resolve returns the connection currently bound to actorID.
func (r *Registry) Resolve(actorID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byActor[actorID]
	return b.connID, ok
}

// ActorOf returns the actor bound to connID, if any.
func (r *Registry) ActorOf(connID string) (models.Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connID]
	if !ok {
		return models.Actor{}, false
	}
	return r.byActor[id].actor, true
}

// Unbind removes whatever binding points at connID. Unknown or superseded
// connections are ignored.
func (r *Registry) Unbind(connID string) (models.Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[connID]
	if !ok {
		return models.Actor{}, false
	}
	actor := r.byActor[id].actor
	r.dropActorLocked(id)
	return actor, true
}

// Len reports the number of bound actors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byActor)
}

func (r *Registry) dropActorLocked(actorID string) {
	b, ok := r.byActor[actorID]
	if !ok {
		return
	}
	delete(r.byActor, actorID)
	delete(r.byConn, b.connID)
	observability.ActorsOnline.WithLabelValues(string(b.actor.Role)).Dec()
}
