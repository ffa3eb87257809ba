package meet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wisbric/meetrelay/internal/telemetry"
	"github.com/wisbric/meetrelay/pkg/storage"
)

// Registry is the thread-safe meet-id -> actor-handle map (spec.md §4.4).
// The creation path holds a short-lived lock across Storage.Create and
// actor spawn so two concurrent CreateMeet calls can never race into two
// actors for the same id.
type Registry struct {
	mu      sync.Mutex
	storage *storage.Store
	logger  *slog.Logger
	actors  map[string]*Handle
}

// NewRegistry creates an empty registry backed by store.
func NewRegistry(store *storage.Store, logger *slog.Logger) *Registry {
	return &Registry{
		storage: store,
		logger:  logger,
		actors:  make(map[string]*Handle),
	}
}

// Create atomically creates the meet's storage and spawns its actor. It
// fails with storage.ErrAlreadyExists if meetID collides.
func (r *Registry) Create(meetID string, auth storage.AuthBlob) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.storage.Create(meetID, auth); err != nil {
		return nil, err
	}

	h, err := r.spawnLocked(meetID)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Get returns the handle for meetID, loading it from storage (transition
// Unloaded -> Loading -> Active) if it is not already resident.
func (r *Registry) Get(meetID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.actors[meetID]; ok {
		return h, nil
	}

	if !r.storage.ExistsAnywhere(meetID) {
		return nil, storage.ErrNotFound
	}

	return r.spawnLocked(meetID)
}

// spawnLocked must be called with r.mu held.
func (r *Registry) spawnLocked(meetID string) (*Handle, error) {
	actor, err := NewActor(meetID, r.storage, r.logger, r.remove)
	if err != nil {
		return nil, fmt.Errorf("spawning actor for meet %s: %w", meetID, err)
	}
	h := NewHandle(actor)
	r.actors[meetID] = h
	telemetry.ActiveMeetsGauge.Set(float64(len(r.actors)))
	return h, nil
}

// remove drops a meet from the registry once its actor's run loop exits
// (spec.md §4.4 teardown). Passed to NewActor as the onUnload callback.
func (r *Registry) remove(meetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, meetID)
	telemetry.ActiveMeetsGauge.Set(float64(len(r.actors)))
	r.logger.Info("meet actor unloaded", "meet_id", meetID)
}

// Count returns the number of currently resident (loaded) actors, for the
// active-meets gauge. Finalized meets remain resident until their last
// subscriber disconnects.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// ShutdownAll stops every resident actor, for graceful process shutdown.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.actors))
	for _, h := range r.actors {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		if err := h.Shutdown(ctx); err != nil {
			r.logger.Warn("error shutting down meet actor", "error", err)
		}
	}
}
