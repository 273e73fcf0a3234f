// Package incremental tracks live incremental build sessions, one per
// eligible extension, and routes rebuilds to them instead of fresh builds.
package incremental

import (
	"context"
	"fmt"
	"log"
	"sync"

	"devwatch/internal/models"
)

// Session is a live, reusable compilation session for one extension.
type Session interface {
	// Rebuild recompiles against the current sources and returns the
	// structured error messages, empty on success. The backend has already
	// surfaced these to its own output; callers only report them.
	Rebuild(ctx context.Context) []string

	// Close disposes the session and releases backend resources.
	Close() error
}

// Factory creates a session for an extension. Only called for extensions
// whose Incremental flag is set.
type Factory func(ctx context.Context, ext models.Extension) (Session, error)

// Registry owns the handle -> Session map.
type Registry struct {
	factory Factory

	mu       sync.Mutex
	sessions map[string]Session
}

// NewRegistry creates an empty registry using factory for new sessions.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:  factory,
		sessions: make(map[string]Session),
	}
}

// CreateSessions starts a session for every eligible extension. Called once
// at watch start with the initial snapshot.
func (r *Registry) CreateSessions(ctx context.Context, exts []models.Extension) error {
	for _, ext := range exts {
		if !ext.Incremental() {
			continue
		}
		if err := r.create(ctx, ext); err != nil {
			return err
		}
	}
	return nil
}

// Update reconciles the session map against one batch: created eligible
// extensions get a fresh session, deleted ones are disposed. Updated ones
// keep their live session unless their eligibility changed, in which case
// the session is created or disposed to match.
func (r *Registry) Update(ctx context.Context, batch models.ReconciledBatch) error {
	for _, ev := range batch.Events {
		ext := ev.Extension
		switch ev.Kind {
		case models.ChangeCreated:
			if !ext.Incremental() {
				continue
			}
			if err := r.create(ctx, ext); err != nil {
				return err
			}
		case models.ChangeUpdated:
			_, live := r.SessionFor(ext.Handle())
			switch {
			case ext.Incremental() && !live:
				if err := r.create(ctx, ext); err != nil {
					return err
				}
			case !ext.Incremental() && live:
				r.drop(ext.Handle())
			}
		case models.ChangeDeleted:
			r.drop(ext.Handle())
		}
	}
	return nil
}

// SessionFor returns the live session for handle, if any.
func (r *Registry) SessionFor(handle string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[handle]
	return sess, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close disposes every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]Session)
	r.mu.Unlock()

	for handle, sess := range sessions {
		if err := sess.Close(); err != nil {
			log.Printf("Error closing incremental session for %s: %v", handle, err)
		}
	}
}

func (r *Registry) create(ctx context.Context, ext models.Extension) error {
	sess, err := r.factory(ctx, ext)
	if err != nil {
		return fmt.Errorf("create incremental session for %s: %w", ext.Handle(), err)
	}

	r.mu.Lock()
	old := r.sessions[ext.Handle()]
	r.sessions[ext.Handle()] = sess
	r.mu.Unlock()

	// A re-created handle replaces any stale session.
	if old != nil {
		if err := old.Close(); err != nil {
			log.Printf("Error closing stale session for %s: %v", ext.Handle(), err)
		}
	}
	return nil
}

func (r *Registry) drop(handle string) {
	r.mu.Lock()
	sess, ok := r.sessions[handle]
	delete(r.sessions, handle)
	r.mu.Unlock()

	if ok {
		if err := sess.Close(); err != nil {
			log.Printf("Error closing incremental session for %s: %v", handle, err)
		}
	}
}
