// Package reconcile diffs the on-disk manifest against the previously known
// one and turns raw filesystem changes into per-extension change batches.
package reconcile

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"devwatch/internal/manifest"
	"devwatch/internal/models"
)

// ExtensionFactory materializes an Extension from its manifest entry.
type ExtensionFactory func(appRoot string, env map[string]string, cfg manifest.ExtensionConfig) models.Extension

// Handler receives one reconciled batch. The reconciler waits for the
// handler to return before delivering the next batch.
type Handler func(ctx context.Context, batch models.ReconciledBatch)

// Reconciler holds the last known manifest and produces ReconciledBatches.
type Reconciler struct {
	manifestPath string
	appRoot      string
	factory      ExtensionFactory

	mu       sync.Mutex
	current  manifest.Manifest
	handlers []Handler
}

// New creates a reconciler for the manifest at manifestPath. The app root
// is the manifest's directory.
func New(manifestPath string, factory ExtensionFactory) *Reconciler {
	return &Reconciler{
		manifestPath: manifestPath,
		appRoot:      filepath.Dir(manifestPath),
		factory:      factory,
	}
}

// AppRoot returns the watched application root.
func (r *Reconciler) AppRoot() string {
	return r.appRoot
}

// Bootstrap loads the manifest and returns the initial App snapshot.
func (r *Reconciler) Bootstrap() (*models.App, error) {
	m, err := manifest.Load(r.manifestPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.current = m
	r.mu.Unlock()

	return r.buildApp(m), nil
}

// OnBatch registers a batch handler. The unnamed parameter type is what
// lets *Reconciler satisfy watcher.BatchSource.
func (r *Reconciler) OnBatch(handler func(ctx context.Context, batch models.ReconciledBatch)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// HandleChange reconciles one triggering path into a batch and delivers it.
// observedAt is when the raw event burst was first seen. Batches are
// delivered to handlers sequentially; each handler is awaited.
func (r *Reconciler) HandleChange(ctx context.Context, path string, observedAt time.Time) {
	r.mu.Lock()
	old := r.current
	r.mu.Unlock()

	next, err := manifest.Load(r.manifestPath)
	if err != nil {
		// Likely a half-written manifest mid-edit. Keep the old snapshot
		// and wait for the next change.
		log.Printf("Skipping change for %s: %v", path, err)
		return
	}

	r.mu.Lock()
	r.current = next
	r.mu.Unlock()

	app := r.buildApp(next)
	batch := models.ReconciledBatch{
		ID:        "batch_" + uuid.New().String()[:8],
		App:       app,
		Events:    r.diff(old, next, app, path),
		Path:      path,
		StartedAt: observedAt,
	}

	r.mu.Lock()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, batch)
	}
}

// diff computes per-extension events between two manifest generations.
// An extension present in both counts as updated when its config changed or
// the triggering path falls under its directory.
func (r *Reconciler) diff(old, next manifest.Manifest, app *models.App, path string) []models.ExtensionEvent {
	var events []models.ExtensionEvent

	for _, cfg := range next.Extensions {
		prev, existed := old.Extension(cfg.Handle)
		switch {
		case !existed:
			events = append(events, models.ExtensionEvent{
				Kind:      models.ChangeCreated,
				Extension: app.ExtensionByHandle(cfg.Handle),
			})
		case !cfg.Equal(prev) || r.pathUnder(cfg, path):
			events = append(events, models.ExtensionEvent{
				Kind:      models.ChangeUpdated,
				Extension: app.ExtensionByHandle(cfg.Handle),
			})
		}
	}

	for _, cfg := range old.Extensions {
		if _, stillThere := next.Extension(cfg.Handle); stillThere {
			continue
		}
		// Deleted extensions are no longer in the new App; materialize a
		// transient value from the old config so the watcher can key the
		// purge and session disposal off its handle.
		events = append(events, models.ExtensionEvent{
			Kind:      models.ChangeDeleted,
			Extension: r.factory(r.appRoot, old.Env, cfg),
		})
	}

	return events
}

func (r *Reconciler) pathUnder(cfg manifest.ExtensionConfig, path string) bool {
	if cfg.Dir == "" {
		return false
	}
	dir := filepath.Join(r.appRoot, cfg.Dir)
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

func (r *Reconciler) buildApp(m manifest.Manifest) *models.App {
	exts := make([]models.Extension, 0, len(m.Extensions))
	for _, cfg := range m.Extensions {
		exts = append(exts, r.factory(r.appRoot, m.Env, cfg))
	}
	return &models.App{
		Name:       m.App,
		Root:       r.appRoot,
		Env:        m.Env,
		Extensions: exts,
	}
}
