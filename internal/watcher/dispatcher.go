package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"devwatch/internal/buildlog"
	"devwatch/internal/incremental"
	"devwatch/internal/models"
	"devwatch/internal/outputs"
)

// Dispatcher builds sets of extensions concurrently, isolating per-extension
// failure. Extensions with a live incremental session rebuild through it;
// everything else gets a fresh build into the output store.
type Dispatcher struct {
	registry  *incremental.Registry
	store     *outputs.Store
	sink      *buildlog.Sink
	publicURL string
}

// NewDispatcher creates a dispatcher. publicURL may be empty.
func NewDispatcher(registry *incremental.Registry, store *outputs.Store, sink *buildlog.Sink, publicURL string) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		store:     store,
		sink:      sink,
		publicURL: publicURL,
	}
}

// BuildAll builds every extension concurrently and returns exactly one
// result per input, keyed by slot. A failing or panicking build never
// prevents its siblings' results from being returned, and BuildAll itself
// never fails.
func (d *Dispatcher) BuildAll(ctx context.Context, app *models.App, exts []models.Extension) []models.BuildResult {
	results := make([]models.BuildResult, len(exts))

	var wg sync.WaitGroup
	for i, ext := range exts {
		wg.Add(1)
		go func(i int, ext models.Extension) {
			defer wg.Done()
			results[i] = d.buildOne(ctx, app, ext)
		}(i, ext)
	}
	wg.Wait()

	return results
}

// buildOne runs a single build attempt inside its own output scope.
func (d *Dispatcher) buildOne(ctx context.Context, app *models.App, ext models.Extension) (result models.BuildResult) {
	handle := ext.Handle()
	result = models.BuildResult{Handle: handle}

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("build panic: %v", r)
		}
	}()

	if sess, ok := d.registry.SessionFor(handle); ok {
		// The incremental backend has already written its diagnostics to
		// its own output; only the structured result is surfaced here.
		if msgs := sess.Rebuild(ctx); len(msgs) > 0 {
			result.Err = errors.New(strings.Join(msgs, "\n"))
		}
		return result
	}

	scope := d.sink.Scope(handle)
	defer scope.Flush()

	opts := models.BuildOptions{
		App:           app,
		Stdout:        scope,
		Stderr:        scope,
		NoInteractive: true,
		Environment:   models.EnvDevelopment,
		PublicURL:     d.publicURL,
	}
	if err := ext.Build(ctx, opts, d.store.PathFor(handle)); err != nil {
		result.Err = err
	}
	return result
}
