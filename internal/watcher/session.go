// Package watcher drives a development watch session: it performs the
// initial full build, reacts to reconciled change batches by rebuilding
// affected extensions and purging removed ones, and fans processed batches
// out to subscribers.
package watcher

import (
	"context"
	"fmt"
	"log"
	"sync"

	"devwatch/internal/incremental"
	"devwatch/internal/models"
	"devwatch/internal/outputs"
)

// State is the session lifecycle state. It only ever moves forward.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateReady      State = "ready"
)

// BatchSource delivers reconciled batches one at a time, in arrival order,
// waiting for the handler to return before delivering the next batch.
type BatchSource interface {
	OnBatch(handler func(ctx context.Context, batch models.ReconciledBatch))
}

// EventListener receives one successfully processed batch.
type EventListener func(batch models.ReconciledBatch)

// BuildListener receives the results of one build pass. batchID is empty
// for the initial full build.
type BuildListener func(batchID string, results []models.BuildResult)

// Session owns the current App snapshot and the lifecycle state, and is the
// single entry point for starting and observing a watch session.
type Session struct {
	store      *outputs.Store
	registry   *incremental.Registry
	dispatcher *Dispatcher
	source     BatchSource

	mu             sync.Mutex
	state          State
	app            *models.App
	eventListeners []EventListener
	buildListeners []BuildListener
	startListeners []func()

	// batchMu serializes batch processing so that a source that does not
	// wait for the handler still cannot race two batches over the snapshot
	// and the output tree.
	batchMu sync.Mutex
}

// NewSession creates a session over the initial App snapshot.
func NewSession(app *models.App, store *outputs.Store, registry *incremental.Registry, dispatcher *Dispatcher, source BatchSource) *Session {
	return &Session{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		source:     source,
		state:      StateNotStarted,
		app:        app,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// App returns the current App snapshot.
func (s *Session) App() *models.App {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app
}

// OutputRoot returns the build output root directory.
func (s *Session) OutputRoot() string {
	return s.store.Root()
}

// Start runs the session start sequence: wipe and recreate the output root,
// create incremental sessions for eligible extensions, run the initial full
// build, subscribe to the batch source, and mark the session ready.
//
// Start is idempotent: only the first call has effect. The only fatal
// failure is an unusable output root; initial build errors are logged and
// the session still comes up.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	app := s.app
	s.mu.Unlock()

	if err := s.store.Reset(ctx); err != nil {
		return fmt.Errorf("start watch session: %w", err)
	}

	if err := s.registry.CreateSessions(ctx, app.Extensions); err != nil {
		log.Printf("Error creating incremental sessions: %v", err)
	}

	results := s.dispatcher.BuildAll(ctx, app, app.Extensions)
	logFailures("Initial build", results)
	s.notifyBuild("", results)

	s.source.OnBatch(s.handleBatch)

	s.mu.Lock()
	s.state = StateReady
	pending := s.startListeners
	s.startListeners = nil
	s.mu.Unlock()

	for _, fn := range pending {
		invokeStartListener(fn)
	}
	return nil
}

// OnEvent registers a listener invoked once per successfully processed
// batch. All registrations are retained; a listener panic is isolated and
// does not affect its siblings.
func (s *Session) OnEvent(fn EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventListeners = append(s.eventListeners, fn)
}

// OnBuild registers a listener invoked with the results of every build pass.
func (s *Session) OnBuild(fn BuildListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildListeners = append(s.buildListeners, fn)
}

// OnStart registers a listener for the one-time readiness notification.
// Registering after readiness invokes the listener immediately.
func (s *Session) OnStart(fn func()) {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		invokeStartListener(fn)
		return
	}
	s.startListeners = append(s.startListeners, fn)
	s.mu.Unlock()
}

// handleBatch is the batch source callback. Errors from batch processing
// never escape: the session keeps listening for subsequent batches.
func (s *Session) handleBatch(ctx context.Context, batch models.ReconciledBatch) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	if err := s.processBatch(ctx, batch); err != nil {
		log.Printf("Error processing changes for %s: %v", batch.Path, err)
	}
}

func (s *Session) processBatch(ctx context.Context, batch models.ReconciledBatch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch handler panic: %v", r)
		}
	}()

	if len(batch.Events) == 0 {
		// The change reconciled to nothing of build significance.
		log.Printf("No extension changes for %s", batch.Path)
		return nil
	}

	s.mu.Lock()
	s.app = batch.App
	s.mu.Unlock()

	// Sessions are reconciled before building so freshly created ones can
	// take the rebuild in this same step.
	if err := s.registry.Update(ctx, batch); err != nil {
		return err
	}

	affected, removed := partitionEvents(batch.Events)

	var (
		wg       sync.WaitGroup
		results  []models.BuildResult
		purgeErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results = s.dispatcher.BuildAll(ctx, batch.App, affected)
	}()
	go func() {
		defer wg.Done()
		purgeErr = s.store.Purge(ctx, removed)
	}()
	wg.Wait()

	if purgeErr != nil {
		return purgeErr
	}

	logFailures("Build", results)
	s.notifyBuild(batch.ID, results)

	s.mu.Lock()
	listeners := make([]EventListener, len(s.eventListeners))
	copy(listeners, s.eventListeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		invokeEventListener(fn, batch)
	}
	return nil
}

func (s *Session) notifyBuild(batchID string, results []models.BuildResult) {
	s.mu.Lock()
	listeners := make([]BuildListener, len(s.buildListeners))
	copy(listeners, s.buildListeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		invokeBuildListener(fn, batchID, results)
	}
}

// partitionEvents splits a batch into the extensions to build and the
// handles whose output must go away.
func partitionEvents(events []models.ExtensionEvent) (affected []models.Extension, removed []string) {
	for _, ev := range events {
		switch ev.Kind {
		case models.ChangeCreated, models.ChangeUpdated:
			affected = append(affected, ev.Extension)
		case models.ChangeDeleted:
			removed = append(removed, ev.Extension.Handle())
		}
	}
	return affected, removed
}

func logFailures(stage string, results []models.BuildResult) {
	for _, res := range results {
		if !res.Ok() {
			log.Printf("%s failed for %s: %v", stage, res.Handle, res.Err)
		}
	}
}

func invokeEventListener(fn EventListener, batch models.ReconciledBatch) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Event listener panic: %v", r)
		}
	}()
	fn(batch)
}

func invokeBuildListener(fn BuildListener, batchID string, results []models.BuildResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Build listener panic: %v", r)
		}
	}()
	fn(batchID, results)
}

func invokeStartListener(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Start listener panic: %v", r)
		}
	}()
	fn()
}
