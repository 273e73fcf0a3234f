package watcher

import (
	"context"
	"io"
	"sync"
	"testing"

	"devwatch/internal/buildlog"
	"devwatch/internal/incremental"
	"devwatch/internal/models"
	"devwatch/internal/outputs"
)

// fakeExt is a scriptable in-memory extension.
type fakeExt struct {
	handle      string
	incremental bool
	buildFn     func(ctx context.Context, opts models.BuildOptions, outDir string) error

	mu     sync.Mutex
	builds int
}

func (f *fakeExt) Handle() string    { return f.handle }
func (f *fakeExt) Incremental() bool { return f.incremental }
func (f *fakeExt) Build(ctx context.Context, opts models.BuildOptions, outDir string) error {
	f.mu.Lock()
	f.builds++
	f.mu.Unlock()
	if f.buildFn != nil {
		return f.buildFn(ctx, opts, outDir)
	}
	return nil
}

func (f *fakeExt) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

// fakeIncSession is a scriptable incremental session.
type fakeIncSession struct {
	msgs []string

	mu       sync.Mutex
	rebuilds int
	closed   bool
}

func (f *fakeIncSession) Rebuild(ctx context.Context) []string {
	f.mu.Lock()
	f.rebuilds++
	f.mu.Unlock()
	return f.msgs
}

func (f *fakeIncSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fakeSource captures the session's batch handler so tests can push batches
// synchronously, the way the reconciler delivers them.
type fakeSource struct {
	mu      sync.Mutex
	handler func(ctx context.Context, batch models.ReconciledBatch)
}

func (s *fakeSource) OnBatch(handler func(ctx context.Context, batch models.ReconciledBatch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *fakeSource) deliver(t *testing.T, batch models.ReconciledBatch) {
	t.Helper()
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		t.Fatal("no batch handler subscribed")
	}
	handler(context.Background(), batch)
}

type testRig struct {
	store    *outputs.Store
	registry *incremental.Registry
	session  *Session
	source   *fakeSource
}

// newTestRig wires a session over a temp output root. sessions maps handles
// to the fake incremental session the factory should hand out.
func newTestRig(t *testing.T, app *models.App, sessions map[string]*fakeIncSession) *testRig {
	t.Helper()
	return newRig(t, app, t.TempDir()+"/out", sessions)
}

func newTestRigWithRoot(t *testing.T, app *models.App, root string) *testRig {
	t.Helper()
	return newRig(t, app, root, nil)
}

func newRig(t *testing.T, app *models.App, root string, sessions map[string]*fakeIncSession) *testRig {
	t.Helper()

	store := outputs.NewStore(root)
	sink := buildlog.NewSink(io.Discard)
	registry := incremental.NewRegistry(func(ctx context.Context, ext models.Extension) (incremental.Session, error) {
		if sess, ok := sessions[ext.Handle()]; ok {
			return sess, nil
		}
		return &fakeIncSession{}, nil
	})
	dispatcher := NewDispatcher(registry, store, sink, "")
	source := &fakeSource{}
	return &testRig{
		store:    store,
		registry: registry,
		session:  NewSession(app, store, registry, dispatcher, source),
		source:   source,
	}
}

func appOf(name string, exts ...models.Extension) *models.App {
	return &models.App{Name: name, Root: "/tmp/app", Extensions: exts}
}

func batchOf(app *models.App, path string, events ...models.ExtensionEvent) models.ReconciledBatch {
	return models.ReconciledBatch{ID: "batch_test", App: app, Events: events, Path: path}
}
