package incremental

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devwatch/internal/models"
)

type stubExt struct {
	handle      string
	incremental bool
}

func (s stubExt) Handle() string    { return s.handle }
func (s stubExt) Incremental() bool { return s.incremental }
func (s stubExt) Build(ctx context.Context, opts models.BuildOptions, outDir string) error {
	return nil
}

type stubSession struct {
	mu     sync.Mutex
	closed bool
}

func (s *stubSession) Rebuild(ctx context.Context) []string { return nil }
func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newStubRegistry() (*Registry, map[string]*stubSession) {
	created := make(map[string]*stubSession)
	r := NewRegistry(func(ctx context.Context, ext models.Extension) (Session, error) {
		sess := &stubSession{}
		created[ext.Handle()] = sess
		return sess, nil
	})
	return r, created
}

func TestCreateSessionsOnlyForEligible(t *testing.T) {
	r, created := newStubRegistry()

	err := r.CreateSessions(context.Background(), []models.Extension{
		stubExt{handle: "inc", incremental: true},
		stubExt{handle: "plain"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, r.Count())
	_, ok := r.SessionFor("inc")
	assert.True(t, ok)
	_, ok = r.SessionFor("plain")
	assert.False(t, ok)
	assert.Contains(t, created, "inc")
	assert.NotContains(t, created, "plain")
}

func TestCreateSessionsPropagatesFactoryError(t *testing.T) {
	r := NewRegistry(func(ctx context.Context, ext models.Extension) (Session, error) {
		return nil, errors.New("backend unavailable")
	})
	err := r.CreateSessions(context.Background(), []models.Extension{stubExt{handle: "inc", incremental: true}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inc")
}

func TestUpdateCreatesAndDisposes(t *testing.T) {
	r, _ := newStubRegistry()
	require.NoError(t, r.CreateSessions(context.Background(), []models.Extension{
		stubExt{handle: "old", incremental: true},
		stubExt{handle: "kept", incremental: true},
	}))
	oldSess, _ := r.SessionFor("old")
	keptSess, _ := r.SessionFor("kept")

	batch := models.ReconciledBatch{Events: []models.ExtensionEvent{
		{Kind: models.ChangeCreated, Extension: stubExt{handle: "new", incremental: true}},
		{Kind: models.ChangeCreated, Extension: stubExt{handle: "plain"}},
		{Kind: models.ChangeUpdated, Extension: stubExt{handle: "kept", incremental: true}},
		{Kind: models.ChangeDeleted, Extension: stubExt{handle: "old", incremental: true}},
	}}
	require.NoError(t, r.Update(context.Background(), batch))

	assert.Equal(t, 2, r.Count())

	_, ok := r.SessionFor("new")
	assert.True(t, ok)
	_, ok = r.SessionFor("plain")
	assert.False(t, ok, "non-eligible extensions never get sessions")
	_, ok = r.SessionFor("old")
	assert.False(t, ok)
	assert.True(t, oldSess.(*stubSession).isClosed())

	got, ok := r.SessionFor("kept")
	require.True(t, ok)
	assert.Same(t, keptSess, got, "updated extensions keep their live session")
	assert.False(t, keptSess.(*stubSession).isClosed())
}

func TestUpdateDisposesWhenEligibilityRevoked(t *testing.T) {
	r, _ := newStubRegistry()
	require.NoError(t, r.CreateSessions(context.Background(), []models.Extension{
		stubExt{handle: "ext", incremental: true},
	}))
	sess, _ := r.SessionFor("ext")

	// The manifest edit flips incremental off; the extension arrives as Updated.
	batch := models.ReconciledBatch{Events: []models.ExtensionEvent{
		{Kind: models.ChangeUpdated, Extension: stubExt{handle: "ext"}},
	}}
	require.NoError(t, r.Update(context.Background(), batch))

	_, ok := r.SessionFor("ext")
	assert.False(t, ok, "revoked extension must lose its session")
	assert.True(t, sess.(*stubSession).isClosed())
	assert.Equal(t, 0, r.Count())
}

func TestUpdateCreatesWhenEligibilityGranted(t *testing.T) {
	r, created := newStubRegistry()
	require.NoError(t, r.CreateSessions(context.Background(), []models.Extension{
		stubExt{handle: "ext"},
	}))
	require.Equal(t, 0, r.Count())

	batch := models.ReconciledBatch{Events: []models.ExtensionEvent{
		{Kind: models.ChangeUpdated, Extension: stubExt{handle: "ext", incremental: true}},
	}}
	require.NoError(t, r.Update(context.Background(), batch))

	_, ok := r.SessionFor("ext")
	assert.True(t, ok, "newly eligible extension must gain a session")
	assert.Contains(t, created, "ext")
}

func TestUpdateKeepsSessionForUnchangedEligibility(t *testing.T) {
	r, _ := newStubRegistry()
	ext := stubExt{handle: "ext", incremental: true}
	require.NoError(t, r.CreateSessions(context.Background(), []models.Extension{ext}))
	first, _ := r.SessionFor("ext")

	batch := models.ReconciledBatch{Events: []models.ExtensionEvent{
		{Kind: models.ChangeUpdated, Extension: ext},
	}}
	require.NoError(t, r.Update(context.Background(), batch))

	second, ok := r.SessionFor("ext")
	require.True(t, ok)
	assert.Same(t, first, second)
}

func TestCloseDisposesEverything(t *testing.T) {
	r, created := newStubRegistry()
	require.NoError(t, r.CreateSessions(context.Background(), []models.Extension{
		stubExt{handle: "a", incremental: true},
		stubExt{handle: "b", incremental: true},
	}))

	r.Close()

	assert.Equal(t, 0, r.Count())
	for handle, sess := range created {
		assert.True(t, sess.isClosed(), "session %s not closed", handle)
	}
}

func TestRecreatedHandleReplacesStaleSession(t *testing.T) {
	r, _ := newStubRegistry()
	ext := stubExt{handle: "inc", incremental: true}
	require.NoError(t, r.CreateSessions(context.Background(), []models.Extension{ext}))
	first, _ := r.SessionFor("inc")

	batch := models.ReconciledBatch{Events: []models.ExtensionEvent{
		{Kind: models.ChangeCreated, Extension: ext},
	}}
	require.NoError(t, r.Update(context.Background(), batch))

	second, ok := r.SessionFor("inc")
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.True(t, first.(*stubSession).isClosed())
	assert.Equal(t, 1, r.Count())
}
