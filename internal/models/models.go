// Package models defines the core domain types for devwatch.
package models

import (
	"context"
	"io"
	"time"
)

// ChangeKind classifies how an extension changed within one reconciled batch.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// EnvDevelopment is the fixed environment tag for watch-session builds.
const EnvDevelopment = "development"

// BuildOptions carries the fixed parameters handed to a non-incremental build.
type BuildOptions struct {
	App           *App
	Stdout        io.Writer
	Stderr        io.Writer
	NoInteractive bool
	Environment   string
	PublicURL     string
}

// Extension is a buildable unit belonging to an App. Implementations are
// provided by the build backends; the watcher only ever holds transient
// references for the duration of a build.
type Extension interface {
	// Handle returns the stable identifier, unique within the owning App.
	Handle() string

	// Incremental reports whether this extension builds through a live
	// incremental session rather than a fresh build per change.
	Incremental() bool

	// Build produces build output into outDir.
	Build(ctx context.Context, opts BuildOptions, outDir string) error
}

// App is a point-in-time snapshot of the application and its extensions.
// The watcher replaces its held App wholesale on every batch; an App value
// is never mutated after construction.
type App struct {
	Name       string
	Root       string
	Env        map[string]string
	Extensions []Extension
}

// ExtensionByHandle returns the extension with the given handle, or nil.
func (a *App) ExtensionByHandle(handle string) Extension {
	for _, ext := range a.Extensions {
		if ext.Handle() == handle {
			return ext
		}
	}
	return nil
}

// ExtensionEvent is one extension-level change produced by reconciliation.
type ExtensionEvent struct {
	Kind      ChangeKind
	Extension Extension
}

// ReconciledBatch is one reconciled group of extension changes derived from
// a filesystem event burst. StartedAt is captured when the triggering raw
// event was first observed, so consumers can measure end-to-end latency.
type ReconciledBatch struct {
	ID        string
	App       *App
	Events    []ExtensionEvent
	Path      string
	StartedAt time.Time
}

// BuildResult is the outcome of one build attempt for one extension.
// Err is nil on success. A batch produces exactly one BuildResult per
// affected extension; failures are never aggregated into a batch failure.
type BuildResult struct {
	Handle string
	Err    error
}

// Ok reports whether the build succeeded.
func (r BuildResult) Ok() bool {
	return r.Err == nil
}

// Message returns the error message, or "" for a successful build.
func (r BuildResult) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
