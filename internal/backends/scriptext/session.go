package scriptext

import (
	"context"

	"devwatch/internal/buildlog"
	"devwatch/internal/incremental"
	"devwatch/internal/models"
	"devwatch/internal/outputs"
)

// session is the in-process incremental session: it keeps the output
// directory warm and re-runs the build command per rebuild.
type session struct {
	ext       models.Extension
	outDir    string
	scope     *buildlog.Scope
	publicURL string
}

// SessionFactory returns an incremental.Factory backed by the script
// backend. Each session owns one output scope for the extension's lifetime.
func SessionFactory(store *outputs.Store, sink *buildlog.Sink, publicURL string) incremental.Factory {
	return func(ctx context.Context, ext models.Extension) (incremental.Session, error) {
		return &session{
			ext:       ext,
			outDir:    store.PathFor(ext.Handle()),
			scope:     sink.Scope(ext.Handle()),
			publicURL: publicURL,
		}, nil
	}
}

// Rebuild re-runs the build command and maps a failure to its message.
// Diagnostics have already gone to the session's output scope.
func (s *session) Rebuild(ctx context.Context) []string {
	opts := models.BuildOptions{
		Stdout:        s.scope,
		Stderr:        s.scope,
		NoInteractive: true,
		Environment:   models.EnvDevelopment,
		PublicURL:     s.publicURL,
	}
	err := s.ext.Build(ctx, opts, s.outDir)
	s.scope.Flush()
	if err != nil {
		return []string{err.Error()}
	}
	return nil
}

// Close flushes any buffered output.
func (s *session) Close() error {
	return s.scope.Flush()
}
