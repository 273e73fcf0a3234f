// Package scriptext is the command-running build backend: each extension's
// build is a configured command executed in the extension's directory.
package scriptext

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"devwatch/internal/manifest"
	"devwatch/internal/models"
)

// Extension implements models.Extension by shelling out to the configured
// build command.
type Extension struct {
	handle      string
	dir         string
	command     string
	args        []string
	incremental bool
	appEnv      map[string]string
}

// FromConfig materializes an Extension from its manifest entry. Satisfies
// reconcile.ExtensionFactory.
func FromConfig(appRoot string, env map[string]string, cfg manifest.ExtensionConfig) models.Extension {
	dir := appRoot
	if cfg.Dir != "" {
		dir = filepath.Join(appRoot, cfg.Dir)
	}
	return &Extension{
		handle:      cfg.Handle,
		dir:         dir,
		command:     cfg.Command,
		args:        cfg.Args,
		incremental: cfg.Incremental,
		appEnv:      env,
	}
}

// Handle returns the stable extension identifier.
func (e *Extension) Handle() string {
	return e.handle
}

// Incremental reports whether this extension rebuilds through a live session.
func (e *Extension) Incremental() bool {
	return e.incremental
}

// Build runs the configured command with the build parameters exposed
// through the environment and the output directory pre-created.
func (e *Extension) Build(ctx context.Context, opts models.BuildOptions, outDir string) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Dir = e.dir
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.Env = e.buildEnv(opts, outDir)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build %s: %w", e.handle, err)
	}
	return nil
}

// buildEnv overlays the process environment with the app env and the
// per-build DEVWATCH_* variables.
func (e *Extension) buildEnv(opts models.BuildOptions, outDir string) []string {
	env := os.Environ()

	overlay := make(map[string]string, len(e.appEnv)+5)
	for k, v := range e.appEnv {
		overlay[k] = v
	}
	overlay["DEVWATCH_HANDLE"] = e.handle
	overlay["DEVWATCH_OUT"] = outDir
	overlay["DEVWATCH_ENV"] = opts.Environment
	if opts.PublicURL != "" {
		overlay["DEVWATCH_PUBLIC_URL"] = opts.PublicURL
	}
	if opts.NoInteractive {
		overlay["CI"] = "1"
	}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}
