// Package outputs manages the on-disk build output tree: one subdirectory
// per extension handle under a session-scoped root.
package outputs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store maps extension handles to output directories under a fixed root.
type Store struct {
	root string
}

// NewStore creates a store rooted at root. The directory is not touched
// until Reset is called.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the output root directory.
func (s *Store) Root() string {
	return s.root
}

// PathFor returns the output directory for a handle. Pure: a deterministic
// join of the root and the handle.
func (s *Store) PathFor(handle string) string {
	return filepath.Join(s.root, handle)
}

// Reset force-removes the output root and recreates it empty. Leftover
// output from a crashed prior session is discarded here. A usable root is
// a precondition for everything else, so errors propagate.
func (s *Store) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("clear output root %s: %w", s.root, err)
	}
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return fmt.Errorf("create output root %s: %w", s.root, err)
	}
	return nil
}

// Purge removes the output directories for the given handles, concurrently.
// Removing a directory that does not exist is not an error.
func (s *Store) Purge(ctx context.Context, handles []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(handles))
	for i, handle := range handles {
		wg.Add(1)
		go func(i int, handle string) {
			defer wg.Done()
			if err := os.RemoveAll(s.PathFor(handle)); err != nil {
				errs[i] = fmt.Errorf("purge output for %s: %w", handle, err)
			}
		}(i, handle)
	}
	wg.Wait()

	return errors.Join(errs...)
}
