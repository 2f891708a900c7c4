package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrOutputExists is returned when the output directory already holds files.
var ErrOutputExists = errors.New("output directory already exists and is not empty")

// claimDir makes dir available to a single run. A missing directory is
// created; an existing one must be empty. created reports whether the
// directory did not exist before.
func claimDir(dir string) (created bool, err error) {
	entries, err := os.ReadDir(dir)
	switch {
	case err == nil:
		if len(entries) > 0 {
			return false, fmt.Errorf("%w: %s", ErrOutputExists, dir)
		}
		return false, nil
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0755); err != nil {
			return false, fmt.Errorf("create output directory: %w", err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("inspect output directory: %w", err)
	}
}

// releaseDir removes what a failed run wrote. A directory the run created
// is removed entirely; a pre-existing empty one is emptied again.
func releaseDir(dir string, created bool) error {
	if created {
		return os.RemoveAll(dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
