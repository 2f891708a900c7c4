package target

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/withObsrvr/obsrvr-extract/internal/logging"
)

// LibraryQuery lists the member files of a named library.
type LibraryQuery interface {
	ModulePaths(ctx context.Context, library string) ([]string, error)
}

// Resolver expands specs into units. Relative file paths are resolved
// against CmdRoot, falling back to RootPath when only that candidate exists.
type Resolver struct {
	Query    LibraryQuery
	CmdRoot  string
	RootPath string
}

// Resolve returns the ordered units for spec. A whole environment is a
// single unit; a file list is one unit per path in the given order.
func (r *Resolver) Resolve(ctx context.Context, spec Spec, extractor string) ([]Unit, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	log := logging.Component("resolver")

	switch spec.Kind {
	case WholeEnvironment:
		return []Unit{{
			Index:     0,
			Extractor: extractor,
			Imports:   append([]string(nil), spec.Names...),
		}}, nil

	case NamedLibrary:
		if r.Query == nil {
			return nil, &ResolutionError{Spec: spec, Err: errors.New("no library query configured")}
		}
		log.Info("querying module paths for library", "library", spec.Library)
		paths, err := r.Query.ModulePaths(ctx, spec.Library)
		if err != nil {
			return nil, &ResolutionError{Spec: spec, Err: err}
		}
		if len(paths) == 0 {
			return nil, &ResolutionError{Spec: spec, Err: errors.New("library has no member files")}
		}
		log.Info("found files to process", "library", spec.Library, "files", len(paths))
		return r.fileUnits(paths, extractor), nil

	default:
		return r.fileUnits(spec.Paths, extractor), nil
	}
}

func (r *Resolver) fileUnits(paths []string, extractor string) []Unit {
	units := make([]Unit, len(paths))
	for i, p := range paths {
		units[i] = Unit{
			Index:     i,
			Extractor: extractor,
			Path:      NormalizePath(p, r.CmdRoot, r.RootPath),
		}
	}
	return units
}

// NormalizePath makes p absolute. A relative path is taken relative to
// cmdRoot unless that file does not exist and the one under rootPath does.
func NormalizePath(p, cmdRoot, rootPath string) string {
	p = expandHome(p)
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}

	cmdCandidate := filepath.Join(cmdRoot, p)
	if rootPath == "" || exists(cmdCandidate) {
		return cmdCandidate
	}
	rootCandidate := filepath.Join(rootPath, p)
	if exists(rootCandidate) {
		return rootCandidate
	}
	return cmdCandidate
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
