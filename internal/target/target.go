// Package target turns a user-facing target description into the ordered
// list of units handed to extraction workers.
package target

import (
	"fmt"
	"strings"
)

// Kind selects the active variant of a Spec.
type Kind int

const (
	// WholeEnvironment extracts from the import closure of a set of modules
	// in a single worker.
	WholeEnvironment Kind = iota + 1
	// FileList extracts from each file independently.
	FileList
	// NamedLibrary is expanded into a FileList by querying the build tool.
	NamedLibrary
)

func (k Kind) String() string {
	switch k {
	case WholeEnvironment:
		return "imports"
	case FileList:
		return "read"
	case NamedLibrary:
		return "library"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Spec describes what to analyse. Exactly one variant is active.
type Spec struct {
	Kind    Kind
	Names   []string // WholeEnvironment
	Paths   []string // FileList
	Library string   // NamedLibrary
}

// Imports returns a spec for the whole environment built from names.
func Imports(names ...string) Spec {
	return Spec{Kind: WholeEnvironment, Names: names}
}

// Files returns a spec with one unit per path.
func Files(paths ...string) Spec {
	return Spec{Kind: FileList, Paths: paths}
}

// Library returns a spec that is expanded through a LibraryQuery.
func Library(name string) Spec {
	return Spec{Kind: NamedLibrary, Library: name}
}

// Validate checks that the active variant carries its data.
func (s Spec) Validate() error {
	switch s.Kind {
	case WholeEnvironment:
		if len(s.Names) == 0 {
			return &ResolutionError{Spec: s, Err: fmt.Errorf("no imports given")}
		}
	case FileList:
		if len(s.Paths) == 0 {
			return &ResolutionError{Spec: s, Err: fmt.Errorf("no files given")}
		}
	case NamedLibrary:
		if s.Library == "" {
			return &ResolutionError{Spec: s, Err: fmt.Errorf("no library given")}
		}
	default:
		return &ResolutionError{Spec: s, Err: fmt.Errorf("unknown target kind %d", int(s.Kind))}
	}
	return nil
}

func (s Spec) String() string {
	switch s.Kind {
	case WholeEnvironment:
		return "imports " + strings.Join(s.Names, " ")
	case FileList:
		if len(s.Paths) == 1 {
			return "read " + s.Paths[0]
		}
		return fmt.Sprintf("read %d files", len(s.Paths))
	case NamedLibrary:
		return "library " + s.Library
	default:
		return s.Kind.String()
	}
}

// Unit is one piece of work for exactly one worker process.
type Unit struct {
	Index     int
	Extractor string
	Imports   []string // set for a whole-environment unit
	Path      string   // set for a single-file unit
}

// Args returns the worker arguments describing the unit.
func (u Unit) Args() []string {
	args := []string{"--command", u.Extractor}
	if len(u.Imports) > 0 {
		args = append(args, "--imports")
		return append(args, u.Imports...)
	}
	return append(args, "--read", u.Path)
}

// Label is a short human-readable description used in logs.
func (u Unit) Label() string {
	if len(u.Imports) > 0 {
		return "imports " + strings.Join(u.Imports, " ")
	}
	return u.Path
}

// ResolutionError is returned when a target cannot be turned into units.
// No worker is started and no output is created when it occurs.
type ResolutionError struct {
	Spec Spec
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve target %s: %v", e.Spec, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
