package target

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// LibraryPlaceholder is replaced by the library name in a query template.
const LibraryPlaceholder = "{library}"

// ExecQuery lists library members by running an external command, by
// default `lake query -q <library>:module_paths`, in Dir.
type ExecQuery struct {
	Argv []string
	Dir  string
}

// ModulePaths runs the query and returns the non-blank lines it printed.
func (q *ExecQuery) ModulePaths(ctx context.Context, library string) ([]string, error) {
	if len(q.Argv) == 0 {
		return nil, fmt.Errorf("empty library query command")
	}
	argv := make([]string, len(q.Argv))
	for i, a := range q.Argv {
		argv[i] = strings.ReplaceAll(a, LibraryPlaceholder, library)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = q.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("query module paths for library %q: %w\nstdout: %s\nstderr: %s",
			library, err, strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()))
	}

	var paths []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}
