package target

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ReadList reads a file list, one path per line. Surrounding whitespace is
// trimmed and blank lines are skipped. A relative list path is taken
// relative to base. Lists ending in .zst are decompressed on the fly.
func ReadList(path, base string) ([]string, error) {
	spec := Spec{Kind: FileList}

	full := expandHome(path)
	if base != "" && !filepath.IsAbs(full) {
		full = filepath.Join(base, full)
	}

	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ResolutionError{Spec: spec, Err: fmt.Errorf("file list not found: %s", path)}
		}
		return nil, &ResolutionError{Spec: spec, Err: fmt.Errorf("open file list: %w", err)}
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(full, ".zst") {
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, &ResolutionError{Spec: spec, Err: fmt.Errorf("create zstd decoder: %w", err)}
		}
		defer dec.Close()
		r = dec
	}

	var paths []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			paths = append(paths, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &ResolutionError{Spec: spec, Err: fmt.Errorf("read file list %s: %w", path, err)}
	}
	if len(paths) == 0 {
		return nil, &ResolutionError{Spec: spec, Err: fmt.Errorf("file list is empty: %s", path)}
	}
	return paths, nil
}
