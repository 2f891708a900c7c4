// Package fakeworker is a stand-in extraction worker for tests. A test
// binary re-executes itself with Command() and calls Main from its
// TestHelperProcess.
//
// The behaviour for a --read unit is chosen by the file's base name:
//
//	*fail*  emits two records then exits 3
//	*hang*  emits one record then blocks until killed
//	*bad*   emits a line that is not JSON
//	*nokey* emits a record without the key field
//	other   emits FAKEWORKER_ROWS records (default 4)
package fakeworker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EnvVar marks a re-executed test binary.
const EnvVar = "GO_WANT_HELPER_PROCESS"

// Schema is the document printed for --schema.
const Schema = `{"key":"name","fields":[` +
	`{"name":"name","nullable":false,"type":{"datatype":"string"}},` +
	`{"name":"n","nullable":true,"type":{"datatype":"int"}},` +
	`{"name":"unit","nullable":true,"type":{"datatype":"string"}}]}`

// Command returns the argv prefix that runs the fake worker.
func Command() []string {
	return []string{os.Args[0], "-test.run=TestHelperProcess", "--"}
}

// Enabled reports whether the current process is a re-executed helper.
func Enabled() bool {
	return os.Getenv(EnvVar) == "1"
}

// Main runs the fake worker and exits.
func Main() {
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) > 0 {
		args = args[1:]
	}
	os.Exit(run(args))
}

func run(args []string) int {
	var command, read string
	var imports []string
	schema := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--command":
			i++
			if i < len(args) {
				command = args[i]
			}
		case "--read":
			i++
			if i < len(args) {
				read = args[i]
			}
		case "--imports":
			for i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				i++
				imports = append(imports, args[i])
			}
		case "--config":
			i++
			if i < len(args) {
				fmt.Fprintf(os.Stderr, "config: %s\n", args[i])
			}
		case "--schema":
			schema = true
		}
	}

	switch {
	case command == "":
		fmt.Fprintln(os.Stderr, "missing --command")
		return 2
	case command == "extractors":
		fmt.Println("types")
		fmt.Println("tactics")
		return 0
	case command == "broken":
		fmt.Fprintln(os.Stderr, "unknown extractor broken")
		return 1
	case schema:
		fmt.Println(Schema)
		return 0
	}

	if len(imports) > 0 {
		for _, name := range imports {
			for i := 0; i < 3; i++ {
				emit(name, i)
			}
		}
		return 0
	}

	base := filepath.Base(read)
	switch {
	case strings.Contains(base, "fail"):
		emit(base, 0)
		emit(base, 1)
		fmt.Fprintf(os.Stderr, "error processing %s\n", base)
		return 3
	case strings.Contains(base, "hang"):
		emit(base, 0)
		time.Sleep(time.Hour)
		return 0
	case strings.Contains(base, "bad"):
		fmt.Println("this is not json")
		return 0
	case strings.Contains(base, "nokey"):
		fmt.Println(`{"n": 1}`)
		return 0
	}

	rows := 4
	if v, err := strconv.Atoi(os.Getenv("FAKEWORKER_ROWS")); err == nil {
		rows = v
	}
	for i := 0; i < rows; i++ {
		emit(base, i)
	}
	return 0
}

func emit(unit string, i int) {
	fmt.Printf("{\"name\":%q,\"n\":%d,\"unit\":%q}\n\n", fmt.Sprintf("%s-%d", unit, i), i, unit)
}
