// Package worker starts extraction worker processes and talks to them over
// their command line and standard output.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-extract/internal/logging"
	"github.com/withObsrvr/obsrvr-extract/internal/schema"
	"github.com/withObsrvr/obsrvr-extract/internal/sink"
	"github.com/withObsrvr/obsrvr-extract/internal/target"
)

// DefaultGrace is how long a worker gets between SIGTERM and SIGKILL.
const DefaultGrace = 2 * time.Second

// Config describes how workers are invoked.
type Config struct {
	Command    []string // argv prefix, e.g. lake exe -q lean_scout
	Dir        string   // working directory of every worker
	ConfigJSON string   // forwarded unmodified with --config when set
	Grace      time.Duration
	Stderr     io.Writer // worker diagnostics; defaults to os.Stderr
}

// Launcher spawns one worker process per unit.
type Launcher struct {
	cfg Config
	log *slog.Logger
}

// NewLauncher returns a Launcher for cfg.
func NewLauncher(cfg Config) *Launcher {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Launcher{cfg: cfg, log: logging.Component("worker")}
}

// Args returns the full argv for a unit.
func (l *Launcher) Args(unit target.Unit) []string {
	argv := append([]string(nil), l.cfg.Command...)
	argv = append(argv, unit.Args()...)
	if l.cfg.ConfigJSON != "" {
		argv = append(argv, "--config", l.cfg.ConfigJSON)
	}
	return argv
}

// Process is a running worker.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	unit   string

	mu        sync.Mutex
	killTimer *time.Timer
}

// Launch starts the worker for unit. Its stdout is a pipe of JSON lines,
// its stderr flows to the launcher's stderr and its stdin is empty.
// Cancelling ctx sends SIGTERM to the worker's process group and SIGKILL
// after the grace period.
func (l *Launcher) Launch(ctx context.Context, unit target.Unit) (*Process, error) {
	if len(l.cfg.Command) == 0 {
		return nil, &SpawnError{Unit: unit.Label(), Err: errors.New("empty worker command")}
	}
	argv := l.Args(unit)

	p := &Process{unit: unit.Label()}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = l.cfg.Dir
	cmd.Stdin = nil // reads from the null device
	cmd.Stderr = l.cfg.Stderr
	setupProcessGroup(cmd)
	cmd.Cancel = func() error {
		err := terminateProcessGroup(cmd)
		p.mu.Lock()
		p.killTimer = time.AfterFunc(l.cfg.Grace, func() {
			killProcessGroup(cmd)
		})
		p.mu.Unlock()
		return err
	}
	cmd.WaitDelay = l.cfg.Grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Unit: unit.Label(), Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Unit: unit.Label(), Err: err}
	}

	p.cmd = cmd
	p.stdout = stdout
	return p, nil
}

// Stdout is the worker's record stream. It must be read to EOF before Wait.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Pid returns the worker's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Terminate asks the worker's process group to stop.
func (p *Process) Terminate() error {
	return terminateProcessGroup(p.cmd)
}

// Wait waits for the worker to exit. A non-zero exit is an *ExitError.
func (p *Process) Wait() error {
	err := p.cmd.Wait()

	p.mu.Lock()
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.mu.Unlock()

	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Unit: p.unit, Code: ee.ExitCode(), Err: err}
	}
	return fmt.Errorf("wait for worker %s: %w", p.unit, err)
}

// Run launches the worker for unit, pumps its records into w and waits for
// it to exit. If ctx is cancelled the worker is terminated and ctx.Err() is
// returned.
func (l *Launcher) Run(ctx context.Context, unit target.Unit, w sink.LineWriter) (sink.PumpResult, error) {
	p, err := l.Launch(ctx, unit)
	if err != nil {
		return sink.PumpResult{}, err
	}
	l.log.Debug("worker started", "unit", unit.Label(), "pid", p.Pid())

	res, pumpErr := sink.Pump(ctx, p.Stdout(), w)
	if pumpErr != nil && ctx.Err() == nil {
		// The stream broke while the worker is still alive.
		p.Terminate()
	}
	waitErr := p.Wait()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, errors.Join(pumpErr, waitErr)
}

// QuerySchema asks the worker binary for the schema of an extractor. The
// schema must name its shard key.
func (l *Launcher) QuerySchema(ctx context.Context, extractor string) (*schema.Schema, error) {
	argv := append(append([]string(nil), l.cfg.Command...), "--command", extractor, "--schema")
	stdout, err := l.output(ctx, argv)
	if err != nil {
		return nil, fmt.Errorf("query schema for command %q: %w", extractor, err)
	}

	doc := bytes.TrimSpace(stdout)
	if len(doc) == 0 {
		return nil, fmt.Errorf("no schema output for command %q", extractor)
	}
	s, err := schema.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("schema for command %q: %w", extractor, err)
	}
	if s.Key == "" {
		return nil, fmt.Errorf("schema for command %q missing required \"key\" field", extractor)
	}
	return s, nil
}

// Build runs the build command once so workers do not race to build.
func (l *Launcher) Build(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return nil
	}
	if _, err := l.output(ctx, argv); err != nil {
		return fmt.Errorf("build %s: %w", strings.Join(argv, " "), err)
	}
	return nil
}

// ListExtractors runs the worker's extractor listing with the given
// output streams.
func (l *Launcher) ListExtractors(ctx context.Context, stdout, stderr io.Writer) error {
	if len(l.cfg.Command) == 0 {
		return errors.New("empty worker command")
	}
	argv := append(append([]string(nil), l.cfg.Command...), "--command", "extractors")
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = l.cfg.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Unit: "extractors", Code: ee.ExitCode(), Err: err}
	}
	return err
}

// output runs argv in the worker directory and returns its stdout. The
// captured stderr is folded into the error on failure.
func (l *Launcher) output(ctx context.Context, argv []string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = l.cfg.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w\nstderr: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
