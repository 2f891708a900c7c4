package worker

import "fmt"

// SpawnError means the worker process could not be started. It affects
// only the unit it was launched for.
type SpawnError struct {
	Unit string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker for %s: %v", e.Unit, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError means the worker ran but exited non-zero.
type ExitError struct {
	Unit string
	Code int // -1 when the process was killed by a signal
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker for %s failed with exit code %d", e.Unit, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
