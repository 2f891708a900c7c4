package sink

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/withObsrvr/obsrvr-extract/internal/metrics"
)

// PassthroughWriter copies every record line to an output stream, usually
// the process's own stdout.
type PassthroughWriter struct {
	mu     sync.Mutex
	out    *bufio.Writer
	rows   int64
	failed error
	closed bool
}

// NewPassthroughWriter returns a writer that emits lines to out.
func NewPassthroughWriter(out io.Writer) *PassthroughWriter {
	return &PassthroughWriter{out: bufio.NewWriter(out)}
}

// Write emits line followed by a newline. Lines that are not JSON are
// rejected the same way the sharded writer rejects them.
func (p *PassthroughWriter) Write(line []byte) error {
	valid := json.Valid(line)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failed != nil {
		return p.failed
	}
	if p.closed {
		return ErrClosed
	}
	if !valid {
		return p.fail(&WriterError{Shard: -1, Op: "decode", Err: errors.New("invalid JSON record")})
	}

	if _, err := p.out.Write(line); err != nil {
		return p.fail(&WriterError{Shard: -1, Op: "write", Err: err})
	}
	if err := p.out.WriteByte('\n'); err != nil {
		return p.fail(&WriterError{Shard: -1, Op: "write", Err: err})
	}
	p.rows++
	if m := metrics.Get(); m != nil {
		m.IncRecordsWritten()
	}
	return nil
}

// Close flushes buffered output.
func (p *PassthroughWriter) Close() (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{TotalRows: p.rows}
	if p.closed {
		return st, ErrClosed
	}
	p.closed = true

	var errs []error
	if p.failed != nil {
		errs = append(errs, p.failed)
	}
	if err := p.out.Flush(); err != nil {
		errs = append(errs, &WriterError{Shard: -1, Op: "flush", Err: err})
	}
	return st, errors.Join(errs...)
}

func (p *PassthroughWriter) fail(err error) error {
	p.failed = err
	if m := metrics.Get(); m != nil {
		m.IncWriterErrors()
	}
	return err
}
