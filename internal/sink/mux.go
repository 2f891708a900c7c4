package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// PumpResult counts the lines one stream produced.
type PumpResult struct {
	Lines   int64 // non-empty lines handed to the sink
	Dropped int64 // lines read after the sink reported an error
}

// Pump reads newline-delimited records from r and writes every non-empty
// line to w exactly once, in stream order. It returns at EOF without
// closing w, which is shared with other streams.
//
// A sink error does not stop the read: the rest of the stream is drained
// and discarded so the producer can run to completion. Pump stops early
// only when ctx is cancelled or the stream fails.
func Pump(ctx context.Context, r io.Reader, w LineWriter) (PumpResult, error) {
	var res PumpResult
	br := bufio.NewReaderSize(r, 64*1024)
	var sinkErr error

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		raw, readErr := br.ReadBytes('\n')
		line := bytes.TrimSpace(raw)
		if len(line) > 0 {
			if sinkErr != nil {
				res.Dropped++
			} else {
				res.Lines++
				sinkErr = w.Write(line)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return res, nil
			}
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, fmt.Errorf("read worker output: %w", readErr)
		}
	}
}
