package sink

import (
	"sync"
)

// Funnel serialises writes from many producers through one channel into a
// single consumer goroutine that owns the underlying sink. Lines sent by
// one producer reach the sink in the order they were sent.
//
// Once the sink fails, the consumer keeps draining the channel and drops
// what it reads, so producers never block on a dead writer.
type Funnel struct {
	sink  Sink
	items chan funnelItem
	done  chan struct{}

	mu      sync.Mutex
	err     error
	dropped int64
}

// NewFunnel starts the consumer goroutine. buffer is the channel capacity.
func NewFunnel(s Sink, buffer int) *Funnel {
	if buffer < 0 {
		buffer = 0
	}
	f := &Funnel{
		sink:  s,
		items: make(chan funnelItem, buffer),
		done:  make(chan struct{}),
	}
	go f.run()
	return f
}

// funnelItem is a line, or a barrier when ack is set.
type funnelItem struct {
	line []byte
	ack  chan struct{}
}

func (f *Funnel) run() {
	defer close(f.done)
	for it := range f.items {
		if it.ack != nil {
			close(it.ack)
			continue
		}
		line := it.line
		if f.Err() != nil {
			f.mu.Lock()
			f.dropped++
			f.mu.Unlock()
			continue
		}
		if err := f.sink.Write(line); err != nil {
			f.mu.Lock()
			f.err = err
			f.mu.Unlock()
		}
	}
}

// Write hands a line to the consumer. It returns the sink's error once the
// sink has failed; the line is still consumed. The caller must not reuse
// line after Write returns.
func (f *Funnel) Write(line []byte) error {
	f.items <- funnelItem{line: line}
	return f.Err()
}

// Sync waits until the consumer has handled every line written before the
// call and returns the sink's error, if any.
func (f *Funnel) Sync() error {
	ack := make(chan struct{})
	f.items <- funnelItem{ack: ack}
	<-ack
	return f.Err()
}

// Err returns the first error reported by the sink.
func (f *Funnel) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Dropped returns how many lines were discarded after the sink failed.
func (f *Funnel) Dropped() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close stops accepting lines, waits for the consumer to drain and closes
// the sink. No Write or Sync may be in progress or follow.
func (f *Funnel) Close() (Stats, error) {
	close(f.items)
	<-f.done
	st, err := f.sink.Close()
	if err == nil {
		err = f.Err()
	}
	return st, err
}
