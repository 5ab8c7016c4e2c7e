package daelim

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// defaultCommandTimeout bounds the wait for a single response.
const defaultCommandTimeout = 10 * time.Second

// Result is the outcome of a dispatched command.
type Result struct {
	// Response is the server frame that answered the command.
	Response Frame

	// States are the device states applied to the store because of it.
	States []DeviceState

	// Latency is the time between write and response.
	Latency time.Duration
}

type outcome struct {
	result Result
	err    error
}

// pending is one command awaiting its response.
// Whoever removes it from the dispatcher map resolves it, exactly once.
type pending struct {
	seq      uint32
	cmd      Command
	respType MessageType
	respSub  uint32
	sent     time.Time
	done     chan outcome
}

// Dispatcher correlates responses with the commands that caused them.
//
// Every command gets a sequence number that travels in the body as "seq".
// A response without one is matched to the oldest pending command expecting
// its type and subtype.
type Dispatcher struct {
	mu       sync.Mutex
	nextSeq  uint32
	pending  map[uint32]*pending
	closed   bool
	closeErr error
	metrics  *Metrics
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		pending: make(map[uint32]*pending),
		metrics: metrics,
	}
}

// register allocates a sequence number and records cmd as pending.
func (d *Dispatcher) register(cmd Command) (*pending, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, d.closeErr
	}
	d.nextSeq++
	if d.nextSeq == 0 {
		d.nextSeq = 1
	}
	p := &pending{
		seq:      d.nextSeq,
		cmd:      cmd,
		respType: cmd.Type,
		respSub:  ResponseSubtype(cmd.Subtype),
		sent:     time.Now(),
		done:     make(chan outcome, 1),
	}
	d.pending[p.seq] = p
	d.metrics.addPending(1)
	return p, nil
}

// match removes and returns the pending command f answers, if any.
func (d *Dispatcher) match(f Frame) (*pending, bool) {
	if f.Kind != KindResponse {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if f.Seq != 0 {
		if p, ok := d.pending[f.Seq]; ok && p.respType == f.Type && p.respSub == f.Subtype {
			d.remove(p)
			return p, true
		}
	}

	var oldest *pending
	for _, p := range d.pending {
		if p.respType != f.Type || p.respSub != f.Subtype {
			continue
		}
		if oldest == nil || p.sent.Before(oldest.sent) || (p.sent.Equal(oldest.sent) && p.seq < oldest.seq) {
			oldest = p
		}
	}
	if oldest == nil {
		return nil, false
	}
	d.remove(oldest)
	return oldest, true
}

// remove must be called with mu held.
func (d *Dispatcher) remove(p *pending) {
	delete(d.pending, p.seq)
	d.metrics.addPending(-1)
}

// cancel removes p if it is still pending. It reports whether the caller
// now owns the resolution.
func (d *Dispatcher) cancel(p *pending) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.pending[p.seq]; ok && cur == p {
		d.remove(p)
		return true
	}
	return false
}

func (d *Dispatcher) resolve(p *pending, res Result, err error) {
	res.Latency = time.Since(p.sent)
	p.done <- outcome{result: res, err: err}
}

// failAll releases every pending command with cause and refuses new ones.
func (d *Dispatcher) failAll(cause error) int {
	d.mu.Lock()
	d.closed = true
	d.closeErr = cause
	released := make([]*pending, 0, len(d.pending))
	for _, p := range d.pending {
		d.remove(p)
		released = append(released, p)
	}
	d.mu.Unlock()

	for _, p := range released {
		d.resolve(p, Result{}, cause)
	}
	return len(released)
}

// wait blocks until p is resolved, its timeout elapses, or ctx ends.
func (d *Dispatcher) wait(ctx context.Context, p *pending, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-timer.C:
		if d.cancel(p) {
			return Result{}, fmt.Errorf("%w: %s after %s", ErrCommandTimedOut, p.cmd, timeout)
		}
	case <-ctx.Done():
		if d.cancel(p) {
			return Result{}, ctx.Err()
		}
	}
	// Lost the race: the resolution is already on its way.
	out := <-p.done
	return out.result, out.err
}

// Len returns the number of pending commands.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
