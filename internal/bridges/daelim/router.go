package daelim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// eventQueueSize bounds the number of state changes waiting for delivery.
const eventQueueSize = 256

// Router applies decoded states to the Store and fans them out to subscribers.
//
// Delivery runs on one goroutine so subscribers observe changes in wire
// arrival order. Callbacks never run on the session read loop; a full queue
// drops the change and counts it.
type Router struct {
	logSink

	store   *Store
	metrics *Metrics

	subsMu sync.RWMutex
	subs   map[Category]map[uint64]func(DeviceState)
	all    map[uint64]func(DeviceState)
	nextID uint64

	queue   chan DeviceState
	done    *closeOnce
	wg      sync.WaitGroup
	started atomic.Bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewRouter creates a router writing to store. Call Start before use.
func NewRouter(store *Store, metrics *Metrics) *Router {
	return &Router{
		store:   store,
		metrics: metrics,
		subs:    make(map[Category]map[uint64]func(DeviceState)),
		all:     make(map[uint64]func(DeviceState)),
		queue:   make(chan DeviceState, eventQueueSize),
		done:    newCloseOnce(),
	}
}

// Start launches the delivery goroutine. Calling it twice is a no-op.
func (r *Router) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go r.deliverLoop()
}

// Close stops delivery. Queued changes are discarded.
func (r *Router) Close() {
	r.done.Close()
	r.wg.Wait()
}

// Subscribe registers fn for state changes of one category.
// The returned function removes the subscription.
func (r *Router) Subscribe(c Category, fn func(DeviceState)) func() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	r.nextID++
	id := r.nextID
	if r.subs[c] == nil {
		r.subs[c] = make(map[uint64]func(DeviceState))
	}
	r.subs[c][id] = fn

	return func() {
		r.subsMu.Lock()
		delete(r.subs[c], id)
		r.subsMu.Unlock()
	}
}

// SubscribeAll registers fn for every state change.
func (r *Router) SubscribeAll(fn func(DeviceState)) func() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	r.nextID++
	id := r.nextID
	r.all[id] = fn

	return func() {
		r.subsMu.Lock()
		delete(r.all, id)
		r.subsMu.Unlock()
	}
}

// Apply writes states to the store and queues them for subscribers.
// It is called from the session read loop only.
func (r *Router) Apply(states []DeviceState) []DeviceState {
	applied := make([]DeviceState, 0, len(states))
	for _, st := range states {
		stored := r.store.Update(st)
		applied = append(applied, stored)
		r.enqueue(stored)
	}
	return applied
}

// RoutePush handles an unsolicited frame. Items for unknown categories are
// logged and dropped; the error reports them without being fatal.
func (r *Router) RoutePush(f Frame) error {
	now := time.Now()
	var states []DeviceState
	var unknown []error

	switch f.Type {
	case TypeDevice:
		states, unknown = parseItems(f.Body, now)
	case TypeGuard:
		if st, ok := parseGuard(f.Body, now); ok {
			states = append(states, st)
		}
	case TypeEVCall:
		if st, ok := parseElevator(f.Body, now); ok {
			states = append(states, st)
		}
	default:
		unknown = append(unknown, fmt.Errorf("%w: message type %s subtype %d", ErrUnknownDeviceCategory, f.Type, f.Subtype))
	}

	for _, err := range unknown {
		r.metrics.incUnknown()
		r.logWarn("dropping push item", "error", err, "type", f.Type.String(), "subtype", f.Subtype)
	}
	for _, st := range states {
		r.metrics.observePush(st.Category)
	}
	r.Apply(states)

	if len(unknown) > 0 {
		return fmt.Errorf("%d push item(s) dropped: %w", len(unknown), unknown[0])
	}
	return nil
}

func (r *Router) enqueue(st DeviceState) {
	select {
	case r.queue <- st:
	default:
		r.dropped.Add(1)
		r.metrics.incDropped()
		r.logWarn("subscriber queue full, dropping state change", "device", st.Key())
	}
}

func (r *Router) deliverLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done.Done():
			return
		case st := <-r.queue:
			r.deliver(st)
		}
	}
}

func (r *Router) deliver(st DeviceState) {
	r.subsMu.RLock()
	fns := make([]func(DeviceState), 0, len(r.subs[st.Category])+len(r.all))
	for _, fn := range r.subs[st.Category] {
		fns = append(fns, fn)
	}
	for _, fn := range r.all {
		fns = append(fns, fn)
	}
	r.subsMu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logError("subscriber panic", fmt.Errorf("%v", rec), "device", st.Key())
				}
			}()
			fn(st)
		}()
	}
	r.delivered.Add(1)
}

// RouterStats holds delivery counters.
type RouterStats struct {
	Delivered uint64
	Dropped   uint64
}

// Stats returns delivery counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{Delivered: r.delivered.Load(), Dropped: r.dropped.Load()}
}
