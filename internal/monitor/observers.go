package monitor

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/sweeney/asterisk-panel/internal/ami"
	"github.com/sweeney/asterisk-panel/internal/metrics"
)

// EventCallback receives every event frame in arrival order. Callbacks
// run on one consumer goroutine, never on the socket read path.
type EventCallback func(ami.Frame)

// observers fans events out to registered callbacks through a bounded
// queue. When the queue is full new events are dropped.
type observers struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	next      int
	callbacks map[int]EventCallback

	queue chan ami.Frame
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newObservers(size int, log *slog.Logger, m *metrics.Metrics) *observers {
	if size <= 0 {
		size = 1
	}
	o := &observers{
		log:       log,
		metrics:   m,
		callbacks: make(map[int]EventCallback),
		queue:     make(chan ami.Frame, size),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *observers) register(cb EventCallback) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	o.callbacks[o.next] = cb
	return o.next
}

func (o *observers) unregister(id int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.callbacks[id]
	delete(o.callbacks, id)
	return ok
}

func (o *observers) empty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.callbacks) == 0
}

// publish never blocks.
func (o *observers) publish(f ami.Frame) {
	if o.empty() {
		return
	}
	select {
	case o.queue <- f:
	default:
		o.metrics.ObserverDropped()
		o.log.Warn("observer queue full, dropping event", "event", f.Event(), "capacity", cap(o.queue))
	}
}

func (o *observers) run() {
	defer close(o.done)
	for {
		select {
		case f := <-o.queue:
			for _, cb := range o.snapshot() {
				cb(f)
			}
		case <-o.quit:
			return
		}
	}
}

// snapshot returns the callbacks in registration order.
func (o *observers) snapshot() []EventCallback {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]int, 0, len(o.callbacks))
	for id := range o.callbacks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]EventCallback, len(ids))
	for i, id := range ids {
		out[i] = o.callbacks[id]
	}
	return out
}

func (o *observers) close() {
	o.once.Do(func() {
		close(o.quit)
		<-o.done
	})
}
