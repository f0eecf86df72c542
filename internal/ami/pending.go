package ami

import (
	"strings"
	"sync"
)

// reply resolves exactly one outstanding action.
type reply struct {
	frame Frame   // the Response frame
	items []Frame // list items, for enumeration actions
	err   error
}

type waiter struct {
	ch    chan reply // buffered; written once by whoever removes the waiter
	list  bool
	head  Frame
	items []Frame

	// started runs once, on the read loop, when a list is accepted.
	started func()
}

// pending is the correlation table: ActionID -> waiting caller. Removal from
// the map and delivery happen together under the lock, so each waiter is
// resolved at most once no matter which path (response, timeout, drop)
// gets there first.
type pending struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newPending() *pending {
	return &pending{waiters: make(map[string]*waiter)}
}

func (p *pending) register(id string, list bool, started func()) *waiter {
	w := &waiter{ch: make(chan reply, 1), list: list, started: started}
	p.mu.Lock()
	p.waiters[id] = w
	p.mu.Unlock()
	return w
}

// resolve removes the waiter for id and hands it r. It returns false when
// the waiter was already resolved.
func (p *pending) resolve(id string, r reply) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.waiters[id]
	if !ok {
		return false
	}
	delete(p.waiters, id)
	w.ch <- r
	return true
}

// forget drops the waiter without resolving it (caller gave up).
func (p *pending) forget(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// route offers a frame carrying an ActionID to its waiter. It returns true
// when the frame was consumed. A list's started callback runs before route
// returns, so it precedes every frame read after the list's response.
func (p *pending) route(f Frame) bool {
	consumed, started := p.match(f)
	if started != nil {
		started()
	}
	return consumed
}

func (p *pending) match(f Frame) (bool, func()) {
	id := f.ActionID()
	if id == "" {
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.waiters[id]
	if !ok {
		return false, nil
	}

	if !w.list {
		if !f.IsResponse() {
			return false, nil
		}
		delete(p.waiters, id)
		w.ch <- reply{frame: f}
		return true, nil
	}

	if f.IsResponse() {
		if !f.IsSuccess() {
			delete(p.waiters, id)
			w.ch <- reply{frame: f}
			return true, nil
		}
		w.head = f
		started := w.started
		w.started = nil
		return true, started
	}

	if isListComplete(f) {
		delete(p.waiters, id)
		w.ch <- reply{frame: w.head, items: w.items}
		return true, nil
	}
	w.items = append(w.items, f)
	return true, nil
}

// failAll resolves every outstanding waiter with err and returns how many
// there were.
func (p *pending) failAll(err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.waiters)
	for id, w := range p.waiters {
		delete(p.waiters, id)
		w.ch <- reply{err: err}
	}
	return n
}

func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

func isListComplete(f Frame) bool {
	if strings.EqualFold(f.Get("EventList"), "Complete") {
		return true
	}
	return strings.HasSuffix(f.Event(), "Complete")
}
